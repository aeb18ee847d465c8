package model

import "time"

// Job represents one submitted isolation request and its tracked state
// until a terminal outcome. Values handed out by the registry are always
// full copies, never pointers into the store. Seq is the store-wide
// mutation counter at the time the snapshot was taken; a snapshot with a
// higher Seq is strictly newer.
type Job struct {
	ID          string     `json:"id"`
	Seq         uint64     `json:"-"`
	Mode        Mode       `json:"mode"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	Output      string     `json:"output,omitempty"`
	ErrorDetail string     `json:"errorDetail,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
