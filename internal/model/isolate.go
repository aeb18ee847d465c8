package model

import "time"

// IsolateRequest is the form portion of POST /api/isolate; the media file
// itself arrives alongside as the multipart field "file".
type IsolateRequest struct {
	Mode string `form:"mode" validate:"required,oneof=instrumental_only vocals_only video_no_vocals video_no_music"`
}

// IsolateResponse is returned synchronously by POST /api/isolate.
type IsolateResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// JobStatusResponse is the one-shot snapshot for GET /api/jobs/:jobId.
type JobStatusResponse struct {
	JobID       string     `json:"jobId"`
	Mode        Mode       `json:"mode"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobCancelResponse is returned by POST /api/jobs/:jobId/cancel.
type JobCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
