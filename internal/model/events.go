package model

// ProgressEvent is the payload pushed to subscribers on every job update,
// over SSE as the event data and over WebSocket as the message body. It
// always carries the full snapshot so dropped intermediate events are
// harmless to the observer.
type ProgressEvent struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	Output       string    `json:"output,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ETA          string    `json:"eta,omitempty"`
}

// WebSocket control message types
const (
	WSMessageTypePing = "ping"
	WSMessageTypePong = "pong"
)

// WSMessage represents a WebSocket control message from or to the client.
type WSMessage struct {
	Type string `json:"type"`
}
