package model

import "time"

const (
	EventInit      = "init"
	EventStart     = "start"
	EventProgress  = "progress"
	EventComplete  = "complete"
	EventHeartbeat = "heartbeat"
)

// Event is one live status update for a job stream. Delivery is best-effort,
// at most once per subscriber.
type Event struct {
	Type      string    `json:"type"`
	CSVID     string    `json:"csv_id"`
	Timestamp time.Time `json:"timestamp"`

	Status string  `json:"status,omitempty"`
	Error  *string `json:"error,omitempty"`

	TotalRows  *int     `json:"total_rows,omitempty"`
	Completed  *int     `json:"completed,omitempty"`
	Total      *int     `json:"total,omitempty"`
	Failed     *int     `json:"failed,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
}

// NotifyPayload is the durable-channel frame sent over the database notify
// channel on every status-changing commit. Origin carries the publishing
// process instance id so listeners can drop their own events.
type NotifyPayload struct {
	CSVID          string  `json:"csv_id"`
	Status         string  `json:"status"`
	EventType      string  `json:"event_type"`
	SuccessfulRows *int    `json:"successful_rows"`
	FailedRows     *int    `json:"failed_rows"`
	TotalRows      *int    `json:"total_rows"`
	Error          *string `json:"error"`
	Origin         string  `json:"origin"`
}
