package model

import "time"

const (
	CSVStatusPending    = "pending"
	CSVStatusProcessing = "processing"
	CSVStatusDone       = "done"
	CSVStatusFailed     = "failed"
	CSVStatusPartial    = "partial"
)

// IsTerminalStatus reports whether a job status permits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == CSVStatusDone || status == CSVStatusFailed || status == CSVStatusPartial
}

// CSVJob is one bulk CSV submission and its processing lifecycle. The record is
// created at admission and afterwards mutated only by the owning background
// worker, except the download tracking fields which the read path increments
// atomically.
type CSVJob struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	FileContent []byte    `json:"-"`
	Username    string    `json:"username"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
	Error       *string   `json:"error,omitempty"`

	TotalRows      *int `json:"total_rows,omitempty"`
	SuccessfulRows *int `json:"successful_rows,omitempty"`
	FailedRows     *int `json:"failed_rows,omitempty"`

	ProcessingStartedAt       *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt     *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingDurationSeconds *int       `json:"processing_duration_seconds,omitempty"`

	DownloadCount     int        `json:"download_count"`
	FirstDownloadedAt *time.Time `json:"first_downloaded_at,omitempty"`
	LastDownloadedAt  *time.Time `json:"last_downloaded_at,omitempty"`

	APICallsMade   *int `json:"api_calls_made,omitempty"`
	TokensConsumed *int `json:"tokens_consumed,omitempty"`
}

// JobResult carries everything a terminal transition must commit atomically
// with the status change, so observers never see a status without its data.
type JobResult struct {
	Status         string
	Error          *string
	Output         []byte
	TotalRows      int
	SuccessfulRows int
	FailedRows     int
	APICallsMade   int
	TokensConsumed int
}
