package service

import (
	"context"
	"log"
	"strings"
	"time"

	"catchment_api/internal/common"
	"catchment_api/internal/csvfile"
	"catchment_api/internal/domain/model"
	"catchment_api/internal/domain/repository"
	"catchment_api/internal/platform/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CatchmentService admits bulk CSV jobs and serves their lifecycle reads.
// Admission failures reject synchronously before any job exists; everything
// after admission surfaces only through status, stream or the downloaded
// errors column.
type CatchmentService struct {
	jobRepo      repository.CSVJobRepository
	tokenService *TokenService
	rdb          *redis.Client
}

func NewCatchmentService(jobRepo repository.CSVJobRepository, tokenService *TokenService, rdb *redis.Client) *CatchmentService {
	return &CatchmentService{jobRepo: jobRepo, tokenService: tokenService, rdb: rdb}
}

type TokenInfo struct {
	Available          int `json:"available"`
	TotalRows          int `json:"total_rows"`
	EstimatedProcessed int `json:"estimated_processed"`
}

type BulkSubmissionResult struct {
	CSVID     string    `json:"csv_id"`
	Status    string    `json:"status"`
	TokenInfo TokenInfo `json:"token_info"`
}

type StatusResult struct {
	CSVID  string  `json:"csv_id"`
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// SubmitBulk validates the upload envelope, creates the job in pending and
// hands its id to the background dispatcher via the Redis queue.
func (s *CatchmentService) SubmitBulk(ctx context.Context, userID, username, filename string, content []byte) (*BulkSubmissionResult, error) {
	if int64(len(content)) > config.AppConfig.MaxUploadBytes {
		return nil, common.Errorf("CSV file too large (max 10MB): %w", common.ErrBadRequest)
	}
	if filename == "" || !strings.HasSuffix(filename, ".csv") {
		return nil, common.Errorf("File must be a CSV with a valid filename: %w", common.ErrBadRequest)
	}
	if len(content) == 0 {
		return nil, common.Errorf("CSV file is empty: %w", common.ErrBadRequest)
	}

	doc, err := csvfile.Parse(content)
	if err != nil {
		return nil, err
	}
	if doc.RowCount() > config.AppConfig.MaxCSVRows {
		return nil, common.Errorf("CSV file has too many rows (max %d): %w", config.AppConfig.MaxCSVRows, common.ErrBadRequest)
	}
	if missing := doc.MissingColumns(); len(missing) > 0 {
		return nil, common.Errorf("Missing columns: %s: %w", strings.Join(missing, ", "), common.ErrBadRequest)
	}
	if doc.HasDuplicateRows() {
		return nil, common.Errorf("CSV file contains duplicate rows: %w", common.ErrBadRequest)
	}
	if dups := doc.DuplicateLocationIDs(); len(dups) > 0 {
		return nil, common.Errorf("CSV file contains duplicate location_id values: %s: %w", strings.Join(dups, ", "), common.ErrBadRequest)
	}

	tokenStatus := s.tokenService.TokenStatus(ctx, userID)
	rowCount := doc.RowCount()

	job := &model.CSVJob{
		ID:          uuid.NewString(),
		Filename:    filename,
		FileContent: content,
		Username:    username,
		UserID:      userID,
		Status:      model.CSVStatusPending,
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, common.Errorf("failed to create CSV job: %w", err)
	}

	if err := s.rdb.LPush(ctx, config.AppConfig.CatchmentQueueName, job.ID).Err(); err != nil {
		// The job row exists but nothing will pick it up; report the
		// admission as failed rather than leaving the client waiting on a
		// job that never starts.
		failMsg := "failed to enqueue job for processing"
		_ = s.jobRepo.Complete(ctx, job.ID, &model.JobResult{
			Status: model.CSVStatusFailed,
			Error:  &failMsg,
		}, job.CreatedAt)
		return nil, common.Errorf("failed to enqueue CSV job: %w", err)
	}

	log.Printf("INFO: CSV job %s admitted for user %s (%d rows)", job.ID, username, rowCount)

	estimated := tokenStatus.Remaining
	if rowCount < estimated {
		estimated = rowCount
	}
	return &BulkSubmissionResult{
		CSVID:  job.ID,
		Status: model.CSVStatusPending,
		TokenInfo: TokenInfo{
			Available:          tokenStatus.Remaining,
			TotalRows:          rowCount,
			EstimatedProcessed: estimated,
		},
	}, nil
}

func (s *CatchmentService) JobStatus(ctx context.Context, csvID string) (*StatusResult, error) {
	job, err := s.jobRepo.FindByID(ctx, csvID)
	if err != nil {
		return nil, err
	}
	result := &StatusResult{CSVID: job.ID, Status: job.Status}
	if job.Status == model.CSVStatusFailed && job.Error != nil {
		result.Error = job.Error
	}
	return result, nil
}

// Job returns the full record, used by the event stream for its init snapshot.
func (s *CatchmentService) Job(ctx context.Context, csvID string) (*model.CSVJob, error) {
	return s.jobRepo.FindByID(ctx, csvID)
}

// Download returns the output artifact once the job is terminal and tracks the
// download. Counter updates are atomic increments, safe under concurrent
// downloads.
func (s *CatchmentService) Download(ctx context.Context, csvID string) (*model.CSVJob, error) {
	job, err := s.jobRepo.FindByID(ctx, csvID)
	if err != nil {
		return nil, err
	}
	if !model.IsTerminalStatus(job.Status) {
		return nil, common.Errorf("CSV file is not ready yet. Current status: %s: %w", job.Status, common.ErrNotReady)
	}
	if err := s.jobRepo.RecordDownload(ctx, csvID, time.Now().UTC()); err != nil {
		// Tracking must not block the download itself.
		log.Printf("ERROR: Failed to record download for CSV %s: %v", csvID, err)
	}
	return job, nil
}

func (s *CatchmentService) ListJobs(ctx context.Context, userID string) ([]model.CSVJob, error) {
	return s.jobRepo.ListByUser(ctx, userID)
}
