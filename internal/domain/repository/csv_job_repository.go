package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"catchment_api/internal/common"
	"catchment_api/internal/domain/model"
)

type CSVJobRepository interface {
	Create(ctx context.Context, job *model.CSVJob) error
	FindByID(ctx context.Context, id string) (*model.CSVJob, error)
	ListByUser(ctx context.Context, userID string) ([]model.CSVJob, error)
	// MarkProcessing records the processing start: status, started_at and
	// total_rows move in one statement.
	MarkProcessing(ctx context.Context, id string, startedAt time.Time, totalRows int) error
	// Complete commits a terminal transition. Status, counts, error, output
	// artifact, timestamps and duration land in a single transaction so no
	// observer ever sees the status without its dependent fields. A nil
	// Output leaves the stored file content untouched.
	Complete(ctx context.Context, id string, res *model.JobResult, completedAt time.Time) error
	// RecordDownload bumps the download counters atomically; safe under
	// concurrent downloads of the same file.
	RecordDownload(ctx context.Context, id string, at time.Time) error
}

type pgCSVJobRepository struct {
	db *sql.DB
}

func NewPgCSVJobRepository(db *sql.DB) CSVJobRepository {
	return &pgCSVJobRepository{db: db}
}

func (r *pgCSVJobRepository) Create(ctx context.Context, job *model.CSVJob) error {
	query := `INSERT INTO csv_files (id, filename, file_content, username, user_id, status)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, job.ID, job.Filename, job.FileContent, job.Username, job.UserID, job.Status)
	if err != nil {
		return fmt.Errorf("pgCSVJobRepository.Create: %w", err)
	}
	return nil
}

func (r *pgCSVJobRepository) FindByID(ctx context.Context, id string) (*model.CSVJob, error) {
	query := `SELECT id, filename, file_content, username, user_id, created_at, status, error,
	                 total_rows, successful_rows, failed_rows,
	                 processing_started_at, processing_completed_at, processing_duration_seconds,
	                 download_count, first_downloaded_at, last_downloaded_at,
	                 api_calls_made, tokens_consumed
	          FROM csv_files WHERE id = $1`
	job := &model.CSVJob{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Filename, &job.FileContent, &job.Username, &job.UserID, &job.CreatedAt, &job.Status, &job.Error,
		&job.TotalRows, &job.SuccessfulRows, &job.FailedRows,
		&job.ProcessingStartedAt, &job.ProcessingCompletedAt, &job.ProcessingDurationSeconds,
		&job.DownloadCount, &job.FirstDownloadedAt, &job.LastDownloadedAt,
		&job.APICallsMade, &job.TokensConsumed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgCSVJobRepository.FindByID: %w", err)
	}
	return job, nil
}

func (r *pgCSVJobRepository) ListByUser(ctx context.Context, userID string) ([]model.CSVJob, error) {
	query := `SELECT id, filename, username, user_id, created_at, status, error,
	                 total_rows, successful_rows, failed_rows, download_count
	          FROM csv_files WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("pgCSVJobRepository.ListByUser: %w", err)
	}
	defer rows.Close()

	var jobs []model.CSVJob
	for rows.Next() {
		var job model.CSVJob
		if err := rows.Scan(
			&job.ID, &job.Filename, &job.Username, &job.UserID, &job.CreatedAt, &job.Status, &job.Error,
			&job.TotalRows, &job.SuccessfulRows, &job.FailedRows, &job.DownloadCount,
		); err != nil {
			return nil, fmt.Errorf("pgCSVJobRepository.ListByUser scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgCSVJobRepository.ListByUser rows: %w", err)
	}
	return jobs, nil
}

func (r *pgCSVJobRepository) MarkProcessing(ctx context.Context, id string, startedAt time.Time, totalRows int) error {
	query := `UPDATE csv_files
	          SET status = $2, processing_started_at = $3, total_rows = $4
	          WHERE id = $1 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, id, model.CSVStatusProcessing, startedAt, totalRows, model.CSVStatusPending)
	if err != nil {
		return fmt.Errorf("pgCSVJobRepository.MarkProcessing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgCSVJobRepository.MarkProcessing rows affected: %w", err)
	}
	if affected == 0 {
		return common.Errorf("job %s is not pending: %w", id, common.ErrConflict)
	}
	return nil
}

func (r *pgCSVJobRepository) Complete(ctx context.Context, id string, res *model.JobResult, completedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgCSVJobRepository.Complete begin: %w", err)
	}
	defer tx.Rollback()

	// Refuse to leave a terminal state; transitions are monotonic.
	var current string
	var startedAt sql.NullTime
	row := tx.QueryRowContext(ctx, `SELECT status, processing_started_at FROM csv_files WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&current, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		return fmt.Errorf("pgCSVJobRepository.Complete lock: %w", err)
	}
	if model.IsTerminalStatus(current) {
		return common.Errorf("job %s already terminal (%s): %w", id, current, common.ErrConflict)
	}

	var durationSeconds *int
	if startedAt.Valid {
		d := int(completedAt.Sub(startedAt.Time).Round(time.Second) / time.Second)
		durationSeconds = &d
	}

	// A result without an output artifact keeps the stored upload, so a
	// failed job's download still returns the original file.
	query := `UPDATE csv_files
	          SET status = $2, error = $3, file_content = COALESCE($4, file_content),
	              total_rows = $5, successful_rows = $6, failed_rows = $7,
	              processing_completed_at = $8, processing_duration_seconds = $9,
	              api_calls_made = $10, tokens_consumed = $11
	          WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id,
		res.Status, res.Error, res.Output,
		res.TotalRows, res.SuccessfulRows, res.FailedRows,
		completedAt, durationSeconds,
		res.APICallsMade, res.TokensConsumed,
	); err != nil {
		return fmt.Errorf("pgCSVJobRepository.Complete update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgCSVJobRepository.Complete commit: %w", err)
	}
	return nil
}

func (r *pgCSVJobRepository) RecordDownload(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE csv_files
	          SET download_count = download_count + 1,
	              first_downloaded_at = COALESCE(first_downloaded_at, $2),
	              last_downloaded_at = $2
	          WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("pgCSVJobRepository.RecordDownload: %w", err)
	}
	return nil
}
