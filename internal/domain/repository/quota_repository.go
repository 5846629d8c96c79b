package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"catchment_api/internal/common"
	"catchment_api/internal/domain/model"
)

type QuotaRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.QuotaAccount, error)
	// ConsumeOne takes an exclusive row lock on the account, re-checks
	// used < limit under the lock, increments and commits. Returns false
	// without incrementing when the budget is already exhausted.
	ConsumeOne(ctx context.Context, userID string) (bool, error)
}

type pgQuotaRepository struct {
	db *sql.DB
}

func NewPgQuotaRepository(db *sql.DB) QuotaRepository {
	return &pgQuotaRepository{db: db}
}

func (r *pgQuotaRepository) FindByUserID(ctx context.Context, userID string) (*model.QuotaAccount, error) {
	query := `SELECT id, username, token_limit, tokens_used FROM users WHERE id = $1`
	account := &model.QuotaAccount{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&account.UserID, &account.Username, &account.TokenLimit, &account.TokensUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("pgQuotaRepository.FindByUserID: %w", err)
	}
	return account, nil
}

func (r *pgQuotaRepository) ConsumeOne(ctx context.Context, userID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("pgQuotaRepository.ConsumeOne begin: %w", err)
	}
	defer tx.Rollback()

	var limit, used int
	row := tx.QueryRowContext(ctx, `SELECT token_limit, tokens_used FROM users WHERE id = $1 FOR UPDATE`, userID)
	if err := row.Scan(&limit, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, common.ErrNotFound
		}
		return false, fmt.Errorf("pgQuotaRepository.ConsumeOne lock: %w", err)
	}

	if used >= limit {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET tokens_used = tokens_used + 1 WHERE id = $1`, userID); err != nil {
		return false, fmt.Errorf("pgQuotaRepository.ConsumeOne update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("pgQuotaRepository.ConsumeOne commit: %w", err)
	}
	return true, nil
}
