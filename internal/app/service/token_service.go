package service

import (
	"context"
	"log"

	"catchment_api/internal/domain/model"
	"catchment_api/internal/domain/repository"
)

// TokenService is the enrichment quota ledger. Availability checks are
// lock-free and race-tolerant; only consumption takes the account row lock,
// and only after a successful provider call so failed lookups never bill a
// token. A consumption that loses the race is the row's problem, not the
// ledger's: there is no refund path for the already-spent provider call.
type TokenService struct {
	quotaRepo repository.QuotaRepository
}

func NewTokenService(quotaRepo repository.QuotaRepository) *TokenService {
	return &TokenService{quotaRepo: quotaRepo}
}

// HasAvailable is the non-consuming pre-check done before spending a provider
// call. Best effort: a storage error reads as "no tokens".
func (s *TokenService) HasAvailable(ctx context.Context, userID string) bool {
	account, err := s.quotaRepo.FindByUserID(ctx, userID)
	if err != nil {
		log.Printf("ERROR: Failed to check token availability for user %s: %v", userID, err)
		return false
	}
	return account.Remaining() > 0
}

// ConsumeOneAfterSuccess re-validates the budget under the account row lock
// and increments. Returns false without incrementing when the budget was
// exhausted between the pre-check and now.
func (s *TokenService) ConsumeOneAfterSuccess(ctx context.Context, userID string) bool {
	consumed, err := s.quotaRepo.ConsumeOne(ctx, userID)
	if err != nil {
		log.Printf("ERROR: Failed to consume token for user %s: %v", userID, err)
		return false
	}
	if !consumed {
		log.Printf("INFO: User %s has no tokens remaining", userID)
	}
	return consumed
}

// TokenStatus is the quota snapshot reported at submission time. Errors read
// as an empty budget rather than failing the submission.
func (s *TokenService) TokenStatus(ctx context.Context, userID string) model.TokenStatus {
	account, err := s.quotaRepo.FindByUserID(ctx, userID)
	if err != nil {
		log.Printf("ERROR: Failed to get token status for user %s: %v", userID, err)
		return model.TokenStatus{}
	}
	return model.TokenStatus{
		Used:      account.TokensUsed,
		Limit:     account.TokenLimit,
		Remaining: account.Remaining(),
	}
}
