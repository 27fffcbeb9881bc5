package cache

import (
	"context"
	"time"

	"tokokita/backend/internal/domain"
)

// EligibleCache caches eligible-transaction listings per kind. Invalidate
// drops every cached listing of a kind; commits and deletions call it so
// the finder never serves stale net figures.
type EligibleCache interface {
	Get(ctx context.Context, kind string, key string) ([]domain.EligibleTransactionSummary, bool, error)
	Set(ctx context.Context, kind string, key string, value []domain.EligibleTransactionSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, kind string) error
}

type NoopEligibleCache struct{}

func (NoopEligibleCache) Get(_ context.Context, _ string, _ string) ([]domain.EligibleTransactionSummary, bool, error) {
	return nil, false, nil
}

func (NoopEligibleCache) Set(_ context.Context, _ string, _ string, _ []domain.EligibleTransactionSummary, _ time.Duration) error {
	return nil
}

func (NoopEligibleCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
