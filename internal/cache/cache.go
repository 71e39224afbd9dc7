package cache

import (
	"context"
	"time"

	"pdvcaixa/backend/internal/domain"
)

// SnapshotCache keeps receipt payloads of finalized sales. A finalized sale
// never changes, so entries are only invalidated by a void.
type SnapshotCache interface {
	Get(ctx context.Context, saleID string) (*domain.SaleSnapshot, bool, error)
	Set(ctx context.Context, snapshot *domain.SaleSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, saleID string) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ string) (*domain.SaleSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ *domain.SaleSnapshot, _ time.Duration) error {
	return nil
}

func (NoopSnapshotCache) Delete(_ context.Context, _ string) error {
	return nil
}
