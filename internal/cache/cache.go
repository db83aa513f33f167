package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vingaymai/duongbackend/internal/domain"
)

type CatalogCache interface {
	Get(ctx context.Context, key string) ([]domain.SalesProduct, bool, error)
	Set(ctx context.Context, key string, value []domain.SalesProduct, ttl time.Duration) error
	InvalidateBranch(ctx context.Context, branchID int64) error
}

// CatalogKey builds the cache key for one branch's POS product listing.
func CatalogKey(branchID int64, search string, activeOnly bool) string {
	return fmt.Sprintf("catalog:%d:%s:%t", branchID, search, activeOnly)
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.SalesProduct, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.SalesProduct, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) InvalidateBranch(_ context.Context, _ int64) error {
	return nil
}
