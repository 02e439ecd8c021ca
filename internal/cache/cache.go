package cache

import (
	"context"
	"strconv"
	"time"

	"stockledger/backend/internal/domain"
)

const (
	keyPrefix   = "stockledger:"
	productsKey = keyPrefix + "products"
)

func productKey(id int64) string {
	return keyPrefix + "product:" + strconv.FormatInt(id, 10)
}

// ProductCache holds read copies of products. Entries are write-around: the
// ledger never reads through it, and every committed change invalidates the
// touched products together with the list.
type ProductCache interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, bool, error)
	SetProduct(ctx context.Context, product domain.Product, ttl time.Duration) error
	GetProducts(ctx context.Context) ([]domain.Product, bool, error)
	SetProducts(ctx context.Context, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, ids ...int64) error
}

type NoopProductCache struct{}

func (NoopProductCache) GetProduct(_ context.Context, _ int64) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) SetProduct(_ context.Context, _ domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) GetProducts(_ context.Context) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) SetProducts(_ context.Context, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Invalidate(_ context.Context, _ ...int64) error {
	return nil
}
