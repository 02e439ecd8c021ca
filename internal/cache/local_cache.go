package cache

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"stockledger/backend/internal/domain"
)

// LocalProductCache keeps products in process for single node deployments
// without redis. The ttl passed to the setters is ignored in favour of the
// one fixed at construction.
type LocalProductCache struct {
	products *expirable.LRU[int64, domain.Product]
	list     *expirable.LRU[string, []domain.Product]
}

func NewLocalProductCache(size int, ttl time.Duration) *LocalProductCache {
	if size <= 0 {
		size = 1024
	}
	return &LocalProductCache{
		products: expirable.NewLRU[int64, domain.Product](size, nil, ttl),
		list:     expirable.NewLRU[string, []domain.Product](1, nil, ttl),
	}
}

func (c *LocalProductCache) GetProduct(_ context.Context, id int64) (*domain.Product, bool, error) {
	p, ok := c.products.Get(id)
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *LocalProductCache) SetProduct(_ context.Context, product domain.Product, _ time.Duration) error {
	c.products.Add(product.ID, product)
	return nil
}

func (c *LocalProductCache) GetProducts(_ context.Context) ([]domain.Product, bool, error) {
	products, ok := c.list.Get(productsKey)
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(products), true, nil
}

func (c *LocalProductCache) SetProducts(_ context.Context, products []domain.Product, _ time.Duration) error {
	c.list.Add(productsKey, slices.Clone(products))
	return nil
}

func (c *LocalProductCache) Invalidate(_ context.Context, ids ...int64) error {
	c.list.Remove(productsKey)
	for _, id := range ids {
		c.products.Remove(id)
	}
	return nil
}
