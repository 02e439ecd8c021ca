package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

// memTx stages every write and applies the whole set under the store mutex on
// commit. Readers never see a half applied order.
type memTx struct {
	store *Store

	heldProducts []int64
	heldSales    []int64

	products  map[int64]domain.Product
	purchases []domain.Purchase
	sales     []domain.Sale
	cancelled map[int64]domain.Sale
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &memTx{
		store:     s,
		products:  make(map[int64]domain.Product),
		cancelled: make(map[int64]domain.Sale),
	}
	defer tx.release()

	if err := ctx.Err(); err != nil {
		return &store.StorageError{Op: "begin", Err: err}
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (t *memTx) LockProducts(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	ids = ledger.SortedIDs(ids)

	for _, id := range ids {
		if slices.Contains(t.heldProducts, id) {
			continue
		}
		if err := t.acquire(ctx, t.store.productLocks, id); err != nil {
			t.store.logger.Warn("product lock wait failed", zap.Int64("product_id", id), zap.Error(err))
			return nil, &store.StorageError{Op: "lock products", Err: err}
		}
		t.heldProducts = append(t.heldProducts, id)
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make(map[int64]*domain.Product, len(ids))
	for _, id := range ids {
		p, ok := t.products[id]
		if !ok {
			p, ok = t.store.products[id]
		}
		if !ok {
			return nil, &ledger.ProductNotFoundError{ProductID: id}
		}
		out[id] = &p
	}
	return out, nil
}

func (t *memTx) SaveProduct(_ context.Context, product domain.Product) error {
	if !slices.Contains(t.heldProducts, product.ID) {
		return fmt.Errorf("save product %d: %w", product.ID, store.ErrInvalidInput)
	}
	t.products[product.ID] = product
	return nil
}

func (t *memTx) InsertPurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	s := t.store
	s.mu.Lock()
	s.purchaseSeq++
	purchase.ID = s.purchaseSeq
	purchase.Lines = slices.Clone(purchase.Lines)
	for i := range purchase.Lines {
		s.lineSeq++
		purchase.Lines[i].ID = s.lineSeq
	}
	s.mu.Unlock()

	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	t.purchases = append(t.purchases, purchase)
	out := clonePurchase(purchase)
	return &out, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s := t.store
	s.mu.Lock()
	s.saleSeq++
	sale.ID = s.saleSeq
	sale.Lines = slices.Clone(sale.Lines)
	for i := range sale.Lines {
		s.lineSeq++
		sale.Lines[i].ID = s.lineSeq
	}
	s.mu.Unlock()

	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	t.sales = append(t.sales, sale)
	out := cloneSale(sale)
	return &out, nil
}

func (t *memTx) LockSale(ctx context.Context, id int64) (*domain.Sale, error) {
	if !slices.Contains(t.heldSales, id) {
		if err := t.acquire(ctx, t.store.saleLocks, id); err != nil {
			t.store.logger.Warn("sale lock wait failed", zap.Int64("sale_id", id), zap.Error(err))
			return nil, &store.StorageError{Op: "lock sale", Err: err}
		}
		t.heldSales = append(t.heldSales, id)
	}

	if staged, ok := t.cancelled[id]; ok {
		out := cloneSale(staged)
		return &out, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	sale, ok := t.store.sales[id]
	if !ok {
		return nil, ledger.ErrSaleNotFound
	}
	sale = cloneSale(sale)
	return &sale, nil
}

func (t *memTx) MarkSaleCancelled(_ context.Context, sale domain.Sale) error {
	if !slices.Contains(t.heldSales, sale.ID) {
		return fmt.Errorf("cancel sale %d: %w", sale.ID, store.ErrInvalidInput)
	}
	t.cancelled[sale.ID] = cloneSale(sale)
	return nil
}

func (t *memTx) acquire(ctx context.Context, locks *keyedLocks, id int64) error {
	lockCtx, cancel := context.WithTimeout(ctx, t.store.lockTimeout)
	defer cancel()
	return locks.acquire(lockCtx, id)
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, staged := range t.products {
		current, ok := s.products[id]
		if !ok {
			continue
		}
		current.StockQuantity = staged.StockQuantity
		current.AverageCost = staged.AverageCost
		current.UpdatedAt = staged.UpdatedAt
		s.products[id] = current
	}
	for _, p := range t.purchases {
		s.purchases[p.ID] = p
	}
	for _, sale := range t.sales {
		s.sales[sale.ID] = sale
	}
	for id, staged := range t.cancelled {
		current, ok := s.sales[id]
		if !ok {
			continue
		}
		current.Cancelled = staged.Cancelled
		current.CancelledAt = staged.CancelledAt
		s.sales[id] = current
	}
}

func (t *memTx) release() {
	for _, id := range t.heldSales {
		t.store.saleLocks.release(id)
	}
	for _, id := range t.heldProducts {
		t.store.productLocks.release(id)
	}
	t.heldSales = nil
	t.heldProducts = nil
}
