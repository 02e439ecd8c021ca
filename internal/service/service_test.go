package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	repo := memory.New(zap.NewNop(), 2*time.Second)
	return New(repo, cache.NewLocalProductCache(64, time.Minute), zap.NewNop())
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func mustProduct(t *testing.T, svc *Service, name string) *domain.Product {
	t.Helper()
	p, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: name, SalePrice: dec("15")})
	require.NoError(t, err)
	return p
}

func mustPurchase(t *testing.T, svc *Service, productID int64, qty int, cost string) *domain.Purchase {
	t.Helper()
	p, err := svc.RecordPurchase(adminCtx(), domain.PurchaseRequest{
		Supplier: "ACME",
		Lines:    []domain.PurchaseLineInput{{ProductID: productID, Quantity: qty, UnitCost: dec(cost)}},
	})
	require.NoError(t, err)
	return p
}

func saleOf(lines ...domain.SaleLineInput) domain.SaleRequest {
	return domain.SaleRequest{Customer: "Jane", Lines: lines}
}

func line(productID int64, qty int, price string) domain.SaleLineInput {
	return domain.SaleLineInput{ProductID: productID, Quantity: qty, UnitPrice: dec(price)}
}

func stockOf(t *testing.T, svc *Service, id int64) int {
	t.Helper()
	p, err := svc.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.StockQuantity
}

func TestCreateProductStartsEmpty(t *testing.T) {
	svc := newTestService(t)

	p := mustProduct(t, svc, "Widget")

	assert.Equal(t, 0, p.StockQuantity)
	assert.True(t, p.AverageCost.IsZero())
	assert.True(t, p.SalePrice.Equal(dec("15")))
}

func TestCreateProductValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "ab", SalePrice: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidProduct)

	_, err = svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Widget", SalePrice: dec("0.001")})
	assert.ErrorIs(t, err, ledger.ErrInvalidProduct)
}

func TestPurchasesBlendAverageCost(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")

	mustPurchase(t, svc, p.ID, 10, "5.00")
	purchase := mustPurchase(t, svc, p.ID, 5, "8.00")

	got, err := svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.StockQuantity)
	assert.True(t, got.AverageCost.Equal(dec("6")), "average %s", got.AverageCost)
	assert.True(t, purchase.Total.Equal(dec("40")))
	require.Len(t, purchase.Lines, 1)
	assert.Equal(t, "Widget", purchase.Lines[0].ProductName)
}

func TestPurchaseRejectsInvalidOrders(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")

	_, err := svc.RecordPurchase(adminCtx(), domain.PurchaseRequest{Supplier: "ACME"})
	assert.ErrorIs(t, err, ledger.ErrInvalidOrder)

	_, err = svc.RecordPurchase(adminCtx(), domain.PurchaseRequest{
		Supplier: "ACME",
		Lines:    []domain.PurchaseLineInput{{ProductID: p.ID, Quantity: 1, UnitCost: dec("0")}},
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidOrder)
	assert.ErrorIs(t, err, ledger.ErrInvalidLine)
}

func TestPurchaseUnknownProductLeavesOthersUntouched(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")

	_, err := svc.RecordPurchase(adminCtx(), domain.PurchaseRequest{
		Supplier: "ACME",
		Lines: []domain.PurchaseLineInput{
			{ProductID: p.ID, Quantity: 3, UnitCost: dec("2")},
			{ProductID: p.ID + 50, Quantity: 1, UnitCost: dec("2")},
		},
	})
	var notFound *ledger.ProductNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, p.ID+50, notFound.ProductID)
	assert.Equal(t, 0, stockOf(t, svc, p.ID))

	purchases, err := svc.ListPurchases(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

func TestSaleComputesProfitFromAverageCost(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")
	mustPurchase(t, svc, p.ID, 10, "6")

	sale, err := svc.RecordSale(adminCtx(), saleOf(line(p.ID, 4, "10")))
	require.NoError(t, err)

	assert.True(t, sale.Total.Equal(dec("40")))
	assert.True(t, sale.Profit.Equal(dec("16")))
	require.Len(t, sale.Lines, 1)
	assert.True(t, sale.Lines[0].UnitCost.Equal(dec("6")))
	assert.False(t, sale.Cancelled)
	assert.Equal(t, 6, stockOf(t, svc, p.ID))
}

func TestSaleNeverOversells(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")
	mustPurchase(t, svc, p.ID, 3, "1")

	_, err := svc.RecordSale(adminCtx(), saleOf(line(p.ID, 4, "2")))

	var stockErr *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, p.ID, stockErr.ProductID)
	assert.Equal(t, "Widget", stockErr.ProductName)
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 3, stockOf(t, svc, p.ID))
}

func TestMultiLineSaleIsAtomic(t *testing.T) {
	svc := newTestService(t)
	a := mustProduct(t, svc, "Alpha")
	b := mustProduct(t, svc, "Bravo")
	mustPurchase(t, svc, a.ID, 10, "1")
	mustPurchase(t, svc, b.ID, 1, "1")

	_, err := svc.RecordSale(adminCtx(), saleOf(line(a.ID, 5, "2"), line(b.ID, 2, "2")))
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)

	assert.Equal(t, 10, stockOf(t, svc, a.ID))
	assert.Equal(t, 1, stockOf(t, svc, b.ID))
	sales, err := svc.ListSales(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestRepeatedLinesAreAggregated(t *testing.T) {
	t.Run("rejected above stock", func(t *testing.T) {
		svc := newTestService(t)
		p := mustProduct(t, svc, "Widget")
		mustPurchase(t, svc, p.ID, 6, "1")

		_, err := svc.RecordSale(adminCtx(), saleOf(line(p.ID, 3, "2"), line(p.ID, 4, "2")))

		var stockErr *ledger.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, 7, stockErr.Requested)
		assert.Equal(t, 6, stockOf(t, svc, p.ID))
	})

	t.Run("accepted at stock", func(t *testing.T) {
		svc := newTestService(t)
		p := mustProduct(t, svc, "Widget")
		mustPurchase(t, svc, p.ID, 7, "1")

		sale, err := svc.RecordSale(adminCtx(), saleOf(line(p.ID, 3, "2"), line(p.ID, 4, "2")))
		require.NoError(t, err)
		assert.Len(t, sale.Lines, 2)
		assert.Equal(t, 0, stockOf(t, svc, p.ID))
	})
}

func TestCancelSaleRestoresStockOnce(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")
	mustPurchase(t, svc, p.ID, 10, "5")
	sale, err := svc.RecordSale(adminCtx(), saleOf(line(p.ID, 4, "9")))
	require.NoError(t, err)

	cancelled, err := svc.CancelSale(adminCtx(), sale.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 10, stockOf(t, svc, p.ID))

	_, err = svc.CancelSale(adminCtx(), sale.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyCancelled)
	assert.Equal(t, 10, stockOf(t, svc, p.ID))

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
	assert.True(t, stored.Profit.Equal(sale.Profit), "profit is historical")
}

func TestCancelUnknownSale(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CancelSale(adminCtx(), 404)
	assert.ErrorIs(t, err, ledger.ErrSaleNotFound)
}

func TestProfitSnapshotSurvivesLaterPurchases(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")
	mustPurchase(t, svc, p.ID, 10, "5")
	sale, err := svc.RecordSale(adminCtx(), saleOf(line(p.ID, 2, "8")))
	require.NoError(t, err)

	mustPurchase(t, svc, p.ID, 8, "20")

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.Lines[0].UnitCost.Equal(dec("5")))
	assert.True(t, stored.Profit.Equal(dec("6")))

	got, err := svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	// (8*5 + 8*20) / 16
	assert.True(t, got.AverageCost.Equal(dec("12.5")), "average %s", got.AverageCost)
}

func TestConcurrentSalesExceedingStock(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")
	mustPurchase(t, svc, p.ID, 10, "3")

	const buyers = 2
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.RecordSale(adminCtx(), domain.SaleRequest{
				Customer: fmt.Sprintf("buyer-%d", i),
				Lines:    []domain.SaleLineInput{line(p.ID, 6, "5")},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, short := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, short)
	assert.Equal(t, 4, stockOf(t, svc, p.ID))
}

func TestConcurrentSalesAcrossOverlappingProducts(t *testing.T) {
	svc := newTestService(t)
	a := mustProduct(t, svc, "Alpha")
	b := mustProduct(t, svc, "Bravo")
	mustPurchase(t, svc, a.ID, 100, "1")
	mustPurchase(t, svc, b.ID, 100, "1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// opposite line order must not deadlock
			req := saleOf(line(a.ID, 1, "2"), line(b.ID, 1, "2"))
			if i%2 == 1 {
				req = saleOf(line(b.ID, 1, "2"), line(a.ID, 1, "2"))
			}
			_, err := svc.RecordSale(adminCtx(), req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 80, stockOf(t, svc, a.ID))
	assert.Equal(t, 80, stockOf(t, svc, b.ID))
}

func TestUpdateProductKeepsLedgerState(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")
	mustPurchase(t, svc, p.ID, 4, "2.5")

	// warm the cache so the update has to invalidate it
	_, err := svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)

	name := "Gadget"
	updated, err := svc.UpdateProduct(adminCtx(), p.ID, domain.ProductUpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Gadget", updated.Name)
	assert.Equal(t, 4, updated.StockQuantity)

	got, err := svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gadget", got.Name)
	assert.True(t, got.AverageCost.Equal(dec("2.5")))
}

func TestDeleteProductInUse(t *testing.T) {
	svc := newTestService(t)
	used := mustProduct(t, svc, "Widget")
	unused := mustProduct(t, svc, "Gadget")
	mustPurchase(t, svc, used.ID, 1, "1")

	assert.ErrorIs(t, svc.DeleteProduct(adminCtx(), used.ID), ledger.ErrProductInUse)
	require.NoError(t, svc.DeleteProduct(adminCtx(), unused.ID))

	_, err := svc.GetProduct(context.Background(), unused.ID)
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)

	products, err := svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, used.ID, products[0].ID)
}

func TestListProductsReflectsCommittedStock(t *testing.T) {
	svc := newTestService(t)
	p := mustProduct(t, svc, "Widget")

	products, err := svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 0, products[0].StockQuantity)

	mustPurchase(t, svc, p.ID, 9, "1")

	products, err = svc.ListProducts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, products[0].StockQuantity)
}
