package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

const (
	defaultCacheTTL = 30 * time.Second
	minProductName  = 3
)

var minSalePrice = decimal.New(1, -domain.MoneyScale)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Option func(*Service)

// WithCacheTTL sets how long product reads stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithClock replaces the time source used for created_at and cancelled_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	repo     store.Repository
	cache    cache.ProductCache
	cacheTTL time.Duration
	reads    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo store.Repository, productCache cache.ProductCache, logger *zap.Logger, opts ...Option) *Service {
	if productCache == nil {
		productCache = cache.NoopProductCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		cache:    productCache,
		cacheTTL: defaultCacheTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordPurchase folds every line into its product's stock and average cost
// and stores the purchase, all in one unit of work.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (*domain.Purchase, error) {
	req.Supplier = strings.TrimSpace(req.Supplier)
	if err := validatePurchase(req); err != nil {
		s.logger.Warn("purchase rejected", zap.Error(err))
		return nil, err
	}

	ids := ledger.PurchaseProductIDs(req.Lines)
	var created *domain.Purchase
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		purchase, err := ledger.BuildPurchase(req.Supplier, req.Lines, products, s.now())
		if err != nil {
			return err
		}
		if err := saveProducts(ctx, tx, ids, products); err != nil {
			return err
		}
		created, err = tx.InsertPurchase(ctx, purchase)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "record purchase", err)
		return nil, err
	}

	s.invalidate(ctx, ids)
	s.logger.Info("purchase recorded",
		zap.Int64("purchase_id", created.ID),
		zap.String("supplier", created.Supplier),
		zap.Int("lines", len(created.Lines)),
		zap.String("total", created.Total.StringFixed(domain.MoneyScale)),
		actorField(ctx),
	)
	return created, nil
}

// RecordSale sells every line or none. Demand is aggregated per product and
// checked under lock before any stock moves.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, error) {
	req.Customer = strings.TrimSpace(req.Customer)
	if err := validateSale(req); err != nil {
		s.logger.Warn("sale rejected", zap.Error(err))
		return nil, err
	}

	ids := ledger.SaleProductIDs(req.Lines)
	var created *domain.Sale
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		sale, err := ledger.BuildSale(req.Customer, req.Lines, products, s.now())
		if err != nil {
			return err
		}
		if err := saveProducts(ctx, tx, ids, products); err != nil {
			return err
		}
		created, err = tx.InsertSale(ctx, sale)
		return err
	})
	if err != nil {
		s.logFailure(ctx, "record sale", err)
		return nil, err
	}

	s.invalidate(ctx, ids)
	s.logger.Info("sale recorded",
		zap.Int64("sale_id", created.ID),
		zap.String("customer", created.Customer),
		zap.Int("lines", len(created.Lines)),
		zap.String("total", created.Total.StringFixed(domain.MoneyScale)),
		zap.String("profit", created.Profit.StringFixed(domain.MoneyScale)),
		actorField(ctx),
	)
	return created, nil
}

// CancelSale returns the stock of a committed sale and flags it cancelled.
// The sale row is locked before its products.
func (s *Service) CancelSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	if saleID < 1 {
		return nil, ledger.ErrSaleNotFound
	}

	var cancelled *domain.Sale
	var ids []int64
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Cancelled {
			return ledger.ErrAlreadyCancelled
		}

		ids = ledger.SaleLineProductIDs(sale.Lines)
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		if err := ledger.ReverseSale(sale, products, s.now()); err != nil {
			return err
		}
		if err := saveProducts(ctx, tx, ids, products); err != nil {
			return err
		}
		if err := tx.MarkSaleCancelled(ctx, *sale); err != nil {
			return err
		}
		cancelled = sale
		return nil
	})
	if err != nil {
		s.logFailure(ctx, "cancel sale", err, zap.Int64("sale_id", saleID))
		return nil, err
	}

	s.invalidate(ctx, ids)
	s.logger.Info("sale cancelled", zap.Int64("sale_id", cancelled.ID), actorField(ctx))
	return cancelled, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if products, ok, err := s.cache.GetProducts(ctx); err != nil {
		s.logger.Warn("product cache read failed", zap.Error(err))
	} else if ok {
		return products, nil
	}

	v, err, _ := s.reads.Do("products", func() (any, error) {
		products, err := s.repo.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetProducts(ctx, products, s.cacheTTL); err != nil {
			s.logger.Warn("product cache write failed", zap.Error(err))
		}
		return products, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Product), nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if id < 1 {
		return nil, &ledger.ProductNotFoundError{ProductID: id}
	}
	if p, ok, err := s.cache.GetProduct(ctx, id); err != nil {
		s.logger.Warn("product cache read failed", zap.Int64("product_id", id), zap.Error(err))
	} else if ok {
		return p, nil
	}

	v, err, _ := s.reads.Do("product:"+strconv.FormatInt(id, 10), func() (any, error) {
		p, err := s.repo.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetProduct(ctx, *p, s.cacheTTL); err != nil {
			s.logger.Warn("product cache write failed", zap.Int64("product_id", id), zap.Error(err))
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*domain.Product)
	return &p, nil
}

// CreateProduct registers a product with no stock and a zero average cost.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	name := strings.TrimSpace(req.Name)
	if err := validateProduct(name, req.SalePrice); err != nil {
		return nil, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:        name,
		SalePrice:   req.SalePrice.Round(domain.MoneyScale),
		AverageCost: decimal.Zero,
	})
	if err != nil {
		s.logFailure(ctx, "create product", err)
		return nil, err
	}

	s.invalidate(ctx, nil)
	s.logger.Info("product created", zap.Int64("product_id", created.ID), zap.String("name", created.Name), actorField(ctx))
	return created, nil
}

// UpdateProduct edits the name and sale price. Stock and cost only move
// through purchases, sales and cancellations.
func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		existing.Name = strings.TrimSpace(*req.Name)
	}
	if req.SalePrice != nil {
		existing.SalePrice = req.SalePrice.Round(domain.MoneyScale)
	}
	if err := validateProduct(existing.Name, existing.SalePrice); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateProduct(ctx, *existing)
	if err != nil {
		s.logFailure(ctx, "update product", err, zap.Int64("product_id", id))
		return nil, err
	}

	s.invalidate(ctx, []int64{id})
	s.logger.Info("product updated", zap.Int64("product_id", id), actorField(ctx))
	return updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		s.logFailure(ctx, "delete product", err, zap.Int64("product_id", id))
		return err
	}
	s.invalidate(ctx, []int64{id})
	s.logger.Info("product deleted", zap.Int64("product_id", id), actorField(ctx))
	return nil
}

func (s *Service) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, limit)
}

func (s *Service) GetPurchase(ctx context.Context, id int64) (*domain.Purchase, error) {
	if id < 1 {
		return nil, ledger.ErrPurchaseNotFound
	}
	return s.repo.GetPurchase(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	if id < 1 {
		return nil, ledger.ErrSaleNotFound
	}
	return s.repo.GetSale(ctx, id)
}

func saveProducts(ctx context.Context, tx store.Tx, ids []int64, products map[int64]*domain.Product) error {
	for _, id := range ids {
		if err := tx.SaveProduct(ctx, *products[id]); err != nil {
			return err
		}
	}
	return nil
}

// invalidate runs after commit. A failure leaves stale reads until the ttl
// expires and is only logged.
func (s *Service) invalidate(ctx context.Context, ids []int64) {
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.logger.Warn("product cache invalidation failed", zap.Int64s("product_ids", ids), zap.Error(err))
	}
}

func (s *Service) logFailure(ctx context.Context, op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Error(err), actorField(ctx))
	if errors.Is(err, store.ErrStorage) {
		s.logger.Error("storage failure", fields...)
		return
	}
	s.logger.Warn("operation rejected", fields...)
}

func actorField(ctx context.Context) zap.Field {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return zap.Skip()
	}
	return zap.String("actor", actor.Username)
}

func validatePurchase(req domain.PurchaseRequest) error {
	if req.Supplier == "" {
		return fmt.Errorf("%w: supplier is required", ledger.ErrInvalidOrder)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ledger.ErrInvalidOrder)
	}
	for i, line := range req.Lines {
		if line.ProductID < 1 || line.Quantity < 1 || !line.UnitCost.IsPositive() {
			return fmt.Errorf("%w: line %d: %w", ledger.ErrInvalidOrder, i+1, ledger.ErrInvalidLine)
		}
	}
	return nil
}

func validateSale(req domain.SaleRequest) error {
	if req.Customer == "" {
		return fmt.Errorf("%w: customer is required", ledger.ErrInvalidOrder)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ledger.ErrInvalidOrder)
	}
	for i, line := range req.Lines {
		if line.ProductID < 1 || line.Quantity < 1 || !line.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: line %d: %w", ledger.ErrInvalidOrder, i+1, ledger.ErrInvalidLine)
		}
	}
	return nil
}

func validateProduct(name string, salePrice decimal.Decimal) error {
	if utf8.RuneCountInString(name) < minProductName {
		return fmt.Errorf("%w: name needs at least %d characters", ledger.ErrInvalidProduct, minProductName)
	}
	if salePrice.LessThan(minSalePrice) {
		return fmt.Errorf("%w: sale price must be at least %s", ledger.ErrInvalidProduct, minSalePrice.StringFixed(domain.MoneyScale))
	}
	return nil
}
