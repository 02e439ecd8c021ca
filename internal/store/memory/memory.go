package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	mu        sync.RWMutex
	products  map[int64]domain.Product
	purchases map[int64]domain.Purchase
	sales     map[int64]domain.Sale
	users     map[string]domain.UserAccount

	productSeq  int64
	purchaseSeq int64
	saleSeq     int64
	lineSeq     int64

	productLocks *keyedLocks
	saleLocks    *keyedLocks
	lockTimeout  time.Duration
	logger       *zap.Logger
}

// New returns an empty catalogue with the seeded admin and user accounts.
// lockTimeout bounds every wait for a product or sale lock; zero means the
// default of five seconds.
func New(logger *zap.Logger, lockTimeout time.Duration) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{
		products:     make(map[int64]domain.Product),
		purchases:    make(map[int64]domain.Purchase),
		sales:        make(map[int64]domain.Sale),
		users:        seedUsers(logger),
		productLocks: newKeyedLocks(),
		saleLocks:    newKeyedLocks(),
		lockTimeout:  lockTimeout,
		logger:       logger,
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD and fall back to fixed dev
// defaults with a warning. Postgres deployments provision users themselves.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	userPwd := envOr("SEED_USER_PASSWORD", "user12345")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_USER_PASSWORD") == "" {
		logger.Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"user", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, &ledger.ProductNotFoundError{ProductID: id}
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.productSeq++
	product.ID = s.productSeq
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	return &product, nil
}

// UpdateProduct changes name and sale price only. Stock and cost belong to the
// ledger and are never written here.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return nil, &ledger.ProductNotFoundError{ProductID: product.ID}
	}
	current.Name = product.Name
	current.SalePrice = product.SalePrice
	current.UpdatedAt = time.Now().UTC()
	s.products[current.ID] = current
	return &current, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.productLocks.acquire(lockCtx, id); err != nil {
		return &store.StorageError{Op: "lock product", Err: err}
	}
	defer s.productLocks.release(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return &ledger.ProductNotFoundError{ProductID: id}
	}
	if s.productReferencedLocked(id) {
		return ledger.ErrProductInUse
	}
	delete(s.products, id)
	return nil
}

func (s *Store) productReferencedLocked(id int64) bool {
	for _, p := range s.purchases {
		for _, line := range p.Lines {
			if line.ProductID == id {
				return true
			}
		}
	}
	for _, sale := range s.sales {
		for _, line := range sale.Lines {
			if line.ProductID == id {
				return true
			}
		}
	}
	return false
}

func (s *Store) ListPurchases(_ context.Context, limit int) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Purchase, 0, len(s.purchases))
	for _, p := range s.purchases {
		out = append(out, clonePurchase(p))
	}
	slices.SortFunc(out, func(a, b domain.Purchase) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return truncate(out, limit), nil
}

func (s *Store) GetPurchase(_ context.Context, id int64) (*domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, ledger.ErrPurchaseNotFound
	}
	p = clonePurchase(p)
	return &p, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		out = append(out, cloneSale(sale))
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return truncate(out, limit), nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, ledger.ErrSaleNotFound
	}
	sale = cloneSale(sale)
	return &sale, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.users[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func clonePurchase(src domain.Purchase) domain.Purchase {
	out := src
	out.Lines = slices.Clone(src.Lines)
	return out
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	out.Lines = slices.Clone(src.Lines)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		out.CancelledAt = &at
	}
	return out
}
