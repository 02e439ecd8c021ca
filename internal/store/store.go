package store

import (
	"context"
	"errors"
	"fmt"

	"stockledger/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrStorage      = errors.New("storage failure")
)

// StorageError wraps a backend failure (lock timeout, deadlock victim,
// serialization failure, lost connection) against the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Tx is a unit of work. Products and sales read through it are held under an
// exclusive lock until the enclosing InTx call returns.
type Tx interface {
	// LockProducts locks the given products in ascending id order and returns
	// them keyed by id. A missing id fails with ledger.ProductNotFoundError.
	LockProducts(ctx context.Context, ids []int64) (map[int64]*domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) error
	InsertPurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// LockSale locks the sale row with its lines. A missing sale fails with
	// ledger.ErrSaleNotFound.
	LockSale(ctx context.Context, id int64) (*domain.Sale, error)
	MarkSaleCancelled(ctx context.Context, sale domain.Sale) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	UserStore

	// InTx runs fn in a single unit of work. It commits when fn returns nil
	// and rolls back otherwise; every lock taken inside is released either way.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	// DeleteProduct fails with ledger.ErrProductInUse while any purchase or
	// sale line references the product.
	DeleteProduct(ctx context.Context, id int64) error

	ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error)
	GetPurchase(ctx context.Context, id int64) (*domain.Purchase, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
}
