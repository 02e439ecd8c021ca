package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidLine       = errors.New("invalid order line")
	ErrInvalidProduct    = errors.New("invalid product")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyCancelled  = errors.New("sale already cancelled")
	ErrSaleNotFound      = errors.New("sale not found")
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrProductInUse      = errors.New("product referenced by purchases or sales")
)

// InsufficientStockError reports the first product of an order whose stock
// cannot cover the aggregated requested quantity.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %d, available %d",
		e.ProductID, e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Detail is the user-facing explanation of the shortfall.
func (e *InsufficientStockError) Detail() string {
	return fmt.Sprintf("trying to sell %d units of %s but only %d are available", e.Requested, e.ProductName, e.Available)
}

type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}
