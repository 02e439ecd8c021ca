package ledger

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
)

// PurchaseProductIDs returns the distinct products of a purchase in ascending
// id order, which is also the lock acquisition order.
func PurchaseProductIDs(lines []domain.PurchaseLineInput) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return SortedIDs(ids)
}

// SaleProductIDs returns the distinct products of a sale in ascending id order.
func SaleProductIDs(lines []domain.SaleLineInput) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return SortedIDs(ids)
}

// SaleDemand sums the requested quantity per product across all lines.
func SaleDemand(lines []domain.SaleLineInput) map[int64]int {
	demand := make(map[int64]int, len(lines))
	for _, line := range lines {
		demand[line.ProductID] += line.Quantity
	}
	return demand
}

// CheckStock verifies that every product covers its aggregated demand. Products
// are checked in ascending id order so the reported shortfall is deterministic.
func CheckStock(products map[int64]*domain.Product, demand map[int64]int) error {
	ids := make([]int64, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return &ProductNotFoundError{ProductID: id}
		}
		if product.StockQuantity < demand[id] {
			return &InsufficientStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.StockQuantity,
				Requested:   demand[id],
			}
		}
	}
	return nil
}

// BuildPurchase applies every line to the locked products and returns the
// purchase to persist. Lines for the same product fold in request order.
func BuildPurchase(supplier string, lines []domain.PurchaseLineInput, products map[int64]*domain.Product, at time.Time) (domain.Purchase, error) {
	if len(lines) == 0 {
		return domain.Purchase{}, ErrInvalidOrder
	}

	purchase := domain.Purchase{
		Supplier:  supplier,
		Total:     decimal.Zero,
		CreatedAt: at,
		Lines:     make([]domain.PurchaseLine, 0, len(lines)),
	}
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return domain.Purchase{}, &ProductNotFoundError{ProductID: line.ProductID}
		}
		unitCost := money(line.UnitCost)
		if err := ApplyPurchase(product, line.Quantity, unitCost); err != nil {
			return domain.Purchase{}, fmt.Errorf("product %d: %w", line.ProductID, err)
		}
		subtotal := money(unitCost.Mul(decimal.NewFromInt(int64(line.Quantity))))
		purchase.Lines = append(purchase.Lines, domain.PurchaseLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitCost:    unitCost,
			Subtotal:    subtotal,
		})
		purchase.Total = purchase.Total.Add(subtotal)
		product.UpdatedAt = at
	}
	return purchase, nil
}

// BuildSale checks the aggregated demand against the locked products, then
// applies each original line, snapshotting the average cost per line. The
// products are left untouched when any check fails.
func BuildSale(customer string, lines []domain.SaleLineInput, products map[int64]*domain.Product, at time.Time) (domain.Sale, error) {
	if len(lines) == 0 {
		return domain.Sale{}, ErrInvalidOrder
	}
	for _, line := range lines {
		if line.Quantity < 1 || !line.UnitPrice.IsPositive() {
			return domain.Sale{}, fmt.Errorf("product %d: %w", line.ProductID, ErrInvalidLine)
		}
	}
	if err := CheckStock(products, SaleDemand(lines)); err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		Customer:  customer,
		Total:     decimal.Zero,
		Profit:    decimal.Zero,
		CreatedAt: at,
		Lines:     make([]domain.SaleLine, 0, len(lines)),
	}
	for _, line := range lines {
		product := products[line.ProductID]
		unitCost, err := ApplySale(product, line.Quantity)
		if err != nil {
			return domain.Sale{}, err
		}
		unitPrice := money(line.UnitPrice)
		qty := decimal.NewFromInt(int64(line.Quantity))
		subtotal := money(unitPrice.Mul(qty))
		profit := money(unitPrice.Sub(unitCost).Mul(qty))

		sale.Lines = append(sale.Lines, domain.SaleLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   unitPrice,
			UnitCost:    unitCost,
			Subtotal:    subtotal,
			LineProfit:  profit,
		})
		sale.Total = sale.Total.Add(subtotal)
		sale.Profit = sale.Profit.Add(profit)
		product.UpdatedAt = at
	}
	return sale, nil
}

// ReverseSale restores the stock of every line of a committed sale and marks
// it cancelled. A sale that is already cancelled is left as is.
func ReverseSale(sale *domain.Sale, products map[int64]*domain.Product, at time.Time) error {
	if sale.Cancelled {
		return ErrAlreadyCancelled
	}
	for _, line := range sale.Lines {
		if _, ok := products[line.ProductID]; !ok {
			return &ProductNotFoundError{ProductID: line.ProductID}
		}
	}
	for _, line := range sale.Lines {
		product := products[line.ProductID]
		ApplyStockReversal(product, line.Quantity)
		product.UpdatedAt = at
	}
	sale.Cancelled = true
	sale.CancelledAt = &at
	return nil
}

// SaleLineProductIDs returns the distinct products of a committed sale in
// ascending id order.
func SaleLineProductIDs(lines []domain.SaleLine) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return SortedIDs(ids)
}

// SortedIDs returns the distinct ids in ascending order without touching the
// input.
func SortedIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
