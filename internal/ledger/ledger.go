// Package ledger holds the stock and weighted-average cost rules for products
// and the aggregation of multi-line orders on top of them. Functions here
// mutate loaded domain values only; persistence and locking belong to the
// store's unit of work.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
)

// WeightedAverageCost folds an incoming quantity at unitCost into the current
// average. When the resulting stock is not positive the current cost is kept.
func WeightedAverageCost(stock int, averageCost decimal.Decimal, qty int, unitCost decimal.Decimal) decimal.Decimal {
	total := stock + qty
	if total <= 0 {
		return averageCost
	}
	value := decimal.NewFromInt(int64(stock)).Mul(averageCost).
		Add(decimal.NewFromInt(int64(qty)).Mul(unitCost))
	return value.DivRound(decimal.NewFromInt(int64(total)), domain.CostScale)
}

// ApplyPurchase adds qty units bought at unitCost to the product and
// recomputes its average cost.
func ApplyPurchase(product *domain.Product, qty int, unitCost decimal.Decimal) error {
	if qty < 1 || !unitCost.IsPositive() {
		return fmt.Errorf("%w: quantity %d unit cost %s", ErrInvalidLine, qty, unitCost)
	}
	product.AverageCost = WeightedAverageCost(product.StockQuantity, product.AverageCost, qty, unitCost)
	product.StockQuantity += qty
	return nil
}

// ApplySale removes qty units from the product and returns the average cost
// at the moment of the sale. Callers must hold the product lock so the check
// and the decrement observe the same stock.
func ApplySale(product *domain.Product, qty int) (decimal.Decimal, error) {
	if qty < 1 {
		return decimal.Zero, fmt.Errorf("%w: quantity %d", ErrInvalidLine, qty)
	}
	if product.StockQuantity < qty {
		return decimal.Zero, &InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Available:   product.StockQuantity,
			Requested:   qty,
		}
	}
	product.StockQuantity -= qty
	return product.AverageCost, nil
}

// ApplyStockReversal puts qty units back without touching the average cost.
func ApplyStockReversal(product *domain.Product, qty int) {
	if qty < 1 {
		return
	}
	product.StockQuantity += qty
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(domain.MoneyScale)
}
