package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MoneyScale is the number of decimal places kept for prices, subtotals,
	// totals and profit.
	MoneyScale int32 = 2
	// CostScale is the number of decimal places kept for average cost and the
	// unit cost snapshot on sale lines.
	CostScale int32 = 4
)

type Product struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name      string          `json:"name" binding:"required,min=3"`
	SalePrice decimal.Decimal `json:"sale_price"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty" binding:"omitempty,min=3"`
	SalePrice *decimal.Decimal `json:"sale_price,omitempty"`
}

type PurchaseLineInput struct {
	ProductID int64           `json:"product_id" binding:"required,gt=0"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type PurchaseRequest struct {
	Supplier string              `json:"supplier" binding:"required"`
	Lines    []PurchaseLineInput `json:"lines" binding:"required,min=1,dive"`
}

type PurchaseLine struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type Purchase struct {
	ID        int64           `json:"id"`
	Supplier  string          `json:"supplier"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
	Lines     []PurchaseLine  `json:"lines"`
}

type SaleLineInput struct {
	ProductID int64           `json:"product_id" binding:"required,gt=0"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleRequest struct {
	Customer string          `json:"customer" binding:"required"`
	Lines    []SaleLineInput `json:"lines" binding:"required,min=1,dive"`
}

type SaleLine struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	LineProfit  decimal.Decimal `json:"line_profit"`
}

type Sale struct {
	ID          int64           `json:"id"`
	Customer    string          `json:"customer"`
	Total       decimal.Decimal `json:"total"`
	Profit      decimal.Decimal `json:"profit"`
	Cancelled   bool            `json:"cancelled"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Lines       []SaleLine      `json:"lines"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)
