package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLockTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *zap.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx so line loading can run
// inside or outside a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, lockTimeout: lockTimeout, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("schema applied")
	return nil
}

const productColumns = `id, name, sale_price, average_cost, stock_quantity, created_at, updated_at`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.SalePrice, &p.AverageCost, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, storageError("list products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, storageError("list products", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list products", err)
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, storageError("get product", err)
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, sale_price, average_cost, stock_quantity)
		VALUES ($1, $2, $3, $4)
		RETURNING `+productColumns,
		product.Name, product.SalePrice, product.AverageCost, product.StockQuantity))
	if err != nil {
		return nil, storageError("create product", err)
	}
	return &p, nil
}

// UpdateProduct changes name and sale price only. Stock and cost are written
// by the ledger through a unit of work.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, sale_price = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.SalePrice))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.ProductNotFoundError{ProductID: product.ID}
	}
	if err != nil {
		return nil, storageError("update product", err)
	}
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ledger.ErrProductInUse
		}
		return storageError("delete product", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("delete product", err)
	}
	if affected == 0 {
		return &ledger.ProductNotFoundError{ProductID: id}
	}
	return nil
}

func (s *Store) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supplier, total, created_at
		FROM purchases
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, storageError("list purchases", err)
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, 32)
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.Supplier, &p.Total, &p.CreatedAt); err != nil {
			return nil, storageError("list purchases", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list purchases", err)
	}
	_ = rows.Close()

	if err := loadPurchaseLines(ctx, s.db, purchases); err != nil {
		return nil, err
	}
	return purchases, nil
}

func (s *Store) GetPurchase(ctx context.Context, id int64) (*domain.Purchase, error) {
	var p domain.Purchase
	err := s.db.QueryRowContext(ctx, `
		SELECT id, supplier, total, created_at
		FROM purchases
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Supplier, &p.Total, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, storageError("get purchase", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()

	purchases := []domain.Purchase{p}
	if err := loadPurchaseLines(ctx, s.db, purchases); err != nil {
		return nil, err
	}
	return &purchases[0], nil
}

const saleColumns = `id, customer, total, profit, cancelled, cancelled_at, created_at`

func scanSale(row interface{ Scan(dest ...any) error }) (domain.Sale, error) {
	var sale domain.Sale
	var cancelledAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.Customer, &sale.Total, &sale.Profit, &sale.Cancelled, &cancelledAt, &sale.CreatedAt)
	sale.CreatedAt = sale.CreatedAt.UTC()
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	return sale, err
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, storageError("list sales", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, storageError("list sales", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list sales", err)
	}
	_ = rows.Close()

	if err := loadSaleLines(ctx, s.db, sales); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return getSale(ctx, s.db, id, false)
}

func getSale(ctx context.Context, q querier, id int64, forUpdate bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	op := "get sale"
	if forUpdate {
		query += ` FOR UPDATE`
		op = "lock sale"
	}
	sale, err := scanSale(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrSaleNotFound
	}
	if err != nil {
		return nil, storageError(op, err)
	}

	sales := []domain.Sale{sale}
	if err := loadSaleLines(ctx, q, sales); err != nil {
		return nil, err
	}
	return &sales[0], nil
}

func loadPurchaseLines(ctx context.Context, q querier, purchases []domain.Purchase) error {
	if len(purchases) == 0 {
		return nil
	}
	index := make(map[int64]int, len(purchases))
	ids := make([]int64, 0, len(purchases))
	for i, p := range purchases {
		index[p.ID] = i
		ids = append(ids, p.ID)
		purchases[i].Lines = make([]domain.PurchaseLine, 0, 4)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_id, product_id, product_name, quantity, unit_cost, subtotal
		FROM purchase_lines
		WHERE purchase_id = ANY($1)
		ORDER BY purchase_id, line_no
	`, ids)
	if err != nil {
		return storageError("load purchase lines", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.PurchaseLine
		var purchaseID int64
		if err := rows.Scan(&line.ID, &purchaseID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitCost, &line.Subtotal); err != nil {
			return storageError("load purchase lines", err)
		}
		i := index[purchaseID]
		purchases[i].Lines = append(purchases[i].Lines, line)
	}
	if err := rows.Err(); err != nil {
		return storageError("load purchase lines", err)
	}
	return nil
}

func loadSaleLines(ctx context.Context, q querier, sales []domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	index := make(map[int64]int, len(sales))
	ids := make([]int64, 0, len(sales))
	for i, sale := range sales {
		index[sale.ID] = i
		ids = append(ids, sale.ID)
		sales[i].Lines = make([]domain.SaleLine, 0, 4)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price, unit_cost, subtotal, line_profit
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return storageError("load sale lines", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleLine
		var saleID int64
		if err := rows.Scan(&line.ID, &saleID, &line.ProductID, &line.ProductName, &line.Quantity,
			&line.UnitPrice, &line.UnitCost, &line.Subtotal, &line.LineProfit); err != nil {
			return storageError("load sale lines", err)
		}
		i := index[saleID]
		sales[i].Lines = append(sales[i].Lines, line)
	}
	if err := rows.Err(); err != nil {
		return storageError("load sale lines", err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return storageError("create user", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, storageError("list users", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, storageError("list users", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list users", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return storageError("update user password", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("update user password", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// storageError tags a database failure with the operation it interrupted.
// Context errors and postgres lock, deadlock and serialization failures all
// surface the same way to the service.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &store.StorageError{Op: op, Err: err}
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == "23503"
}

// isLockFailure reports deadlock victims, serialization failures, lock
// timeouts and statement cancellation.
func isLockFailure(err error) bool {
	switch pgCode(err) {
	case "40P01", "40001", "55P03", "57014":
		return true
	}
	return false
}

func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}
