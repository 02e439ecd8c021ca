package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

// InTx runs fn at READ COMMITTED. Rows read through LockProducts and LockSale
// carry FOR UPDATE, so a writer blocked behind another order re-reads the
// committed row once the lock is granted.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storageError("begin", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := sqlTx.ExecContext(ctx, timeout); err != nil {
		return storageError("set lock timeout", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		if isLockFailure(err) {
			s.logger.Warn("unit of work lost a lock", zap.Error(err))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageError("commit", err)
	}
	return nil
}

func (t *pgTx) LockProducts(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	ids = ledger.SortedIDs(ids)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, storageError("lock products", err)
	}
	defer rows.Close()

	out := make(map[int64]*domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, storageError("lock products", err)
		}
		out[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("lock products", err)
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, &ledger.ProductNotFoundError{ProductID: id}
		}
	}
	return out, nil
}

func (t *pgTx) SaveProduct(ctx context.Context, product domain.Product) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2, average_cost = $3, updated_at = $4
		WHERE id = $1
	`, product.ID, product.StockQuantity, product.AverageCost, product.UpdatedAt)
	if err != nil {
		return storageError("save product", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("save product", err)
	}
	if affected == 0 {
		return &ledger.ProductNotFoundError{ProductID: product.ID}
	}
	return nil
}

func (t *pgTx) InsertPurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO purchases (supplier, total, created_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, purchase.Supplier, purchase.Total, purchase.CreatedAt).Scan(&purchase.ID, &purchase.CreatedAt)
	if err != nil {
		return nil, storageError("insert purchase", err)
	}
	purchase.CreatedAt = purchase.CreatedAt.UTC()

	lines := make([]domain.PurchaseLine, len(purchase.Lines))
	for i, line := range purchase.Lines {
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO purchase_lines (purchase_id, line_no, product_id, product_name, quantity, unit_cost, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, purchase.ID, i+1, line.ProductID, line.ProductName, line.Quantity, line.UnitCost, line.Subtotal).Scan(&line.ID)
		if err != nil {
			return nil, lineError("insert purchase line", err)
		}
		lines[i] = line
	}
	purchase.Lines = lines
	return &purchase, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sales (customer, total, profit, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, sale.Customer, sale.Total, sale.Profit, sale.CreatedAt).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return nil, storageError("insert sale", err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines := make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, product_id, product_name, quantity, unit_price, unit_cost, subtotal, line_profit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, sale.ID, i+1, line.ProductID, line.ProductName, line.Quantity,
			line.UnitPrice, line.UnitCost, line.Subtotal, line.LineProfit).Scan(&line.ID)
		if err != nil {
			return nil, lineError("insert sale line", err)
		}
		lines[i] = line
	}
	sale.Lines = lines
	return &sale, nil
}

func (t *pgTx) LockSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return getSale(ctx, t.tx, id, true)
}

func (t *pgTx) MarkSaleCancelled(ctx context.Context, sale domain.Sale) error {
	if sale.CancelledAt == nil {
		return fmt.Errorf("cancel sale %d without timestamp: %w", sale.ID, store.ErrInvalidInput)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET cancelled = true, cancelled_at = $2
		WHERE id = $1 AND cancelled = false
	`, sale.ID, *sale.CancelledAt)
	if err != nil {
		return storageError("cancel sale", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("cancel sale", err)
	}
	if affected == 0 {
		return ledger.ErrAlreadyCancelled
	}
	return nil
}

// lineError reports a line that points at a product deleted underneath the
// order as a missing product rather than a storage fault.
func lineError(op string, err error) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%s: %w", op, ledger.ErrProductNotFound)
	}
	return storageError(op, err)
}
