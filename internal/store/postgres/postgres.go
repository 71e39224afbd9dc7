package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/store"
	"pdvcaixa/backend/internal/xid"
)

const (
	defaultSearchLimit = 50

	uqOpenSession       = "uq_cash_sessions_open_terminal"
	uqActiveOrderSale   = "uq_sales_active_service_order"
	uqUsersPrimaryKey   = "users_pkey"
	saleColumns         = `id, number, status, customer_id, customer_name, subtotal, item_discounts, sale_discount, total, paid_total, origin, COALESCE(service_order_id, ''), operator_id, cash_session_id, cancel_reason, created_at, updated_at, finalized_at, canceled_at`
	sessionColumns      = `id, terminal_id, operator_id, opening_amount, status, closing_amount, expected_amount, divergence, justification, opened_at, closed_at`
	itemColumns         = `id, sale_id, product_id, barcode, code, description, quantity, unit_price, discount, stock_tracked`
	paymentColumns      = `id, sale_id, tender, amount, change_amount, installments, interest_rate, status, created_at, confirmed_at, voided_at`
	productColumns      = `id, code, barcode, description, reference, unit_price, on_hand, stock_tracked`
	confirmedPaidSubsel = `(SELECT COALESCE(SUM(amount - change_amount), 0) FROM payments WHERE sale_id = sales.id AND status = 'confirmed')`
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
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

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindProducts(ctx context.Context, term string, field domain.SearchField, limit int) ([]domain.Product, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	term = strings.TrimSpace(term)
	lowered := escapeLike(strings.ToLower(term))

	var where string
	args := []any{limit}
	switch {
	case term == "":
		where = `TRUE`
	case field == domain.SearchByCode:
		where, args = `lower(code) LIKE $2`, append(args, lowered+"%")
	case field == domain.SearchByBarcode:
		where, args = `barcode = $2`, append(args, term)
	case field == domain.SearchByDescription:
		where, args = `lower(description) LIKE $2`, append(args, "%"+lowered+"%")
	case field == domain.SearchByReference:
		where, args = `lower(reference) LIKE $2`, append(args, "%"+lowered+"%")
	default:
		where = `(lower(code) LIKE $2 OR barcode = $3 OR lower(description) LIKE $4 OR lower(reference) LIKE $4)`
		args = append(args, lowered+"%", term, "%"+lowered+"%")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE `+where+`
		ORDER BY description
		LIMIT $1
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 16)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetServiceOrder(ctx context.Context, id string) (*domain.ServiceOrder, error) {
	var order domain.ServiceOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, customer_id, customer_name, status, billed_sale_id
		FROM service_orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.Number, &order.CustomerID, &order.CustomerName, &order.Status, &order.BilledSaleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) ListUnbilledLines(ctx context.Context, orderID string) ([]domain.ServiceOrderLine, error) {
	if _, err := s.GetServiceOrder(ctx, orderID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, description, quantity, unit_price, discount
		FROM service_order_lines
		WHERE order_id = $1
		ORDER BY position, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.ServiceOrderLine, 0, 8)
	for rows.Next() {
		var l domain.ServiceOrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Description, &l.Quantity, &l.UnitPrice, &l.Discount); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) MarkServiceOrderBilled(ctx context.Context, orderID string, saleID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE service_orders SET billed_sale_id = $2 WHERE id = $1`, orderID, saleID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) MarkServiceOrderInvoiced(ctx context.Context, orderID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_orders SET status = $2, invoiced_at = $3 WHERE id = $1
	`, orderID, domain.ServiceOrderInvoiced, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR SHARE`, sale.CashSessionID).Scan(&sessionStatus)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && sessionStatus != string(domain.CashSessionOpen)) {
		return nil, store.ErrSessionNotOpen
	}
	if err != nil {
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.UpdatedAt = sale.CreatedAt
	sale.Status = domain.SaleStatusDraft
	sale.PaidTotal = decimal.Zero

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (
			id, status, customer_id, customer_name, subtotal, item_discounts, sale_discount, total,
			paid_total, origin, service_order_id, operator_id, cash_session_id, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,NULLIF($10, ''),$11,$12,$13,$13)
		RETURNING number
	`, sale.ID, sale.Status, sale.CustomerID, sale.CustomerName, sale.Subtotal, sale.ItemDiscounts, sale.SaleDiscount, sale.Total,
		sale.Origin, sale.ServiceOrderID, sale.OperatorID, sale.CashSessionID, sale.CreatedAt).Scan(&sale.Number)
	if err != nil {
		if isUniqueViolation(err, uqActiveOrderSale) {
			return nil, store.ErrAlreadyImported
		}
		return nil, err
	}

	for i := range sale.Items {
		item := sale.Items[i]
		item.ID = xid.New("item")
		item.SaleID = sale.ID
		if err := insertItem(ctx, tx, item); err != nil {
			return nil, err
		}
		sale.Items[i] = item
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if sale.Items == nil {
		sale.Items = []domain.SaleItem{}
	}
	sale.Payments = []domain.Payment{}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.loadSale(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) FindActiveSaleByServiceOrder(ctx context.Context, orderID string) (*domain.Sale, error) {
	return s.loadSale(ctx, s.db, `WHERE service_order_id = $1 AND status <> 'canceled'`, orderID)
}

func (s *Store) loadSale(ctx context.Context, q queryer, where string, arg any) (*domain.Sale, error) {
	row := q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales `+where, arg)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := listItems(ctx, q, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	rows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE sale_id = $1 ORDER BY created_at, id`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sale.Payments = make([]domain.Payment, 0, 4)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		sale.Payments = append(sale.Payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return listItems(ctx, s.db, saleID)
}

func listItems(ctx context.Context, q queryer, saleID string) ([]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id = $1 ORDER BY created_at, id`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var it domain.SaleItem
		if err := rows.Scan(&it.ID, &it.SaleID, &it.ProductID, &it.Barcode, &it.Code, &it.Description, &it.Quantity, &it.UnitPrice, &it.Discount, &it.StockTracked); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// withDraft runs fn in a transaction that holds the row lock of a draft
// sale, so a concurrent finalize waits for it and then sees its writes.
func (s *Store) withDraft(ctx context.Context, saleID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != string(domain.SaleStatusDraft) {
		return store.ErrSaleNotDraft
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	item.ID = xid.New("item")
	err := s.withDraft(ctx, item.SaleID, func(tx *sql.Tx) error {
		if err := insertItem(ctx, tx, item); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sales SET updated_at = now() WHERE id = $1`, item.SaleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, item domain.SaleItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sale_items (id, sale_id, product_id, barcode, code, description, quantity, unit_price, discount, stock_tracked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, item.ID, item.SaleID, item.ProductID, item.Barcode, item.Code, item.Description, item.Quantity, item.UnitPrice, item.Discount, item.StockTracked)
	return err
}

func (s *Store) UpdateSaleItem(ctx context.Context, item domain.SaleItem) error {
	return s.withDraft(ctx, item.SaleID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sale_items
			SET product_id = $3, barcode = $4, code = $5, description = $6,
				quantity = $7, unit_price = $8, discount = $9, stock_tracked = $10
			WHERE id = $1 AND sale_id = $2
		`, item.ID, item.SaleID, item.ProductID, item.Barcode, item.Code, item.Description, item.Quantity, item.UnitPrice, item.Discount, item.StockTracked)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
}

func (s *Store) DeleteSaleItem(ctx context.Context, saleID string, itemID string) error {
	return s.withDraft(ctx, saleID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE id = $1 AND sale_id = $2`, itemID, saleID)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
}

func (s *Store) UpdateSaleTotals(ctx context.Context, saleID string, totals domain.Totals, at time.Time) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET subtotal = $2, item_discounts = $3, sale_discount = $4, total = $5, updated_at = $6
		WHERE id = $1 AND status = 'draft'
	`, saleID, totals.Subtotal, totals.ItemDiscounts, totals.SaleDiscount, totals.Total, at)
	if err != nil {
		return nil, err
	}
	if err := s.classifyDraftMiss(ctx, saleID, res); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.Status = domain.PaymentStatusPending

	err := s.withDraft(ctx, payment.SaleID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, sale_id, tender, amount, change_amount, installments, interest_rate, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, payment.ID, payment.SaleID, payment.Tender, payment.Amount, payment.Change, payment.Installments, payment.InterestRate, payment.Status, payment.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Store) ConfirmPayment(ctx context.Context, saleID string, paymentID string, at time.Time) (*domain.Payment, error) {
	return s.transitionPayment(ctx, saleID, paymentID, `
		UPDATE payments SET status = 'confirmed', confirmed_at = $3
		WHERE id = $1 AND sale_id = $2 AND status = 'pending'
	`, at)
}

func (s *Store) VoidPayment(ctx context.Context, saleID string, paymentID string, at time.Time) (*domain.Payment, error) {
	return s.transitionPayment(ctx, saleID, paymentID, `
		UPDATE payments SET status = 'voided', voided_at = $3
		WHERE id = $1 AND sale_id = $2 AND status <> 'voided'
	`, at)
}

func (s *Store) transitionPayment(ctx context.Context, saleID string, paymentID string, query string, at time.Time) (*domain.Payment, error) {
	var payment domain.Payment
	err := s.withDraft(ctx, saleID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, paymentID, saleID, at)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1 AND sale_id = $2)`, paymentID, saleID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return store.ErrNotFound
			}
			return store.ErrPaymentNotPending
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sales SET paid_total = `+confirmedPaidSubsel+`, updated_at = $2 WHERE id = $1`, saleID, at); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID)
		payment, err = scanPayment(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Store) FinalizeSale(ctx context.Context, saleID string, at time.Time) (store.FinalizeResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return store.FinalizeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionID string
	err = tx.QueryRowContext(ctx, `SELECT cash_session_id FROM sales WHERE id = $1`, saleID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.FinalizeResult{}, store.ErrNotFound
		}
		return store.FinalizeResult{}, err
	}
	// Serializes with CloseCashSession, which recomputes the session totals
	// under FOR UPDATE.
	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM cash_sessions WHERE id = $1 FOR SHARE`, sessionID); err != nil {
		return store.FinalizeResult{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET status = 'finalized', finalized_at = $2, updated_at = $2, paid_total = `+confirmedPaidSubsel+`
		WHERE id = $1 AND status = 'draft'
	`, saleID, at)
	if err != nil {
		return store.FinalizeResult{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		sale, err := s.GetSale(ctx, saleID)
		if err != nil {
			return store.FinalizeResult{}, err
		}
		return store.FinalizeResult{Finalized: false, Sale: sale}, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, SUM(quantity)
		FROM sale_items
		WHERE sale_id = $1 AND stock_tracked AND product_id <> ''
		GROUP BY product_id
		ORDER BY product_id
	`, saleID)
	if err != nil {
		return store.FinalizeResult{}, err
	}
	demand := make([]domain.StockAdjustment, 0, 8)
	for rows.Next() {
		var adj domain.StockAdjustment
		if err := rows.Scan(&adj.ProductID, &adj.Quantity); err != nil {
			_ = rows.Close()
			return store.FinalizeResult{}, err
		}
		demand = append(demand, adj)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return store.FinalizeResult{}, err
	}
	_ = rows.Close()

	var shortfalls []domain.StockAdjustment
	for _, adj := range demand {
		var onHand decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT on_hand FROM products WHERE id = $1 FOR UPDATE`, adj.ProductID).Scan(&onHand)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return store.FinalizeResult{}, err
		}
		if missing := adj.Quantity.Sub(onHand); missing.IsPositive() {
			shortfalls = append(shortfalls, domain.StockAdjustment{ProductID: adj.ProductID, Quantity: missing})
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE products SET on_hand = GREATEST(on_hand - $2, 0), updated_at = now() WHERE id = $1
		`, adj.ProductID, adj.Quantity)
		if err != nil {
			return store.FinalizeResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return store.FinalizeResult{}, err
	}
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return store.FinalizeResult{}, err
	}
	return store.FinalizeResult{Finalized: true, Sale: sale, Shortfalls: shortfalls}, nil
}

func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales SET status = 'canceled', cancel_reason = $2, canceled_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'draft'
	`, saleID, reason, at)
	if err != nil {
		return nil, err
	}
	if err := s.classifyDraftMiss(ctx, saleID, res); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

func (s *Store) VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, saleID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != string(domain.SaleStatusFinalized) {
		return nil, store.ErrSaleNotFinalized
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET status = 'canceled', cancel_reason = $2, canceled_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'finalized'
	`, saleID, reason, at)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE products p
		SET on_hand = p.on_hand + restock.qty, updated_at = now()
		FROM (
			SELECT product_id, SUM(quantity) AS qty
			FROM sale_items
			WHERE sale_id = $1 AND stock_tracked AND product_id <> ''
			GROUP BY product_id
		) AS restock
		WHERE p.id = restock.product_id
	`, saleID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

// classifyDraftMiss turns a zero-row conditional update into ErrNotFound or
// ErrSaleNotDraft.
func (s *Store) classifyDraftMiss(ctx context.Context, saleID string, res sql.Result) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrSaleNotDraft
}

func (s *Store) OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, terminal_id, operator_id, opening_amount, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, session.ID, session.TerminalID, session.OperatorID, session.OpeningAmount, session.Status, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err, uqOpenSession) {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	return s.loadSession(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) GetOpenCashSession(ctx context.Context, terminalID string) (*domain.CashSession, error) {
	return s.loadSession(ctx, s.db, `WHERE terminal_id = $1 AND status = 'open'`, terminalID)
}

func (s *Store) loadSession(ctx context.Context, q queryer, where string, arg any) (*domain.CashSession, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions `+where, arg)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, type, amount, reason, operator_id, created_at)
		SELECT $1,$2,$3,$4,$5,$6,$7
		WHERE EXISTS (SELECT 1 FROM cash_sessions WHERE id = $2 AND status = 'open')
	`, movement.ID, movement.SessionID, movement.Type, movement.Amount, movement.Reason, movement.OperatorID, movement.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetCashSession(ctx, movement.SessionID); err != nil {
			return nil, err
		}
		return nil, store.ErrSessionNotOpen
	}
	return &movement, nil
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	if _, err := s.GetCashSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, amount, reason, operator_id, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 8)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Amount, &m.Reason, &m.OperatorID, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) GetCashSessionTotals(ctx context.Context, sessionID string) (domain.CashSessionTotals, error) {
	return sessionTotals(ctx, s.db, sessionID)
}

func sessionTotals(ctx context.Context, q queryer, sessionID string) (domain.CashSessionTotals, error) {
	var totals domain.CashSessionTotals
	err := q.QueryRowContext(ctx, `
		SELECT
			cs.opening_amount,
			COALESCE((SELECT SUM(amount) FROM cash_movements WHERE session_id = cs.id AND type = 'cash_in'), 0),
			COALESCE((SELECT SUM(amount) FROM cash_movements WHERE session_id = cs.id AND type = 'cash_out'), 0),
			COALESCE((SELECT SUM(total) FROM sales WHERE cash_session_id = cs.id AND status = 'finalized'), 0),
			(SELECT COUNT(*) FROM sales WHERE cash_session_id = cs.id AND status = 'finalized')
		FROM cash_sessions cs
		WHERE cs.id = $1
	`, sessionID).Scan(&totals.OpeningAmount, &totals.CashIn, &totals.CashOut, &totals.FinalizedSales, &totals.SalesCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CashSessionTotals{}, store.ErrNotFound
		}
		return domain.CashSessionTotals{}, err
	}
	return totals, nil
}

func (s *Store) CloseCashSession(ctx context.Context, in store.CloseSessionInput) (*domain.CashSession, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR UPDATE`, in.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != string(domain.CashSessionOpen) {
		return nil, store.ErrSessionNotOpen
	}

	totals, err := sessionTotals(ctx, tx, in.SessionID)
	if err != nil {
		return nil, err
	}
	expected := totals.Expected()
	if !expected.Equal(in.Expected) {
		return nil, store.ErrStaleExpected
	}
	divergence := domain.RoundMoney(in.Counted.Sub(expected))

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET status = 'closed', closing_amount = $2, expected_amount = $3, divergence = $4, justification = $5, closed_at = $6
		WHERE id = $1 AND status = 'open'
	`, in.SessionID, in.Counted, expected, divergence, in.Justification, in.ClosedAt)
	if err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, tx, `WHERE id = $1`, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, terminal_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TerminalID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, terminalID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR terminal_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, terminalID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.TerminalID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if isUniqueViolation(err, uqUsersPrimaryKey) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password, role, active, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Code, &p.Barcode, &p.Description, &p.Reference, &p.UnitPrice, &p.OnHand, &p.StockTracked)
	return p, err
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var finalizedAt, canceledAt sql.NullTime
	err := row.Scan(
		&sale.ID, &sale.Number, &sale.Status, &sale.CustomerID, &sale.CustomerName,
		&sale.Subtotal, &sale.ItemDiscounts, &sale.SaleDiscount, &sale.Total, &sale.PaidTotal,
		&sale.Origin, &sale.ServiceOrderID, &sale.OperatorID, &sale.CashSessionID, &sale.CancelReason,
		&sale.CreatedAt, &sale.UpdatedAt, &finalizedAt, &canceledAt,
	)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.FinalizedAt = timePtr(finalizedAt)
	sale.CanceledAt = timePtr(canceledAt)
	return sale, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var p domain.Payment
	var confirmedAt, voidedAt sql.NullTime
	err := row.Scan(&p.ID, &p.SaleID, &p.Tender, &p.Amount, &p.Change, &p.Installments, &p.InterestRate, &p.Status, &p.CreatedAt, &confirmedAt, &voidedAt)
	if err != nil {
		return domain.Payment{}, err
	}
	p.ConfirmedAt = timePtr(confirmedAt)
	p.VoidedAt = timePtr(voidedAt)
	return p, nil
}

func scanSession(row rowScanner) (domain.CashSession, error) {
	var cs domain.CashSession
	var closing, expected, divergence decimal.NullDecimal
	var closedAt sql.NullTime
	err := row.Scan(&cs.ID, &cs.TerminalID, &cs.OperatorID, &cs.OpeningAmount, &cs.Status, &closing, &expected, &divergence, &cs.Justification, &cs.OpenedAt, &closedAt)
	if err != nil {
		return domain.CashSession{}, err
	}
	cs.ClosingAmount = decimalPtr(closing)
	cs.ExpectedAmount = decimalPtr(expected)
	cs.Divergence = decimalPtr(divergence)
	cs.ClosedAt = timePtr(closedAt)
	return cs, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isUniqueViolation reports a 23505 error, optionally limited to one
// constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

var _ store.Repository = (*Store)(nil)
