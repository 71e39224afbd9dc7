package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"pdvcaixa/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrSaleNotDraft       = errors.New("sale is not a draft")
	ErrSaleNotFinalized   = errors.New("sale is not finalized")
	ErrPaymentNotPending  = errors.New("payment is not pending")
	ErrSessionNotOpen     = errors.New("cash session is not open")
	ErrSessionAlreadyOpen = errors.New("cash session already open")
	ErrAlreadyImported    = errors.New("service order already imported")
	ErrStaleExpected      = errors.New("expected balance changed")
	ErrDuplicate          = errors.New("duplicate")
	ErrInvalidInput       = errors.New("invalid input")
)

// FinalizeResult reports the outcome of the draft to finalized transition.
// Finalized is false when another caller already performed it.
type FinalizeResult struct {
	Finalized  bool
	Sale       *domain.Sale
	Shortfalls []domain.StockAdjustment
}

// CloseSessionInput carries the values computed by the caller. Expected must
// still match the balance recomputed by the store or ErrStaleExpected is
// returned and nothing is written.
type CloseSessionInput struct {
	SessionID     string
	Counted       decimal.Decimal
	Expected      decimal.Decimal
	Justification string
	ClosedAt      time.Time
}

type Catalog interface {
	FindProducts(ctx context.Context, term string, field domain.SearchField, limit int) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

type ServiceOrders interface {
	GetServiceOrder(ctx context.Context, id string) (*domain.ServiceOrder, error)
	ListUnbilledLines(ctx context.Context, orderID string) ([]domain.ServiceOrderLine, error)
	MarkServiceOrderBilled(ctx context.Context, orderID string, saleID string) error
	MarkServiceOrderInvoiced(ctx context.Context, orderID string, at time.Time) error
}

type Repository interface {
	Catalog
	ServiceOrders

	// CreateSale inserts a draft attributed to sale.CashSessionID and assigns
	// its number. It fails with ErrSessionNotOpen when that session is not
	// open, and with ErrAlreadyImported when sale.ServiceOrderID is already
	// referenced by a sale that is not canceled.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindActiveSaleByServiceOrder(ctx context.Context, orderID string) (*domain.Sale, error)
	ListSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error)
	// Item and total writes return ErrSaleNotDraft once the sale left draft.
	CreateSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error)
	UpdateSaleItem(ctx context.Context, item domain.SaleItem) error
	DeleteSaleItem(ctx context.Context, saleID string, itemID string) error
	UpdateSaleTotals(ctx context.Context, saleID string, totals domain.Totals, at time.Time) (*domain.Sale, error)
	CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	ConfirmPayment(ctx context.Context, saleID string, paymentID string, at time.Time) (*domain.Payment, error)
	VoidPayment(ctx context.Context, saleID string, paymentID string, at time.Time) (*domain.Payment, error)
	// FinalizeSale moves a draft to finalized and decrements stock of its
	// stock-tracked lines in one atomic step, clamping on-hand at zero.
	FinalizeSale(ctx context.Context, saleID string, at time.Time) (FinalizeResult, error)
	CancelSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)
	// VoidSale moves a finalized sale to canceled and restores the stock it
	// consumed.
	VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)

	OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, terminalID string) (*domain.CashSession, error)
	CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)
	GetCashSessionTotals(ctx context.Context, sessionID string) (domain.CashSessionTotals, error)
	CloseCashSession(ctx context.Context, in CloseSessionInput) (*domain.CashSession, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, terminalID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
