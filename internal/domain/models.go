package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleStatus string

const (
	SaleStatusDraft     SaleStatus = "draft"
	SaleStatusFinalized SaleStatus = "finalized"
	SaleStatusCanceled  SaleStatus = "canceled"
)

type SaleOrigin string

const (
	SaleOriginPOS          SaleOrigin = "pos"
	SaleOriginServiceOrder SaleOrigin = "service_order"
)

type Sale struct {
	ID             string          `json:"id"`
	Number         int64           `json:"number"`
	Status         SaleStatus      `json:"status"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	ItemDiscounts  decimal.Decimal `json:"item_discounts"`
	SaleDiscount   decimal.Decimal `json:"sale_discount"`
	Total          decimal.Decimal `json:"total"`
	PaidTotal      decimal.Decimal `json:"paid_total"`
	Origin         SaleOrigin      `json:"origin"`
	ServiceOrderID string          `json:"service_order_id,omitempty"`
	OperatorID     string          `json:"operator_id"`
	CashSessionID  string          `json:"cash_session_id"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty"`
	CanceledAt     *time.Time      `json:"canceled_at,omitempty"`
	Items          []SaleItem      `json:"items"`
	Payments       []Payment       `json:"payments"`
}

// Totals returns the persisted monetary summary of the sale.
func (s Sale) Totals() Totals {
	return Totals{
		Subtotal:      s.Subtotal,
		ItemDiscounts: s.ItemDiscounts,
		SaleDiscount:  s.SaleDiscount,
		Total:         s.Total,
	}
}

// ConfirmedPaid sums the applied amount of confirmed payments. Cash change is
// excluded, so a 100.00 cash tender against an 85.00 balance counts as 85.00.
func (s Sale) ConfirmedPaid() decimal.Decimal {
	paid := decimal.Zero
	for _, p := range s.Payments {
		if p.Status == PaymentStatusConfirmed {
			paid = paid.Add(p.Applied())
		}
	}
	return RoundMoney(paid)
}

func (s Sale) ConfirmedPaymentCount() int {
	count := 0
	for _, p := range s.Payments {
		if p.Status == PaymentStatusConfirmed {
			count++
		}
	}
	return count
}

// Remaining may be negative internally; callers display it floored at zero.
func (s Sale) Remaining() decimal.Decimal {
	return RoundMoney(s.Total.Sub(s.ConfirmedPaid()))
}

type SaleItem struct {
	ID           string          `json:"id"`
	SaleID       string          `json:"sale_id"`
	ProductID    string          `json:"product_id,omitempty"`
	Barcode      string          `json:"barcode,omitempty"`
	Code         string          `json:"code,omitempty"`
	Description  string          `json:"description"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Discount     decimal.Decimal `json:"discount"`
	StockTracked bool            `json:"stock_tracked"`
}

func (i SaleItem) Gross() decimal.Decimal {
	return RoundMoney(i.UnitPrice.Mul(i.Quantity))
}

func (i SaleItem) LineTotal() decimal.Decimal {
	return RoundMoney(i.Gross().Sub(i.Discount))
}

// Key correlates a cart line with a persisted line: product reference, then
// barcode, then code, then normalized description.
func (i SaleItem) Key() string {
	return LineKey(i.ProductID, i.Barcode, i.Code, i.Description)
}

type TenderType string

const (
	TenderCash    TenderType = "cash"
	TenderCredit  TenderType = "credit"
	TenderDebit   TenderType = "debit"
	TenderPix     TenderType = "pix"
	TenderVoucher TenderType = "voucher"
)

func (t TenderType) Valid() bool {
	switch t {
	case TenderCash, TenderCredit, TenderDebit, TenderPix, TenderVoucher:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusVoided    PaymentStatus = "voided"
)

const MaxInstallments = 12

type Payment struct {
	ID           string          `json:"id"`
	SaleID       string          `json:"sale_id"`
	Tender       TenderType      `json:"tender"`
	Amount       decimal.Decimal `json:"amount"`
	Change       decimal.Decimal `json:"change"`
	Installments int             `json:"installments,omitempty"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	Status       PaymentStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
	VoidedAt     *time.Time      `json:"voided_at,omitempty"`
}

// Applied is the part of the tender that settles the sale.
func (p Payment) Applied() decimal.Decimal {
	return RoundMoney(p.Amount.Sub(p.Change))
}

type CashSessionStatus string

const (
	CashSessionOpen   CashSessionStatus = "open"
	CashSessionClosed CashSessionStatus = "closed"
)

type CashSession struct {
	ID             string            `json:"id"`
	TerminalID     string            `json:"terminal_id"`
	OperatorID     string            `json:"operator_id"`
	OpeningAmount  decimal.Decimal   `json:"opening_amount"`
	Status         CashSessionStatus `json:"status"`
	ClosingAmount  *decimal.Decimal  `json:"closing_amount,omitempty"`
	ExpectedAmount *decimal.Decimal  `json:"expected_amount,omitempty"`
	Divergence     *decimal.Decimal  `json:"divergence,omitempty"`
	Justification  string            `json:"justification,omitempty"`
	OpenedAt       time.Time         `json:"opened_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
}

type CashMovementType string

const (
	// CashOut is a sangria: cash removed from the drawer.
	CashOut CashMovementType = "cash_out"
	// CashIn is a suprimento: cash added to the drawer.
	CashIn CashMovementType = "cash_in"
)

func (t CashMovementType) Valid() bool {
	return t == CashIn || t == CashOut
}

type CashMovement struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	Type       CashMovementType `json:"type"`
	Amount     decimal.Decimal  `json:"amount"`
	Reason     string           `json:"reason,omitempty"`
	OperatorID string           `json:"operator_id"`
	CreatedAt  time.Time        `json:"created_at"`
}

// CashSessionTotals are the inputs of the expected balance.
type CashSessionTotals struct {
	OpeningAmount  decimal.Decimal `json:"opening_amount"`
	CashIn         decimal.Decimal `json:"cash_in"`
	CashOut        decimal.Decimal `json:"cash_out"`
	FinalizedSales decimal.Decimal `json:"finalized_sales"`
	SalesCount     int             `json:"sales_count"`
}

func (t CashSessionTotals) Expected() decimal.Decimal {
	return RoundMoney(t.OpeningAmount.Add(t.CashIn).Sub(t.CashOut).Add(t.FinalizedSales))
}

type SearchField string

const (
	SearchByCode        SearchField = "code"
	SearchByBarcode     SearchField = "barcode"
	SearchByDescription SearchField = "description"
	SearchByReference   SearchField = "reference"
	SearchByAny         SearchField = "any"
)

func (f SearchField) Valid() bool {
	switch f {
	case SearchByCode, SearchByBarcode, SearchByDescription, SearchByReference, SearchByAny:
		return true
	}
	return false
}

type Product struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Barcode      string          `json:"barcode,omitempty"`
	Description  string          `json:"description"`
	Reference    string          `json:"reference,omitempty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	OnHand       decimal.Decimal `json:"on_hand"`
	StockTracked bool            `json:"stock_tracked"`
}

type StockAdjustment struct {
	ProductID string
	Quantity  decimal.Decimal
}

type ServiceOrderStatus string

const (
	ServiceOrderOpen     ServiceOrderStatus = "open"
	ServiceOrderReady    ServiceOrderStatus = "ready"
	ServiceOrderInvoiced ServiceOrderStatus = "invoiced"
)

type ServiceOrder struct {
	ID           string             `json:"id"`
	Number       int64              `json:"number"`
	CustomerID   string             `json:"customer_id,omitempty"`
	CustomerName string             `json:"customer_name,omitempty"`
	Status       ServiceOrderStatus `json:"status"`
	BilledSaleID string             `json:"billed_sale_id,omitempty"`
}

type ServiceOrderLine struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id,omitempty"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleCashier = "cashier"
	RoleMember  = "member"
	RoleAdmin   = "admin"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"omitempty,oneof=cashier member admin"`
}

// UserView is the public projection of a UserAccount.
type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	TerminalID    string    `json:"terminal_id,omitempty"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaleSnapshot is the read-only payload handed to receipt, printing and
// notification consumers once a sale is finalized.
type SaleSnapshot struct {
	SaleID       string          `json:"sale_id"`
	Number       int64           `json:"number"`
	Status       SaleStatus      `json:"status"`
	CustomerID   string          `json:"customer_id,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	Items        []SaleItem      `json:"items"`
	Payments     []Payment       `json:"payments"`
	Totals       Totals          `json:"totals"`
	PaidTotal    decimal.Decimal `json:"paid_total"`
	Change       decimal.Decimal `json:"change"`
	CreatedAt    time.Time       `json:"created_at"`
	FinalizedAt  *time.Time      `json:"finalized_at,omitempty"`
}
