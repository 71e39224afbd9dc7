package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/store"
	"pdvcaixa/backend/internal/xid"
)

const defaultSearchLimit = 50

type Store struct {
	mu                    sync.RWMutex
	logger                *zap.Logger
	products              map[string]domain.Product
	productOrder          []string
	salesByID             map[string]*domain.Sale
	saleSeq               int64
	activeSaleByOrder     map[string]string
	sessionsByID          map[string]domain.CashSession
	openSessionByTerminal map[string]string
	movementsBySession    map[string][]domain.CashMovement
	ordersByID            map[string]domain.ServiceOrder
	orderLines            map[string][]domain.ServiceOrderLine
	auditLogs             []domain.AuditLog
	usersByUsername       map[string]domain.UserAccount
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:                logger,
		products:              make(map[string]domain.Product),
		salesByID:             make(map[string]*domain.Sale),
		activeSaleByOrder:     make(map[string]string),
		sessionsByID:          make(map[string]domain.CashSession),
		openSessionByTerminal: make(map[string]string),
		movementsBySession:    make(map[string][]domain.CashMovement),
		ordersByID:            make(map[string]domain.ServiceOrder),
		orderLines:            make(map[string][]domain.ServiceOrderLine),
		auditLogs:             make([]domain.AuditLog, 0, 128),
		usersByUsername:       make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small catalog, two service
// orders and dev user accounts. Seed passwords are read from
// SEED_ADMIN_PASSWORD, SEED_MEMBER_PASSWORD and SEED_CASHIER_PASSWORD.
func NewSeeded(logger *zap.Logger) *Store {
	s := New(logger)
	for _, p := range seedProducts() {
		s.PutProduct(p)
	}
	order, lines := seedServiceOrder()
	s.PutServiceOrder(order, lines)
	s.PutServiceOrder(domain.ServiceOrder{
		ID:           "os-1002",
		Number:       1002,
		CustomerID:   "cust-02",
		CustomerName: "Bruno Lima",
		Status:       domain.ServiceOrderOpen,
	}, nil)
	s.usersByUsername = s.seedUsers()
	return s
}

func seedProducts() []domain.Product {
	d := decimal.RequireFromString
	return []domain.Product{
		{ID: "prod-0001", Code: "CAR20W", Barcode: "7891000000011", Description: "Carregador USB-C 20W", Reference: "ACC-CH-20", UnitPrice: d("89.90"), OnHand: d("12"), StockTracked: true},
		{ID: "prod-0002", Code: "PELVID", Barcode: "7891000000028", Description: "Pelicula de vidro 3D", Reference: "ACC-PV-3D", UnitPrice: d("35.00"), OnHand: d("40"), StockTracked: true},
		{ID: "prod-0003", Code: "CABHDMI", Barcode: "7891000000035", Description: "Cabo HDMI 2m", Reference: "CAB-HD-2", UnitPrice: d("50.00"), OnHand: d("2"), StockTracked: true},
		{ID: "prod-0004", Code: "CAPASIL", Barcode: "7891000000042", Description: "Capa de silicone", Reference: "ACC-CP-SI", UnitPrice: d("29.90"), OnHand: d("25"), StockTracked: true},
		{ID: "prod-0005", Code: "TELA-A12", Barcode: "7891000000059", Description: "Tela display A12", Reference: "PEC-TL-A12", UnitPrice: d("320.00"), OnHand: d("3"), StockTracked: true},
		{ID: "prod-0006", Code: "MOBRA", Description: "Mao de obra tecnica (hora)", Reference: "SRV-MO", UnitPrice: d("80.00"), OnHand: d("0"), StockTracked: false},
	}
}

func seedServiceOrder() (domain.ServiceOrder, []domain.ServiceOrderLine) {
	d := decimal.RequireFromString
	order := domain.ServiceOrder{
		ID:           "os-1001",
		Number:       1001,
		CustomerID:   "cust-01",
		CustomerName: "Ana Souza",
		Status:       domain.ServiceOrderReady,
	}
	lines := []domain.ServiceOrderLine{
		{ID: "osl-1", OrderID: order.ID, ProductID: "prod-0005", Description: "Tela display A12", Quantity: d("1"), UnitPrice: d("320.00"), Discount: d("20.00")},
		{ID: "osl-2", OrderID: order.ID, Description: "Troca de tela (mao de obra)", Quantity: d("1.5"), UnitPrice: d("80.00"), Discount: d("0")},
	}
	return order, lines
}

// seedUsers builds the dev accounts. Defaults are used when the SEED_*
// variables are unset and a warning is logged.
func (s *Store) seedUsers() map[string]domain.UserAccount {
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		s.logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), domain.RoleAdmin},
		{"member", envOr("SEED_MEMBER_PASSWORD", "member123"), domain.RoleMember},
		{"cashier", envOr("SEED_CASHIER_PASSWORD", "cashier123"), domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct inserts or replaces a catalog entry.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	if _, exists := s.products[p.ID]; !exists {
		s.productOrder = append(s.productOrder, p.ID)
	}
	s.products[p.ID] = p
}

func (s *Store) PutServiceOrder(order domain.ServiceOrder, lines []domain.ServiceOrderLine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ordersByID[order.ID] = order
	s.orderLines[order.ID] = slices.Clone(lines)
}

func (s *Store) FindProducts(_ context.Context, term string, field domain.SearchField, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	term = strings.ToLower(strings.TrimSpace(term))
	result := make([]domain.Product, 0, 16)
	for _, id := range s.productOrder {
		p := s.products[id]
		if term != "" && !matchProduct(p, term, field) {
			continue
		}
		result = append(result, p)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func matchProduct(p domain.Product, term string, field domain.SearchField) bool {
	code := strings.ToLower(p.Code)
	switch field {
	case domain.SearchByCode:
		return strings.HasPrefix(code, term)
	case domain.SearchByBarcode:
		return p.Barcode == term
	case domain.SearchByDescription:
		return strings.Contains(strings.ToLower(p.Description), term)
	case domain.SearchByReference:
		return strings.Contains(strings.ToLower(p.Reference), term)
	default:
		return strings.HasPrefix(code, term) ||
			p.Barcode == term ||
			strings.Contains(strings.ToLower(p.Description), term) ||
			strings.Contains(strings.ToLower(p.Reference), term)
	}
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetServiceOrder(_ context.Context, id string) (*domain.ServiceOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &order, nil
}

func (s *Store) ListUnbilledLines(_ context.Context, orderID string) ([]domain.ServiceOrderLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.ordersByID[orderID]; !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.orderLines[orderID]), nil
}

func (s *Store) MarkServiceOrderBilled(_ context.Context, orderID string, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	order.BilledSaleID = saleID
	s.ordersByID[orderID] = order
	return nil
}

func (s *Store) MarkServiceOrderInvoiced(_ context.Context, orderID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	order.Status = domain.ServiceOrderInvoiced
	s.ordersByID[orderID] = order
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[sale.CashSessionID]
	if !ok || session.Status != domain.CashSessionOpen {
		return nil, store.ErrSessionNotOpen
	}
	if sale.ServiceOrderID != "" {
		if _, taken := s.activeSaleByOrder[sale.ServiceOrderID]; taken {
			return nil, store.ErrAlreadyImported
		}
	}

	now := time.Now().UTC()
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	sale.UpdatedAt = sale.CreatedAt
	s.saleSeq++
	sale.Number = s.saleSeq
	sale.Status = domain.SaleStatusDraft
	sale.PaidTotal = decimal.Zero
	sale.Payments = []domain.Payment{}
	items := make([]domain.SaleItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		item.ID = xid.New("item")
		item.SaleID = sale.ID
		items = append(items, item)
	}
	sale.Items = items

	s.salesByID[sale.ID] = &sale
	if sale.ServiceOrderID != "" {
		s.activeSaleByOrder[sale.ServiceOrderID] = sale.ID
	}
	return cloneSale(&sale), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindActiveSaleByServiceOrder(_ context.Context, orderID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, ok := s.activeSaleByOrder[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[saleID]), nil
}

func (s *Store) ListSaleItems(_ context.Context, saleID string) ([]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(sale.Items), nil
}

// draftLocked returns the sale when it exists and is still a draft. Callers
// hold s.mu.
func (s *Store) draftLocked(saleID string) (*domain.Sale, error) {
	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusDraft {
		return nil, store.ErrSaleNotDraft
	}
	return sale, nil
}

func (s *Store) CreateSaleItem(_ context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(item.SaleID)
	if err != nil {
		return nil, err
	}
	item.ID = xid.New("item")
	sale.Items = append(sale.Items, item)
	sale.UpdatedAt = time.Now().UTC()
	return &item, nil
}

func (s *Store) UpdateSaleItem(_ context.Context, item domain.SaleItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(item.SaleID)
	if err != nil {
		return err
	}
	for i := range sale.Items {
		if sale.Items[i].ID == item.ID {
			sale.Items[i] = item
			sale.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) DeleteSaleItem(_ context.Context, saleID string, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(saleID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(sale.Items, func(it domain.SaleItem) bool { return it.ID == itemID })
	if idx < 0 {
		return store.ErrNotFound
	}
	sale.Items = slices.Delete(sale.Items, idx, idx+1)
	sale.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateSaleTotals(_ context.Context, saleID string, totals domain.Totals, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(saleID)
	if err != nil {
		return nil, err
	}
	sale.Subtotal = totals.Subtotal
	sale.ItemDiscounts = totals.ItemDiscounts
	sale.SaleDiscount = totals.SaleDiscount
	sale.Total = totals.Total
	sale.UpdatedAt = at
	return cloneSale(sale), nil
}

func (s *Store) CreatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(payment.SaleID)
	if err != nil {
		return nil, err
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.Status = domain.PaymentStatusPending
	sale.Payments = append(sale.Payments, payment)
	return &payment, nil
}

func (s *Store) ConfirmPayment(_ context.Context, saleID string, paymentID string, at time.Time) (*domain.Payment, error) {
	return s.transitionPayment(saleID, paymentID, func(p *domain.Payment) error {
		if p.Status != domain.PaymentStatusPending {
			return store.ErrPaymentNotPending
		}
		p.Status = domain.PaymentStatusConfirmed
		p.ConfirmedAt = &at
		return nil
	})
}

func (s *Store) VoidPayment(_ context.Context, saleID string, paymentID string, at time.Time) (*domain.Payment, error) {
	return s.transitionPayment(saleID, paymentID, func(p *domain.Payment) error {
		if p.Status == domain.PaymentStatusVoided {
			return store.ErrPaymentNotPending
		}
		p.Status = domain.PaymentStatusVoided
		p.VoidedAt = &at
		return nil
	})
}

func (s *Store) transitionPayment(saleID string, paymentID string, apply func(*domain.Payment) error) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(saleID)
	if err != nil {
		return nil, err
	}
	for i := range sale.Payments {
		if sale.Payments[i].ID != paymentID {
			continue
		}
		if err := apply(&sale.Payments[i]); err != nil {
			return nil, err
		}
		sale.PaidTotal = sale.ConfirmedPaid()
		p := sale.Payments[i]
		return &p, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FinalizeSale(_ context.Context, saleID string, at time.Time) (store.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return store.FinalizeResult{}, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusDraft {
		return store.FinalizeResult{Finalized: false, Sale: cloneSale(sale)}, nil
	}

	var shortfalls []domain.StockAdjustment
	for _, item := range sale.Items {
		if !item.StockTracked || item.ProductID == "" {
			continue
		}
		p, ok := s.products[item.ProductID]
		if !ok {
			continue
		}
		next := p.OnHand.Sub(item.Quantity)
		if next.IsNegative() {
			shortfalls = append(shortfalls, domain.StockAdjustment{ProductID: p.ID, Quantity: next.Neg()})
			next = decimal.Zero
		}
		p.OnHand = next
		s.products[p.ID] = p
	}

	sale.Status = domain.SaleStatusFinalized
	sale.PaidTotal = sale.ConfirmedPaid()
	sale.FinalizedAt = &at
	sale.UpdatedAt = at
	return store.FinalizeResult{Finalized: true, Sale: cloneSale(sale), Shortfalls: shortfalls}, nil
}

func (s *Store) CancelSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.draftLocked(saleID)
	if err != nil {
		return nil, err
	}
	s.cancelLocked(sale, reason, at)
	return cloneSale(sale), nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusFinalized {
		return nil, store.ErrSaleNotFinalized
	}
	for _, item := range sale.Items {
		if !item.StockTracked || item.ProductID == "" {
			continue
		}
		if p, ok := s.products[item.ProductID]; ok {
			p.OnHand = p.OnHand.Add(item.Quantity)
			s.products[p.ID] = p
		}
	}
	s.cancelLocked(sale, reason, at)
	return cloneSale(sale), nil
}

func (s *Store) cancelLocked(sale *domain.Sale, reason string, at time.Time) {
	sale.Status = domain.SaleStatusCanceled
	sale.CancelReason = reason
	sale.CanceledAt = &at
	sale.UpdatedAt = at
	if sale.ServiceOrderID != "" && s.activeSaleByOrder[sale.ServiceOrderID] == sale.ID {
		delete(s.activeSaleByOrder, sale.ServiceOrderID)
	}
}

func (s *Store) OpenCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openSessionByTerminal[session.TerminalID]; exists {
		return nil, store.ErrSessionAlreadyOpen
	}
	if session.ID == "" {
		session.ID = xid.New("cs")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionOpen
	session.ClosingAmount = nil
	session.ExpectedAmount = nil
	session.Divergence = nil
	session.ClosedAt = nil

	s.sessionsByID[session.ID] = session
	s.openSessionByTerminal[session.TerminalID] = session.ID
	copySession := session
	return &copySession, nil
}

func (s *Store) GetCashSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, terminalID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByTerminal[terminalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	session := s.sessionsByID[id]
	return &session, nil
}

func (s *Store) CreateCashMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[movement.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashSessionOpen {
		return nil, store.ErrSessionNotOpen
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movementsBySession[movement.SessionID] = append(s.movementsBySession[movement.SessionID], movement)
	return &movement, nil
}

func (s *Store) ListCashMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.movementsBySession[sessionID]), nil
}

func (s *Store) GetCashSessionTotals(_ context.Context, sessionID string) (domain.CashSessionTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return domain.CashSessionTotals{}, store.ErrNotFound
	}
	return s.totalsLocked(session), nil
}

func (s *Store) totalsLocked(session domain.CashSession) domain.CashSessionTotals {
	totals := domain.CashSessionTotals{
		OpeningAmount:  session.OpeningAmount,
		CashIn:         decimal.Zero,
		CashOut:        decimal.Zero,
		FinalizedSales: decimal.Zero,
	}
	for _, m := range s.movementsBySession[session.ID] {
		switch m.Type {
		case domain.CashIn:
			totals.CashIn = totals.CashIn.Add(m.Amount)
		case domain.CashOut:
			totals.CashOut = totals.CashOut.Add(m.Amount)
		}
	}
	for _, sale := range s.salesByID {
		if sale.CashSessionID != session.ID || sale.Status != domain.SaleStatusFinalized {
			continue
		}
		totals.FinalizedSales = totals.FinalizedSales.Add(sale.Total)
		totals.SalesCount++
	}
	return totals
}

func (s *Store) CloseCashSession(_ context.Context, in store.CloseSessionInput) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[in.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashSessionOpen {
		return nil, store.ErrSessionNotOpen
	}
	expected := s.totalsLocked(session).Expected()
	if !expected.Equal(in.Expected) {
		return nil, store.ErrStaleExpected
	}

	counted := in.Counted
	divergence := domain.RoundMoney(counted.Sub(expected))
	closedAt := in.ClosedAt
	session.Status = domain.CashSessionClosed
	session.ClosingAmount = &counted
	session.ExpectedAmount = &expected
	session.Divergence = &divergence
	session.Justification = in.Justification
	session.ClosedAt = &closedAt

	s.sessionsByID[session.ID] = session
	delete(s.openSessionByTerminal, session.TerminalID)
	copySession := session
	return &copySession, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, terminalID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if terminalID != "" && entry.TerminalID != terminalID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	copySale := *src
	copySale.Items = slices.Clone(src.Items)
	copySale.Payments = slices.Clone(src.Payments)
	if copySale.Items == nil {
		copySale.Items = []domain.SaleItem{}
	}
	if copySale.Payments == nil {
		copySale.Payments = []domain.Payment{}
	}
	return &copySale
}

var _ store.Repository = (*Store)(nil)
