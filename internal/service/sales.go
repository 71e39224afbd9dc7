package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/cart"
	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/lock"
	"pdvcaixa/backend/internal/reconcile"
	"pdvcaixa/backend/internal/store"
)

// CartLineInput is one line as sent by a client. A line with a product
// reference or barcode is resolved against the catalog; otherwise it is a
// free-text line and needs a description and a unit price.
type CartLineInput struct {
	ProductID       string           `json:"product_id"`
	Barcode         string           `json:"barcode"`
	Code            string           `json:"code"`
	Description     string           `json:"description"`
	Quantity        decimal.Decimal  `json:"quantity" validate:"gt=0"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	DiscountPercent decimal.Decimal  `json:"discount_percent" validate:"gte=0"`
}

type CartInput struct {
	Lines        []CartLineInput `json:"lines" validate:"dive"`
	SaleDiscount decimal.Decimal `json:"sale_discount" validate:"gte=0"`
}

type SaveCartRequest struct {
	SaleID       string    `json:"-"`
	SessionID    string    `json:"cash_session_id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	Cart         CartInput `json:"cart"`
}

type SaveCartResult struct {
	Sale      *domain.Sale     `json:"sale"`
	Reconcile reconcile.Result `json:"reconcile"`
	Finalized bool             `json:"finalized"`
}

// NewCart returns an empty cart carrying the discount ceiling of the actor's
// role.
func (s *Service) NewCart(ctx context.Context) *cart.Cart {
	return cart.New(s.discounts.MaxDiscountPercent(actorOrSystem(ctx).Role))
}

// BuildCart rebuilds a cart from client input, re-reading prices and stock
// from the catalog.
func (s *Service) BuildCart(ctx context.Context, in CartInput) (*cart.Cart, error) {
	const op = "build cart"
	c := s.NewCart(ctx)
	for i, li := range in.Lines {
		line, err := s.resolveLine(ctx, li)
		if err != nil {
			return nil, err
		}
		if err := c.AddLine(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	if err := c.SetSaleDiscount(in.SaleDiscount); err != nil {
		return nil, err
	}
	s.logger.Debug("cart built", zap.String("op", op), zap.Int("lines", c.Len()))
	return c, nil
}

func (s *Service) resolveLine(ctx context.Context, in CartLineInput) (cart.Line, error) {
	const op = "build cart"
	var line cart.Line
	switch {
	case strings.TrimSpace(in.ProductID) != "":
		p, err := s.repo.GetProduct(ctx, strings.TrimSpace(in.ProductID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return cart.Line{}, domain.Validation(op, "product %s not found", in.ProductID)
			}
			return cart.Line{}, mapStoreErr(op, err)
		}
		line = cart.LineFromProduct(*p, in.Quantity)
	case strings.TrimSpace(in.Barcode) != "":
		matches, err := s.repo.FindProducts(ctx, strings.TrimSpace(in.Barcode), domain.SearchByBarcode, 1)
		if err != nil {
			return cart.Line{}, mapStoreErr(op, err)
		}
		if len(matches) == 0 {
			return cart.Line{}, domain.Validation(op, "barcode %s not found", in.Barcode)
		}
		line = cart.LineFromProduct(matches[0], in.Quantity)
	default:
		if in.UnitPrice == nil {
			return cart.Line{}, domain.Validation(op, "free-text line %q needs a unit price", in.Description)
		}
		line = cart.Line{
			Code:        in.Code,
			Description: in.Description,
			Quantity:    in.Quantity,
		}
	}
	if in.UnitPrice != nil {
		line.UnitPrice = *in.UnitPrice
	}
	line.DiscountPercent = in.DiscountPercent
	return line, nil
}

// SaveCart persists the cart. The first save creates the draft sale on the
// given cash session; later saves reconcile items and totals of the existing
// draft. A draft whose confirmed payments already cover the new total is
// finalized.
func (s *Service) SaveCart(ctx context.Context, req SaveCartRequest) (SaveCartResult, error) {
	const op = "save cart"
	if req.SaleID == "" {
		return s.createSale(ctx, req)
	}

	var out SaveCartResult
	err := s.withLock(ctx, lock.SaleKey(req.SaleID), func(ctx context.Context) error {
		sale, err := s.loadDraft(ctx, op, req.SaleID)
		if err != nil {
			return err
		}
		c, err := s.BuildCart(ctx, req.Cart)
		if err != nil {
			return err
		}
		synced, res, err := s.syncCart(ctx, sale, c)
		if err != nil {
			return err
		}
		out = SaveCartResult{Sale: synced, Reconcile: res}
		if synced.ConfirmedPaymentCount() == 0 || synced.Remaining().IsPositive() {
			return nil
		}
		outcome, err := s.finalizeLocked(ctx, synced.ID, false)
		if err != nil {
			return err
		}
		out.Sale = outcome.Sale
		out.Finalized = outcome.Finalized
		return nil
	})
	return out, err
}

func (s *Service) createSale(ctx context.Context, req SaveCartRequest) (SaveCartResult, error) {
	const op = "save cart"
	c, err := s.BuildCart(ctx, req.Cart)
	if err != nil {
		return SaveCartResult{}, err
	}
	session, err := s.resolveOpenSession(ctx, op, req.SessionID)
	if err != nil {
		return SaveCartResult{}, err
	}

	totals := c.Totals()
	created, err := s.repo.CreateSale(ctx, domain.Sale{
		CustomerID:    strings.TrimSpace(req.CustomerID),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		Subtotal:      totals.Subtotal,
		ItemDiscounts: totals.ItemDiscounts,
		SaleDiscount:  totals.SaleDiscount,
		Total:         totals.Total,
		Origin:        domain.SaleOriginPOS,
		OperatorID:    actorOrSystem(ctx).Username,
		CashSessionID: session.ID,
		Items:         c.Items(),
	})
	if err != nil {
		return SaveCartResult{}, mapStoreErr(op, err)
	}
	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("number=%d,total=%s", created.Number, created.Total.StringFixed(2)))
	return SaveCartResult{Sale: created, Reconcile: reconcile.Result{Created: len(created.Items)}}, nil
}

// loadDraft returns the sale if it can still be edited.
func (s *Service) loadDraft(ctx context.Context, op string, saleID string) (*domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	if sale.Status != domain.SaleStatusDraft {
		return nil, domain.Conflict(op, "sale %d is %s", sale.Number, sale.Status)
	}
	return sale, nil
}

// applyCart rebuilds the cart from input and reconciles it into a draft.
// Callers hold the sale lock.
func (s *Service) applyCart(ctx context.Context, sale *domain.Sale, in CartInput) (*domain.Sale, error) {
	c, err := s.BuildCart(ctx, in)
	if err != nil {
		return nil, err
	}
	synced, _, err := s.syncCart(ctx, sale, c)
	return synced, err
}

// syncCart reconciles the persisted items of a draft with c and stores the
// cart totals. The new total may not drop below what confirmed payments
// already cover. Callers hold the sale lock.
func (s *Service) syncCart(ctx context.Context, sale *domain.Sale, c *cart.Cart) (*domain.Sale, reconcile.Result, error) {
	const op = "save cart"
	totals := c.Totals()
	if paid := sale.ConfirmedPaid(); totals.Total.LessThan(paid) {
		return nil, reconcile.Result{}, domain.BusinessRule(op, "new total %s is below the %s already paid; void a payment first",
			totals.Total.StringFixed(2), paid.StringFixed(2))
	}

	persisted, err := s.repo.ListSaleItems(ctx, sale.ID)
	if err != nil {
		return nil, reconcile.Result{}, mapStoreErr(op, err)
	}

	res := reconcile.Reconcile(ctx, s.repo, sale.ID, persisted, c.Items())
	if err := res.Err(); err != nil {
		s.logger.Warn("sale items partially reconciled",
			zap.String("sale_id", sale.ID),
			zap.Int("failures", len(res.Failures)),
			zap.Error(err),
		)
		return nil, res, mapStoreErr(op, err)
	}

	updated, err := s.repo.UpdateSaleTotals(ctx, sale.ID, totals, s.now())
	if err != nil {
		return nil, res, mapStoreErr(op, err)
	}
	if res.Writes() > 0 {
		s.logger.Debug("sale items reconciled",
			zap.String("sale_id", sale.ID),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("deleted", res.Deleted),
		)
	}
	return updated, res, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, mapStoreErr("get sale", err)
	}
	return sale, nil
}

// SaleSnapshot returns the receipt payload of a sale. Finalized snapshots are
// served from the cache when present.
func (s *Service) SaleSnapshot(ctx context.Context, saleID string) (*domain.SaleSnapshot, error) {
	if snap, ok, err := s.snapshots.Get(ctx, saleID); err != nil {
		s.logger.Warn("snapshot cache read failed", zap.String("sale_id", saleID), zap.Error(err))
	} else if ok {
		return snap, nil
	}

	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	snap := snapshotOf(sale)
	if sale.Status == domain.SaleStatusFinalized {
		s.cacheSnapshot(ctx, snap)
	}
	return snap, nil
}

func (s *Service) cacheSnapshot(ctx context.Context, snap *domain.SaleSnapshot) {
	if err := s.snapshots.Set(ctx, snap, s.ttl); err != nil {
		s.logger.Warn("snapshot cache write failed", zap.String("sale_id", snap.SaleID), zap.Error(err))
	}
}

func snapshotOf(sale *domain.Sale) *domain.SaleSnapshot {
	change := decimal.Zero
	for _, p := range sale.Payments {
		if p.Status == domain.PaymentStatusConfirmed {
			change = change.Add(p.Change)
		}
	}
	return &domain.SaleSnapshot{
		SaleID:       sale.ID,
		Number:       sale.Number,
		Status:       sale.Status,
		CustomerID:   sale.CustomerID,
		CustomerName: sale.CustomerName,
		Items:        sale.Items,
		Payments:     sale.Payments,
		Totals:       sale.Totals(),
		PaidTotal:    sale.ConfirmedPaid(),
		Change:       domain.RoundMoney(change),
		CreatedAt:    sale.CreatedAt,
		FinalizedAt:  sale.FinalizedAt,
	}
}

// CancelSale abandons a draft. Finalized sales need VoidSale.
func (s *Service) CancelSale(ctx context.Context, saleID string, reason string) (*domain.Sale, error) {
	const op = "cancel sale"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Validation(op, "reason is required")
	}

	var canceled *domain.Sale
	err := s.withLock(ctx, lock.SaleKey(saleID), func(ctx context.Context) error {
		sale, err := s.repo.CancelSale(ctx, saleID, reason, s.now())
		if errors.Is(err, store.ErrSaleNotDraft) {
			return domain.Conflict(op, "only draft sales can be canceled; finalized sales must be voided")
		}
		if err != nil {
			return mapStoreErr(op, err)
		}
		canceled = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale_cancel", "sale", saleID, "reason="+reason)
	return canceled, nil
}

// VoidSale force-cancels a finalized sale and restores its stock. It is
// irreversible and restricted to admins.
func (s *Service) VoidSale(ctx context.Context, saleID string, reason string) (*domain.Sale, error) {
	const op = "void sale"
	if err := requireRole(ctx, op, domain.RoleAdmin); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Validation(op, "reason is required")
	}

	var voided *domain.Sale
	err := s.withLock(ctx, lock.SaleKey(saleID), func(ctx context.Context) error {
		sale, err := s.repo.VoidSale(ctx, saleID, reason, s.now())
		if err != nil {
			return mapStoreErr(op, err)
		}
		voided = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.snapshots.Delete(ctx, saleID); err != nil {
		s.logger.Warn("snapshot cache delete failed", zap.String("sale_id", saleID), zap.Error(err))
	}
	s.logger.Info("sale voided", zap.String("sale_id", saleID), zap.Int64("number", voided.Number))
	s.logAudit(ctx, "sale_void", "sale", saleID, "reason="+reason)
	return voided, nil
}

func (s *Service) SearchProducts(ctx context.Context, term string, field domain.SearchField, limit int) ([]domain.Product, error) {
	const op = "search products"
	if field == "" {
		field = domain.SearchByAny
	}
	if !field.Valid() {
		return nil, domain.Validation(op, "unknown search field %q", field)
	}
	products, err := s.repo.FindProducts(ctx, term, field, limit)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return products, nil
}
