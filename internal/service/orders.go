package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/cart"
	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/store"
)

// Order discounts are imported as priced; no role ceiling applies.
var orderDiscountCeiling = decimal.NewFromInt(100)

// ImportServiceOrder creates a draft sale carrying the unbilled lines of a
// service order. Lines go through the cart, so stock ceilings and merging of
// equal keys apply. The sale is never finalized here; the order is marked
// invoiced when the sale is.
func (s *Service) ImportServiceOrder(ctx context.Context, orderID string, sessionID string) (*domain.Sale, error) {
	const op = "import service order"
	order, err := s.repo.GetServiceOrder(ctx, orderID)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}

	existing, err := s.repo.FindActiveSaleByServiceOrder(ctx, orderID)
	switch {
	case err == nil:
		return nil, domain.Conflict(op, "service order %d already imported into sale %d", order.Number, existing.Number)
	case !errors.Is(err, store.ErrNotFound):
		return nil, mapStoreErr(op, err)
	}

	lines, err := s.repo.ListUnbilledLines(ctx, orderID)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	if len(lines) == 0 {
		return nil, domain.Validation(op, "service order %d has no billable lines", order.Number)
	}

	session, err := s.resolveOpenSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}

	c := cart.New(orderDiscountCeiling)
	for i, line := range lines {
		cl, err := s.cartLineFromOrder(ctx, line)
		if err != nil {
			return nil, err
		}
		if err := c.AddLine(cl); err != nil {
			return nil, fmt.Errorf("order line %d: %w", i+1, err)
		}
	}
	items := c.Items()
	totals := c.Totals()

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		CustomerID:     order.CustomerID,
		CustomerName:   order.CustomerName,
		Subtotal:       totals.Subtotal,
		ItemDiscounts:  totals.ItemDiscounts,
		SaleDiscount:   totals.SaleDiscount,
		Total:          totals.Total,
		Origin:         domain.SaleOriginServiceOrder,
		ServiceOrderID: order.ID,
		OperatorID:     actorOrSystem(ctx).Username,
		CashSessionID:  session.ID,
		Items:          items,
	})
	if err != nil {
		return nil, mapStoreErr(op, err)
	}

	if err := s.repo.MarkServiceOrderBilled(ctx, order.ID, sale.ID); err != nil {
		s.logger.Warn("failed to mark service order billed",
			zap.String("service_order_id", order.ID),
			zap.String("sale_id", sale.ID),
			zap.Error(err),
		)
	}
	s.logAudit(ctx, "service_order_import", "sale", sale.ID, fmt.Sprintf("order=%d,lines=%d,total=%s", order.Number, len(items), sale.Total.StringFixed(2)))
	return sale, nil
}

// cartLineFromOrder keeps the order's quantity, price and absolute discount.
// Catalog data contributes identity fields and the stock ceiling.
func (s *Service) cartLineFromOrder(ctx context.Context, line domain.ServiceOrderLine) (cart.Line, error) {
	cl := cart.Line{
		ProductID:       line.ProductID,
		Description:     line.Description,
		Quantity:        line.Quantity,
		UnitPrice:       line.UnitPrice,
		DiscountPercent: domain.PercentOf(line.Discount, line.UnitPrice, line.Quantity),
	}
	if line.ProductID == "" {
		return cl, nil
	}
	p, err := s.repo.GetProduct(ctx, line.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return cl, nil
	}
	if err != nil {
		return cart.Line{}, mapStoreErr("import service order", err)
	}
	cl.Barcode = p.Barcode
	cl.Code = p.Code
	cl.StockTracked = p.StockTracked
	cl.OnHand = p.OnHand
	if cl.Description == "" {
		cl.Description = p.Description
	}
	return cl, nil
}
