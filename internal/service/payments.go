package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/lock"
	"pdvcaixa/backend/internal/store"
)

type PaymentRequest struct {
	Tender       domain.TenderType `json:"tender" validate:"required"`
	Amount       decimal.Decimal   `json:"amount" validate:"gt=0"`
	Installments int               `json:"installments" validate:"gte=0,lte=12"`
	InterestRate decimal.Decimal   `json:"interest_rate" validate:"gte=0"`
	// Cart, when present, is reconciled into the sale before the payment is
	// recorded.
	Cart *CartInput `json:"cart,omitempty"`
}

// PaymentResult tells the caller what happened so it can decide downstream
// effects such as printing a receipt.
type PaymentResult struct {
	Payment    *domain.Payment          `json:"payment"`
	Sale       *domain.Sale             `json:"sale"`
	Status     domain.SaleStatus        `json:"status"`
	Remaining  decimal.Decimal          `json:"remaining"`
	Change     decimal.Decimal          `json:"change"`
	Finalized  bool                     `json:"finalized"`
	Shortfalls []domain.StockAdjustment `json:"-"`
}

type FinalizeRequest struct {
	Cart *CartInput `json:"cart,omitempty"`
}

type FinalizeOutcome struct {
	Sale       *domain.Sale             `json:"sale"`
	Finalized  bool                     `json:"finalized"`
	Shortfalls []domain.StockAdjustment `json:"-"`
}

func validatePayment(req *PaymentRequest) error {
	const op = "add payment"
	if !req.Tender.Valid() {
		return domain.Validation(op, "unknown tender %q", req.Tender)
	}
	req.Amount = domain.RoundMoney(req.Amount)
	if !req.Amount.IsPositive() {
		return domain.Validation(op, "amount must be greater than zero")
	}
	if req.Tender == domain.TenderCredit {
		if req.Installments == 0 {
			req.Installments = 1
		}
		if req.Installments < 1 || req.Installments > domain.MaxInstallments {
			return domain.Validation(op, "installments must be between 1 and %d", domain.MaxInstallments)
		}
		if req.InterestRate.IsNegative() {
			return domain.Validation(op, "interest rate must not be negative")
		}
		return nil
	}
	if req.Installments > 1 {
		return domain.Validation(op, "only credit payments accept installments")
	}
	if !req.InterestRate.IsZero() {
		return domain.Validation(op, "only credit payments accept an interest rate")
	}
	req.Installments = 0
	return nil
}

// AddPayment records a tender against a draft sale and finalizes the sale when
// it becomes fully paid.
func (s *Service) AddPayment(ctx context.Context, saleID string, req PaymentRequest) (PaymentResult, error) {
	const op = "add payment"
	if err := validatePayment(&req); err != nil {
		return PaymentResult{}, err
	}

	var result PaymentResult
	err := s.withLock(ctx, lock.SaleKey(saleID), func(ctx context.Context) error {
		sale, err := s.loadDraft(ctx, op, saleID)
		if err != nil {
			return err
		}
		if req.Cart != nil {
			if sale, err = s.applyCart(ctx, sale, *req.Cart); err != nil {
				return err
			}
		}

		remaining := sale.Remaining()
		if !remaining.IsPositive() {
			if sale.ConfirmedPaymentCount() > 0 {
				if _, err := s.finalizeLocked(ctx, saleID, false); err != nil {
					return err
				}
			}
			return domain.BusinessRule(op, "sale is already fully paid")
		}
		change := decimal.Zero
		if req.Amount.GreaterThan(remaining) {
			if req.Tender != domain.TenderCash {
				return domain.BusinessRule(op, "%s payment of %s exceeds the remaining %s", req.Tender, req.Amount.StringFixed(2), remaining.StringFixed(2))
			}
			change = req.Amount.Sub(remaining)
		}

		pending, err := s.repo.CreatePayment(ctx, domain.Payment{
			SaleID:       saleID,
			Tender:       req.Tender,
			Amount:       req.Amount,
			Change:       change,
			Installments: req.Installments,
			InterestRate: req.InterestRate,
			CreatedAt:    s.now(),
		})
		if err != nil {
			return mapStoreErr(op, err)
		}
		confirmed, err := s.repo.ConfirmPayment(ctx, saleID, pending.ID, s.now())
		if err != nil {
			return mapStoreErr(op, err)
		}
		s.logAudit(ctx, "payment_confirm", "sale", saleID, fmt.Sprintf("tender=%s,amount=%s,change=%s", confirmed.Tender, confirmed.Amount.StringFixed(2), confirmed.Change.StringFixed(2)))

		outcome, err := s.finalizeLocked(ctx, saleID, false)
		if err != nil {
			return err
		}
		result = PaymentResult{
			Payment:    confirmed,
			Sale:       outcome.Sale,
			Status:     outcome.Sale.Status,
			Remaining:  floorZero(outcome.Sale.Remaining()),
			Change:     confirmed.Change,
			Finalized:  outcome.Finalized,
			Shortfalls: outcome.Shortfalls,
		}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	return result, nil
}

// RemainingBalance is total minus the applied amount of confirmed payments,
// floored at zero.
func (s *Service) RemainingBalance(ctx context.Context, saleID string) (decimal.Decimal, error) {
	sale, err := s.GetSale(ctx, saleID)
	if err != nil {
		return decimal.Zero, err
	}
	return floorZero(sale.Remaining()), nil
}

// MaybeAutoFinalize finalizes the sale when its confirmed payments cover the
// total. A sale that is not fully paid yet is returned unchanged.
func (s *Service) MaybeAutoFinalize(ctx context.Context, saleID string) (FinalizeOutcome, error) {
	var out FinalizeOutcome
	err := s.withLock(ctx, lock.SaleKey(saleID), func(ctx context.Context) error {
		var err error
		out, err = s.finalizeLocked(ctx, saleID, false)
		return err
	})
	return out, err
}

// FinalizeSale is an explicit finalize request. Unlike MaybeAutoFinalize an
// outstanding balance is an error.
func (s *Service) FinalizeSale(ctx context.Context, saleID string, req FinalizeRequest) (FinalizeOutcome, error) {
	var out FinalizeOutcome
	err := s.withLock(ctx, lock.SaleKey(saleID), func(ctx context.Context) error {
		if req.Cart != nil {
			sale, err := s.repo.GetSale(ctx, saleID)
			if err != nil {
				return mapStoreErr("finalize sale", err)
			}
			if sale.Status == domain.SaleStatusDraft {
				if _, err := s.applyCart(ctx, sale, *req.Cart); err != nil {
					return err
				}
			}
		}
		var err error
		out, err = s.finalizeLocked(ctx, saleID, true)
		return err
	})
	return out, err
}

// finalizeLocked performs the draft to finalized transition. Callers hold
// the sale lock. Observing an already finalized sale is a no-op.
func (s *Service) finalizeLocked(ctx context.Context, saleID string, explicit bool) (FinalizeOutcome, error) {
	const op = "finalize sale"
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return FinalizeOutcome{}, mapStoreErr(op, err)
	}

	switch sale.Status {
	case domain.SaleStatusFinalized:
		s.logger.Info("sale already finalized", zap.String("sale_id", saleID))
		return FinalizeOutcome{Sale: sale}, nil
	case domain.SaleStatusCanceled:
		return FinalizeOutcome{}, domain.Conflict(op, "sale %d is canceled", sale.Number)
	}

	if sale.ConfirmedPaymentCount() == 0 {
		return FinalizeOutcome{}, domain.BusinessRule(op, "sale has no confirmed payments")
	}
	if remaining := sale.Remaining(); remaining.IsPositive() {
		if !explicit {
			return FinalizeOutcome{Sale: sale}, nil
		}
		return FinalizeOutcome{}, domain.BusinessRule(op, "sale still has %s outstanding", remaining.StringFixed(2))
	}

	res, err := s.repo.FinalizeSale(ctx, saleID, s.now())
	if err != nil {
		return FinalizeOutcome{}, mapStoreErr(op, err)
	}
	if !res.Finalized {
		s.logger.Info("sale finalized concurrently", zap.String("sale_id", saleID))
		if res.Sale.Status == domain.SaleStatusCanceled {
			return FinalizeOutcome{}, domain.Conflict(op, "sale %d is canceled", res.Sale.Number)
		}
		return FinalizeOutcome{Sale: res.Sale}, nil
	}

	s.afterFinalize(ctx, res)
	return FinalizeOutcome{Sale: res.Sale, Finalized: true, Shortfalls: res.Shortfalls}, nil
}

// afterFinalize runs the best-effort effects of a finalization. Failures are
// logged and never undo the sale.
func (s *Service) afterFinalize(ctx context.Context, res store.FinalizeResult) {
	sale := res.Sale
	for _, short := range res.Shortfalls {
		s.logger.Warn("stock shortfall at finalization, on-hand clamped at zero",
			zap.String("sale_id", sale.ID),
			zap.String("product_id", short.ProductID),
			zap.String("missing", short.Quantity.String()),
		)
	}

	if sale.ServiceOrderID != "" {
		if err := s.repo.MarkServiceOrderInvoiced(ctx, sale.ServiceOrderID, s.now()); err != nil {
			s.logger.Warn("failed to mark service order invoiced",
				zap.String("service_order_id", sale.ServiceOrderID),
				zap.String("sale_id", sale.ID),
				zap.Error(err),
			)
		}
	}

	s.cacheSnapshot(ctx, snapshotOf(sale))
	s.logger.Info("sale finalized",
		zap.String("sale_id", sale.ID),
		zap.Int64("number", sale.Number),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.String("cash_session_id", sale.CashSessionID),
	)
	s.logAudit(ctx, "sale_finalize", "sale", sale.ID, fmt.Sprintf("number=%d,total=%s,paid=%s", sale.Number, sale.Total.StringFixed(2), sale.PaidTotal.StringFixed(2)))
}

// VoidPayment cancels a payment of a draft sale.
func (s *Service) VoidPayment(ctx context.Context, saleID string, paymentID string) (*domain.Payment, error) {
	const op = "void payment"
	var voided *domain.Payment
	err := s.withLock(ctx, lock.SaleKey(saleID), func(ctx context.Context) error {
		p, err := s.repo.VoidPayment(ctx, saleID, paymentID, s.now())
		if errors.Is(err, store.ErrPaymentNotPending) {
			return domain.Conflict(op, "payment is already voided")
		}
		if err != nil {
			return mapStoreErr(op, err)
		}
		voided = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "payment_void", "sale", saleID, "payment="+paymentID)
	return voided, nil
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
