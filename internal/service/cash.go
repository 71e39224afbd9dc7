package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/lock"
	"pdvcaixa/backend/internal/store"
)

type OpenSessionRequest struct {
	TerminalID    string          `json:"terminal_id"`
	OpeningAmount decimal.Decimal `json:"opening_amount" validate:"gte=0"`
}

type MovementRequest struct {
	Type   domain.CashMovementType `json:"type" validate:"required,oneof=cash_in cash_out"`
	Amount decimal.Decimal         `json:"amount" validate:"gt=0"`
	Reason string                  `json:"reason"`
}

type CloseSessionRequest struct {
	Counted       decimal.Decimal `json:"counted_amount" validate:"gte=0"`
	Justification string          `json:"justification"`
}

type SessionReport struct {
	Session   *domain.CashSession      `json:"session"`
	Movements []domain.CashMovement    `json:"movements"`
	Totals    domain.CashSessionTotals `json:"totals"`
	Expected  decimal.Decimal          `json:"expected_amount"`
}

// OpenSession starts a cash session on a terminal. A terminal holds at most
// one open session.
func (s *Service) OpenSession(ctx context.Context, req OpenSessionRequest) (*domain.CashSession, error) {
	const op = "open cash session"
	terminalID := strings.TrimSpace(req.TerminalID)
	if terminalID == "" {
		terminalID = s.terminalID
	}
	opening := domain.RoundMoney(req.OpeningAmount)
	if opening.IsNegative() {
		return nil, domain.Validation(op, "opening amount must not be negative")
	}

	session, err := s.repo.OpenCashSession(ctx, domain.CashSession{
		TerminalID:    terminalID,
		OperatorID:    actorOrSystem(ctx).Username,
		OpeningAmount: opening,
		OpenedAt:      s.now(),
	})
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	s.logger.Info("cash session opened",
		zap.String("session_id", session.ID),
		zap.String("terminal_id", terminalID),
		zap.String("opening_amount", opening.StringFixed(2)),
	)
	s.logAudit(ctx, "cash_session_open", "cash_session", session.ID, "opening="+opening.StringFixed(2))
	return session, nil
}

// RecordMovement appends a sangria (cash_out) or suprimento (cash_in) to an
// open session.
func (s *Service) RecordMovement(ctx context.Context, sessionID string, req MovementRequest) (*domain.CashMovement, error) {
	const op = "record cash movement"
	if !req.Type.Valid() {
		return nil, domain.Validation(op, "unknown movement type %q", req.Type)
	}
	amount := domain.RoundMoney(req.Amount)
	if !amount.IsPositive() {
		return nil, domain.Validation(op, "amount must be greater than zero")
	}

	movement, err := s.repo.CreateCashMovement(ctx, domain.CashMovement{
		SessionID:  sessionID,
		Type:       req.Type,
		Amount:     amount,
		Reason:     strings.TrimSpace(req.Reason),
		OperatorID: actorOrSystem(ctx).Username,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	s.logAudit(ctx, "cash_movement", "cash_session", sessionID, fmt.Sprintf("type=%s,amount=%s", movement.Type, amount.StringFixed(2)))
	return movement, nil
}

// ExpectedBalance is opening + cash in - cash out + finalized sales of the
// session. A closed session reports the value frozen at close.
func (s *Service) ExpectedBalance(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	const op = "expected balance"
	session, err := s.repo.GetCashSession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, mapStoreErr(op, err)
	}
	if session.Status == domain.CashSessionClosed && session.ExpectedAmount != nil {
		return *session.ExpectedAmount, nil
	}
	totals, err := s.repo.GetCashSessionTotals(ctx, sessionID)
	if err != nil {
		return decimal.Zero, mapStoreErr(op, err)
	}
	return totals.Expected(), nil
}

// CloseSession reconciles the counted drawer against the expected balance.
// Divergence is counted - expected: positive is a surplus (sobra), negative a
// shortage (falta).
func (s *Service) CloseSession(ctx context.Context, sessionID string, req CloseSessionRequest) (*domain.CashSession, error) {
	const op = "close cash session"
	counted := domain.RoundMoney(req.Counted)
	if counted.IsNegative() {
		return nil, domain.Validation(op, "counted amount must not be negative")
	}
	justification := strings.TrimSpace(req.Justification)

	var closed *domain.CashSession
	err := s.withLock(ctx, lock.SessionKey(sessionID), func(ctx context.Context) error {
		for attempt := 1; attempt <= closeAttempts; attempt++ {
			session, err := s.repo.GetCashSession(ctx, sessionID)
			if err != nil {
				return mapStoreErr(op, err)
			}
			if session.Status != domain.CashSessionOpen {
				return domain.Conflict(op, "cash session is already closed")
			}
			totals, err := s.repo.GetCashSessionTotals(ctx, sessionID)
			if err != nil {
				return mapStoreErr(op, err)
			}
			expected := totals.Expected()
			divergence := counted.Sub(expected)
			if divergence.Abs().GreaterThan(s.tolerance) && justification == "" {
				return domain.Validation(op, "divergence of %s requires a justification", divergence.StringFixed(2))
			}

			closed, err = s.repo.CloseCashSession(ctx, store.CloseSessionInput{
				SessionID:     sessionID,
				Counted:       counted,
				Expected:      expected,
				Justification: justification,
				ClosedAt:      s.now(),
			})
			if errors.Is(err, store.ErrStaleExpected) {
				s.logger.Info("expected balance changed during close, retrying",
					zap.String("session_id", sessionID),
					zap.Int("attempt", attempt),
				)
				continue
			}
			if err != nil {
				return mapStoreErr(op, err)
			}
			return nil
		}
		return domain.Conflict(op, "cash session kept changing while closing, try again")
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("expected", closed.ExpectedAmount.StringFixed(2)),
		zap.String("counted", counted.StringFixed(2)),
		zap.String("divergence", closed.Divergence.StringFixed(2)),
	}
	if closed.Divergence.IsZero() {
		s.logger.Info("cash session closed", fields...)
	} else {
		s.logger.Warn("cash session closed with divergence", fields...)
	}
	s.logAudit(ctx, "cash_session_close", "cash_session", sessionID, fmt.Sprintf("expected=%s,counted=%s,divergence=%s", closed.ExpectedAmount.StringFixed(2), counted.StringFixed(2), closed.Divergence.StringFixed(2)))
	return closed, nil
}

// ActiveSession returns the open session of a terminal, defaulting to the
// service's own terminal.
func (s *Service) ActiveSession(ctx context.Context, terminalID string) (*domain.CashSession, error) {
	const op = "active cash session"
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		terminalID = s.terminalID
	}
	session, err := s.repo.GetOpenCashSession(ctx, terminalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "no open cash session on terminal %s", terminalID)
	}
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return session, nil
}

func (s *Service) SessionReport(ctx context.Context, sessionID string) (SessionReport, error) {
	const op = "cash session report"
	session, err := s.repo.GetCashSession(ctx, sessionID)
	if err != nil {
		return SessionReport{}, mapStoreErr(op, err)
	}
	movements, err := s.repo.ListCashMovements(ctx, sessionID)
	if err != nil {
		return SessionReport{}, mapStoreErr(op, err)
	}
	totals, err := s.repo.GetCashSessionTotals(ctx, sessionID)
	if err != nil {
		return SessionReport{}, mapStoreErr(op, err)
	}
	expected := totals.Expected()
	if session.Status == domain.CashSessionClosed && session.ExpectedAmount != nil {
		expected = *session.ExpectedAmount
	}
	return SessionReport{Session: session, Movements: movements, Totals: totals, Expected: expected}, nil
}

// resolveOpenSession loads the session a sale is attributed to. It must be
// open.
func (s *Service) resolveOpenSession(ctx context.Context, op string, sessionID string) (*domain.CashSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.Validation(op, "cash session id is required")
	}

	session, err := s.repo.GetCashSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Conflict(op, "cash session %s does not exist", sessionID)
	}
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	if session.Status != domain.CashSessionOpen {
		return nil, domain.Conflict(op, "cash session is not open")
	}
	return session, nil
}
