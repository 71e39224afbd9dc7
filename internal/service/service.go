package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/cache"
	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/lock"
	"pdvcaixa/backend/internal/store"
)

const (
	defaultTerminalID  = "terminal-01"
	defaultSnapshotTTL = 24 * time.Hour
	closeAttempts      = 3
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options configures a Service. Zero values fall back to an in-process
// locker, no snapshot cache and a zero divergence tolerance.
type Options struct {
	Locker              lock.Locker
	Snapshots           cache.SnapshotCache
	Discounts           domain.DiscountPolicy
	DivergenceTolerance decimal.Decimal
	SnapshotTTL         time.Duration
	TerminalID          string
	Logger              *zap.Logger
}

type Service struct {
	repo       store.Repository
	locker     lock.Locker
	snapshots  cache.SnapshotCache
	discounts  domain.DiscountPolicy
	tolerance  decimal.Decimal
	ttl        time.Duration
	terminalID string
	logger     *zap.Logger
	now        func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Snapshots == nil {
		opts.Snapshots = cache.NoopSnapshotCache{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	if opts.TerminalID == "" {
		opts.TerminalID = defaultTerminalID
	}
	if opts.DivergenceTolerance.IsNegative() {
		opts.DivergenceTolerance = decimal.Zero
	}

	return &Service{
		repo:       repo,
		locker:     opts.Locker,
		snapshots:  opts.Snapshots,
		discounts:  opts.Discounts,
		tolerance:  opts.DivergenceTolerance,
		ttl:        opts.SnapshotTTL,
		terminalID: opts.TerminalID,
		logger:     opts.Logger.Named("service"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) TerminalID() string {
	return s.terminalID
}

// withLock runs fn while holding the lease for key.
func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return domain.Persistence("lock", err)
	}
	defer release()
	return fn(ctx)
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireRole(ctx context.Context, op string, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Forbidden(op, "authentication required")
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return domain.Forbidden(op, "%s role cannot perform this action", actor.Role)
}

// mapStoreErr translates store sentinels into the domain taxonomy. Anything
// unrecognized is a persistence failure.
func mapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrNotFound):
		return domain.NotFound(op, "not found")
	case errors.Is(err, store.ErrSaleNotDraft):
		return domain.Conflict(op, "sale is no longer a draft")
	case errors.Is(err, store.ErrSaleNotFinalized):
		return domain.Conflict(op, "sale is not finalized")
	case errors.Is(err, store.ErrPaymentNotPending):
		return domain.Conflict(op, "payment can no longer change")
	case errors.Is(err, store.ErrSessionNotOpen):
		return domain.Conflict(op, "cash session is not open")
	case errors.Is(err, store.ErrSessionAlreadyOpen):
		return domain.Conflict(op, "terminal already has an open cash session")
	case errors.Is(err, store.ErrAlreadyImported):
		return domain.Conflict(op, "service order already imported into an active sale")
	case errors.Is(err, store.ErrDuplicate):
		return domain.Conflict(op, "already exists")
	case errors.Is(err, store.ErrInvalidInput):
		return domain.Validation(op, "invalid input")
	default:
		return domain.Persistence(op, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		TerminalID:    s.terminalID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// ListAuditLogs returns the entries of one day (YYYY-MM-DD, default today).
func (s *Service) ListAuditLogs(ctx context.Context, terminalID string, date string, limit int) ([]domain.AuditLog, error) {
	const op = "list audit logs"
	if err := requireRole(ctx, op, domain.RoleAdmin); err != nil {
		return nil, err
	}
	day := s.now().Truncate(24 * time.Hour)
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, domain.Validation(op, "date must be YYYY-MM-DD")
		}
		day = parsed.UTC()
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	logs, err := s.repo.ListAuditLogs(ctx, terminalID, day, day.Add(24*time.Hour), limit)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return logs, nil
}
