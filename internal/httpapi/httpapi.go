package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/service"
)

const (
	defaultLoginRate = "5-M"
	managerPINRate   = "8-M"
)

type Options struct {
	AllowedOrigin string
	// LoginRate uses the limiter format, e.g. "5-M" for five per minute.
	LoginRate string
	// LimiterStore backs the login and manager PIN limiters. Defaults to an
	// in-process store.
	LimiterStore limiter.Store
	Logger       *zap.Logger
}

type API struct {
	service      *service.Service
	auth         *AuthManager
	loginLimiter *limiter.Limiter
	pinLimiter   *limiter.Limiter
	logger       *zap.Logger
	engine       *gin.Engine
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	store := opts.LimiterStore
	if store == nil {
		store = memory.NewStore()
	}
	loginRate, err := limiter.NewRateFromFormatted(opts.LoginRate)
	if err != nil {
		if opts.LoginRate != "" {
			logger.Warn("invalid login rate, using default", zap.String("rate", opts.LoginRate), zap.Error(err))
		}
		loginRate, _ = limiter.NewRateFromFormatted(defaultLoginRate)
	}
	pinRate, _ := limiter.NewRateFromFormatted(managerPINRate)

	a := &API{
		service:      svc,
		auth:         auth,
		loginLimiter: limiter.New(store, loginRate),
		pinLimiter:   limiter.New(store, pinRate),
		logger:       logger,
	}
	a.engine = a.routes(strings.TrimSpace(opts.AllowedOrigin))
	return a
}

func (a *API) Handler() http.Handler {
	return a.engine
}

func (a *API) routes(allowedOrigin string) *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies(nil)
	r.Use(requestID(), recovery(a.logger), requestLogger(a.logger), securityHeaders())
	if allowedOrigin != "" {
		cfg := cors.Config{
			AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
			ExposeHeaders: []string{requestIDHeader},
			MaxAge:        12 * time.Hour,
		}
		if allowedOrigin == "*" {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = []string{allowedOrigin}
		}
		r.Use(cors.New(cfg))
	}

	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", a.rateLimit(a.loginLimiter, "login", "too many login attempts"), a.handleLogin)

	staff := v1.Group("", a.requireAuth(domain.RoleCashier, domain.RoleMember, domain.RoleAdmin))
	staff.GET("/catalog/products", a.handleSearchProducts)

	staff.POST("/cash-sessions", a.handleOpenSession)
	staff.GET("/cash-sessions/active", a.handleActiveSession)
	staff.GET("/cash-sessions/:id", a.handleSessionReport)
	staff.POST("/cash-sessions/:id/movements", a.handleRecordMovement)
	staff.POST("/cash-sessions/:id/close", a.handleCloseSession)

	staff.POST("/sales", a.handleCreateSale)
	staff.GET("/sales/:id", a.handleGetSale)
	staff.PUT("/sales/:id/items", a.handleUpdateSale)
	staff.GET("/sales/:id/receipt", a.handleReceipt)
	staff.POST("/sales/:id/payments", a.handleAddPayment)
	staff.POST("/sales/:id/payments/:paymentId/void", a.handleVoidPayment)
	staff.POST("/sales/:id/finalize", a.handleFinalize)
	staff.POST("/sales/:id/cancel", a.handleCancelSale)

	staff.POST("/service-orders/:id/import", a.handleImportServiceOrder)

	admin := v1.Group("", a.requireAuth(domain.RoleAdmin))
	admin.POST("/sales/:id/void", a.handleVoidSale)
	admin.GET("/audit-logs", a.handleAuditLogs)
	admin.GET("/users", a.handleListUsers)
	admin.POST("/users", a.handleCreateUser)

	return r
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	var req domain.LoginRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) || errors.Is(err, errInactiveAccount) {
			writeStatus(c, http.StatusUnauthorized, err.Error())
			return
		}
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleSearchProducts(c *gin.Context) {
	field := domain.SearchField(strings.TrimSpace(c.Query("field")))
	limit := parsePositiveLimit(c.Query("limit"), 20, 100)
	products, err := a.service.SearchProducts(c.Request.Context(), c.Query("term"), field, limit)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleOpenSession(c *gin.Context) {
	var req service.OpenSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	session, err := a.service.OpenSession(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (a *API) handleActiveSession(c *gin.Context) {
	session, err := a.service.ActiveSession(c.Request.Context(), c.Query("terminal_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	expected, err := a.service.ExpectedBalance(c.Request.Context(), session.ID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "expected_amount": expected})
}

func (a *API) handleSessionReport(c *gin.Context) {
	report, err := a.service.SessionReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleRecordMovement(c *gin.Context) {
	var req service.MovementRequest
	if !bindAndValidate(c, &req) {
		return
	}
	movement, err := a.service.RecordMovement(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"movement": movement})
}

func (a *API) handleCloseSession(c *gin.Context) {
	var req service.CloseSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	session, err := a.service.CloseSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (a *API) handleCreateSale(c *gin.Context) {
	var req service.SaveCartRequest
	if !bindAndValidate(c, &req) {
		return
	}
	sessionID, err := a.sessionOrActive(c, "save cart", req.SessionID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	req.SessionID = sessionID
	res, err := a.service.SaveCart(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (a *API) handleUpdateSale(c *gin.Context) {
	var req service.SaveCartRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.SaleID = c.Param("id")
	res, err := a.service.SaveCart(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) handleGetSale(c *gin.Context) {
	sale, err := a.service.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sale":      sale,
		"remaining": floorZero(sale.Remaining()),
	})
}

func (a *API) handleReceipt(c *gin.Context) {
	snap, err := a.service.SaleSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if snap.Status != domain.SaleStatusFinalized {
		writeStatus(c, http.StatusConflict, "receipt is only available for finalized sales")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) handleAddPayment(c *gin.Context) {
	var req service.PaymentRequest
	if !bindAndValidate(c, &req) {
		return
	}
	res, err := a.service.AddPayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (a *API) handleVoidPayment(c *gin.Context) {
	payment, err := a.service.VoidPayment(c.Request.Context(), c.Param("id"), c.Param("paymentId"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func (a *API) handleFinalize(c *gin.Context) {
	var req service.FinalizeRequest
	if !bindOptional(c, &req) {
		return
	}
	out, err := a.service.FinalizeSale(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (a *API) handleCancelSale(c *gin.Context) {
	var req cancelRequest
	if !bindAndValidate(c, &req) {
		return
	}
	sale, err := a.service.CancelSale(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

type voidSaleRequest struct {
	Reason     string `json:"reason" validate:"required"`
	ManagerPIN string `json:"manager_pin" validate:"required"`
}

func (a *API) handleVoidSale(c *gin.Context) {
	var req voidSaleRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if !a.allow(c, a.pinLimiter, "pin:void", "too many manager pin attempts") {
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		a.logger.Warn("invalid manager pin", zap.String("username", actorFrom(c).Username), zap.String("sale_id", c.Param("id")))
		writeStatus(c, http.StatusForbidden, "invalid manager pin")
		return
	}
	sale, err := a.service.VoidSale(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

type importRequest struct {
	SessionID string `json:"cash_session_id"`
}

func (a *API) handleImportServiceOrder(c *gin.Context) {
	var req importRequest
	if !bindOptional(c, &req) {
		return
	}
	sessionID, err := a.sessionOrActive(c, "import service order", req.SessionID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	sale, err := a.service.ImportServiceOrder(c.Request.Context(), c.Param("id"), sessionID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sale": sale})
}

// sessionOrActive lets clients omit cash_session_id; the open session of this
// terminal is used instead.
func (a *API) sessionOrActive(c *gin.Context, op string, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) != "" {
		return sessionID, nil
	}
	session, err := a.service.ActiveSession(c.Request.Context(), a.service.TerminalID())
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.Conflict(op, "no open cash session on terminal %s", a.service.TerminalID())
	}
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

func (a *API) handleAuditLogs(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 200, 1000)
	logs, err := a.service.ListAuditLogs(c.Request.Context(), c.Query("terminal_id"), c.Query("date"), limit)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

func (a *API) handleListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": a.auth.ListUsers(c.Request.Context())})
}

func (a *API) handleCreateUser(c *gin.Context) {
	var req domain.UserCreateRequest
	if !bindAndValidate(c, &req) {
		return
	}
	user, err := a.auth.CreateUser(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindPersistence:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// writeError renders err with its mapped status. 5xx bodies are generic and
// the cause is only logged.
func (a *API) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Int("status", status),
			zap.Error(err),
		)
		msg := "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "service temporarily unavailable"
		}
		writeStatus(c, status, msg)
		return
	}
	writeStatus(c, status, domain.Message(err))
}

func writeStatus(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
