package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pdvcaixa/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	req.Header.Set("Origin", "http://127.0.0.1:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://127.0.0.1:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	body := domain.LoginRequest{Username: "admin", Password: "wrong-pass"}

	for i := 0; i < 6; i++ {
		rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", body)
		if i < 5 {
			require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "attempt %d", i+1)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", maxBodyBytes+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownJSONFieldsRejected(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", `{"username":"admin","password":"admin123","role":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")
	body := map[string]string{"reason": "test", "manager_pin": "000000"}

	for i := 0; i < 9; i++ {
		rec := doJSON(t, api, http.MethodPost, "/api/v1/sales/sale-missing/void", token, body)
		if i < 8 {
			require.Equal(t, http.StatusForbidden, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "attempt %d", i+1)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/sales/any", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/any", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Validation("op", "bad"), http.StatusBadRequest},
		{domain.NotFound("op", "missing"), http.StatusNotFound},
		{domain.Conflict("op", "busy"), http.StatusConflict},
		{domain.BusinessRule("op", "rule"), http.StatusUnprocessableEntity},
		{domain.Forbidden("op", "no"), http.StatusForbidden},
		{domain.Persistence("op", errors.New("db down")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", domain.Conflict("op", "busy")), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	api := &API{logger: zaptest.NewLogger(t)}

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	api.writeError(c, domain.Persistence("finalize sale", errors.New("pq: relation sales does not exist")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "relation")

	rec = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(rec)
	api.writeError(c, domain.BusinessRule("add payment", "sale is already fully paid"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "sale is already fully paid")
}

func TestParsePositiveLimitCaps(t *testing.T) {
	assert.Equal(t, 200, parsePositiveLimit("9999", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("invalid", 50, 200))
}
