package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/service"
	"pdvcaixa/backend/internal/store/memory"
)

const testManagerPIN = "482916"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTestAPI wires a seeded memory store, a real AuthManager and a real
// Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	logger := zaptest.NewLogger(t)

	repo := memory.NewSeeded(logger)
	svc := service.New(repo, service.Options{
		Discounts: domain.DiscountPolicy{
			Default: decimal.NewFromInt(5),
			ByRole: map[string]decimal.Decimal{
				domain.RoleMember: decimal.NewFromInt(10),
				domain.RoleAdmin:  decimal.NewFromInt(100),
			},
		},
		TerminalID: "T1",
		Logger:     logger,
	})
	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN, repo, logger)
	return New(svc, auth, Options{AllowedOrigin: "http://127.0.0.1:3000", Logger: logger})
}

func doJSON(t *testing.T, api *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func assertMoney(t *testing.T, want string, got any) {
	t.Helper()
	s, ok := got.(string)
	require.True(t, ok, "expected a decimal string, got %#v", got)
	assert.True(t, decimal.RequireFromString(want).Equal(decimal.RequireFromString(s)), "want %s got %s", want, s)
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()
	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func openSession(t *testing.T, api *API, token string, opening string) string {
	t.Helper()
	rec := doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions", token, map[string]any{"opening_amount": opening})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := obj(decodeBody(t, rec)["session"])["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func cartBody(sessionID string) map[string]any {
	return map[string]any{
		"cash_session_id": sessionID,
		"cart": map[string]any{
			"lines": []map[string]any{
				{"product_id": "prod-0003", "quantity": "2", "discount_percent": "10"},
			},
			"sale_discount": "5",
		},
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestHandleLogin(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")
	assert.NotEmpty(t, token)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]any{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "member", "member123")
	sessionID := openSession(t, api, token, "100")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, cartBody(sessionID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := obj(decodeBody(t, rec)["sale"])
	saleID, _ := sale["id"].(string)
	require.NotEmpty(t, saleID)
	assertMoney(t, "85", sale["total"])

	// saving the same cart again changes nothing
	rec = doJSON(t, api, http.MethodPut, "/api/v1/sales/"+saleID+"/items", token, cartBody(sessionID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertMoney(t, "85", obj(decodeBody(t, rec)["sale"])["total"])

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+saleID+"/receipt", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "cash", "amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody(t, rec)
	assert.Equal(t, true, paid["finalized"])
	assert.Equal(t, string(domain.SaleStatusFinalized), paid["status"])
	assertMoney(t, "15", paid["change"])
	assertMoney(t, "0", paid["remaining"])

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+saleID+"/receipt", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeBody(t, rec)
	assertMoney(t, "85", receipt["paid_total"])
	assertMoney(t, "15", receipt["change"])

	rec = doJSON(t, api, http.MethodPut, "/api/v1/sales/"+saleID+"/items", token, cartBody(sessionID))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "pix", "amount": "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/api/v1/cash-sessions/"+sessionID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	expected, _ := decodeBody(t, rec)["expected_amount"].(string)
	assertMoney(t, "185", expected)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/"+sessionID+"/close", token, map[string]any{"counted_amount": expected})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := obj(decodeBody(t, rec)["session"])
	assert.Equal(t, string(domain.CashSessionClosed), closed["status"])
	assertMoney(t, "0", closed["divergence"])
}

func TestCreateSaleFallsBackToTerminalSession(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "member", "member123")
	body := cartBody("")
	delete(body, "cash_session_id")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doJSON(t, api, http.MethodPost, "/api/v1/service-orders/os-1001/import", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	sessionID := openSession(t, api, token, "0")
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, sessionID, obj(decodeBody(t, rec)["sale"])["cash_session_id"])

	rec = doJSON(t, api, http.MethodPost, "/api/v1/service-orders/os-1001/import", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, sessionID, obj(decodeBody(t, rec)["sale"])["cash_session_id"])
}

func TestCashMovementsAndDivergence(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")
	sessionID := openSession(t, api, token, "200")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/cash-sessions/active?terminal_id=T1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertMoney(t, "200", decodeBody(t, rec)["expected_amount"])

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/"+sessionID+"/movements", token, map[string]any{"type": "cash_out", "amount": "50", "reason": "sangria"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/"+sessionID+"/movements", token, map[string]any{"type": "refund", "amount": "50"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/"+sessionID+"/close", token, map[string]any{"counted_amount": "140"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "divergence without justification")

	rec = doJSON(t, api, http.MethodPost, "/api/v1/cash-sessions/"+sessionID+"/close", token, map[string]any{"counted_amount": "140", "justification": "troco errado"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := obj(decodeBody(t, rec)["session"])
	assertMoney(t, "150", closed["expected_amount"])
	assertMoney(t, "-10", closed["divergence"])

	rec = doJSON(t, api, http.MethodGet, "/api/v1/cash-sessions/active?terminal_id=T1", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentValidationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "member", "member123")
	sessionID := openSession(t, api, token, "0")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, cartBody(sessionID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saleID, _ := obj(decodeBody(t, rec)["sale"])["id"].(string)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "cash", "amount": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "gt", obj(decodeBody(t, rec)["fields"])["amount"])

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "bitcoin", "amount": "10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "debit", "amount": "10", "installments": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "pix", "amount": "90"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "non-cash overpay")

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/finalize", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "finalize without payments")

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", token, map[string]any{"tender": "credit", "amount": "40", "installments": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	partial := decodeBody(t, rec)
	assert.Equal(t, false, partial["finalized"])
	assertMoney(t, "45", partial["remaining"])
	paymentID, _ := obj(partial["payment"])["id"].(string)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/finalize", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "finalize with balance outstanding")

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments/"+paymentID+"/void", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, api, http.MethodGet, "/api/v1/sales/"+saleID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertMoney(t, "85", decodeBody(t, rec)["remaining"])
}

func TestCancelAndVoidSale(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	cashier := login(t, api, "cashier", "cashier123")
	sessionID := openSession(t, api, cashier, "0")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, cartBody(sessionID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draftID, _ := obj(decodeBody(t, rec)["sale"])["id"].(string)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+draftID+"/cancel", cashier, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason required")

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+draftID+"/cancel", cashier, map[string]any{"reason": "cliente desistiu"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.SaleStatusCanceled), obj(decodeBody(t, rec)["sale"])["status"])

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", cashier, cartBody(sessionID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saleID, _ := obj(decodeBody(t, rec)["sale"])["id"].(string)
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/payments", cashier, map[string]any{"tender": "cash", "amount": "90"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/cancel", cashier, map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code, "finalized sales are voided, not canceled")

	voidBody := map[string]any{"reason": "estorno", "manager_pin": testManagerPIN}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/void", cashier, voidBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/void", admin, map[string]any{"reason": "estorno", "manager_pin": "000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+saleID+"/void", admin, voidBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.SaleStatusCanceled), obj(decodeBody(t, rec)["sale"])["status"])
}

func TestImportServiceOrderOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")
	sessionID := openSession(t, api, token, "0")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/service-orders/os-1001/import", token, map[string]any{"cash_session_id": sessionID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := obj(decodeBody(t, rec)["sale"])
	assertMoney(t, "420", sale["total"])
	assert.Equal(t, string(domain.SaleOriginServiceOrder), sale["origin"])

	rec = doJSON(t, api, http.MethodPost, "/api/v1/service-orders/os-1001/import", token, map[string]any{"cash_session_id": sessionID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/service-orders/os-9999/import", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchProductsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/catalog/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/api/v1/catalog/products?term=7891000000035&field=barcode", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	products, _ := decodeBody(t, rec)["products"].([]any)
	require.Len(t, products, 1)
	assert.Equal(t, "prod-0003", obj(products[0])["id"])

	rec = doJSON(t, api, http.MethodGet, "/api/v1/catalog/products?term=x&field=color", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	cashier := login(t, api, "cashier", "cashier123")
	openSession(t, api, cashier, "10")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", cashier, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs?terminal_id=T1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	logs, _ := decodeBody(t, rec)["audit_logs"].([]any)
	assert.NotEmpty(t, logs)

	rec = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs?date=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/users", admin, map[string]any{"username": "novocaixa", "password": "segredo1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, domain.RoleCashier, obj(decodeBody(t, rec)["user"])["role"])

	rec = doJSON(t, api, http.MethodPost, "/api/v1/users", admin, map[string]any{"username": "novocaixa", "password": "segredo1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, api, http.MethodGet, "/api/v1/users", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users, _ := decodeBody(t, rec)["users"].([]any)
	assert.Len(t, users, 4)

	assert.NotEmpty(t, login(t, api, "novocaixa", "segredo1"))
}
