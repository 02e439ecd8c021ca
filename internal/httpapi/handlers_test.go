package httpapi

import (
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
)

type testServer struct {
	handler http.Handler
	auth    *AuthManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-pass-123")
	t.Setenv("SEED_USER_PASSWORD", "user-pass-123")

	repo := memory.New(zap.NewNop(), time.Second)
	svc := service.New(repo, cache.NoopProductCache{}, zap.NewNop())
	auth := NewAuthManager("test-secret-test-secret-test-secret", time.Hour, repo, zap.NewNop())
	api := New(svc, auth, "http://localhost:5173", zap.NewNop())
	return &testServer{handler: api.Handler(), auth: auth}
}

func (s *testServer) token(t *testing.T, role string) string {
	t.Helper()
	token, err := s.auth.sign(role, role, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createProduct(t *testing.T, admin string) int64 {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/products", admin, map[string]any{"name": "Widget", "sale_price": "12.50"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	product := decodeBody(t, rec)["product"].(map[string]any)
	return int64(product["id"].(float64))
}

func (s *testServer) purchase(t *testing.T, admin string, productID int64, qty int, cost string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/purchases", admin, map[string]any{
		"supplier": "ACME",
		"lines":    []map[string]any{{"product_id": productID, "quantity": qty, "unit_cost": cost}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestLoginWithSeededAdmin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{"username": "admin", "password": "admin-pass-123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, domain.RoleAdmin, body["role"])
	assert.NotEmpty(t, body["access_token"])

	rec = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginIsRateLimited(t *testing.T) {
	s := newTestServer(t)

	var last int
	for i := 0; i < 6; i++ {
		last = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{"username": "admin", "password": "nope"}).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/products", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserRoleCannotMaintainCatalogue(t *testing.T) {
	s := newTestServer(t)
	user := s.token(t, domain.RoleUser)

	rec := s.do(t, http.MethodPost, "/api/v1/products", user, map[string]any{"name": "Widget", "sale_price": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/purchases", user, map[string]any{"supplier": "ACME"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/products", user, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPurchaseAndSaleFlow(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)
	user := s.token(t, domain.RoleUser)
	id := s.createProduct(t, admin)

	s.purchase(t, admin, id, 10, "5.00")
	s.purchase(t, admin, id, 5, "8.00")

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/products/%d", id), user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	product := decodeBody(t, rec)["product"].(map[string]any)
	assert.Equal(t, float64(15), product["stock_quantity"])
	assert.Equal(t, "6", product["average_cost"])

	rec = s.do(t, http.MethodPost, "/api/v1/sales", user, map[string]any{
		"customer": "Jane",
		"lines":    []map[string]any{{"product_id": id, "quantity": 4, "unit_price": 10}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "40", body["total"])
	assert.Equal(t, "16", body["profit"])

	rec = s.do(t, http.MethodGet, "/api/v1/sales", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["sales"], 1)
}

func TestInsufficientStockIsConflictWithDetails(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)
	id := s.createProduct(t, admin)
	s.purchase(t, admin, id, 6, "1")

	rec := s.do(t, http.MethodPost, "/api/v1/sales", admin, map[string]any{
		"customer": "Jane",
		"lines": []map[string]any{
			{"product_id": id, "quantity": 3, "unit_price": "2"},
			{"product_id": id, "quantity": 4, "unit_price": "2"},
		},
	})

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(id), body["product_id"])
	assert.Equal(t, float64(6), body["available"])
	assert.Equal(t, float64(7), body["requested"])
	assert.Contains(t, body["detail"], "Widget")
}

func TestCancelSaleTwiceIsConflict(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)
	id := s.createProduct(t, admin)
	s.purchase(t, admin, id, 5, "1")

	rec := s.do(t, http.MethodPost, "/api/v1/sales", admin, map[string]any{
		"customer": "Jane",
		"lines":    []map[string]any{{"product_id": id, "quantity": 2, "unit_price": "3"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sale := decodeBody(t, rec)["sale"].(map[string]any)
	path := fmt.Sprintf("/api/v1/sales/%d/cancel", int64(sale["id"].(float64)))

	rec = s.do(t, http.MethodPost, path, s.token(t, domain.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["sale"].(map[string]any)["cancelled"])

	rec = s.do(t, http.MethodPost, path, admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestValidationErrorsAreBadRequest(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/v1/sales", admin, map[string]any{"customer": "Jane", "lines": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["fields"], "SaleRequest.Lines")

	rec = s.do(t, http.MethodPost, "/api/v1/products", admin, map[string]any{"name": "Widget", "sale_price": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sales/abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingResourcesAreNotFound(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/products/99", admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/purchases/99", admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/sales/99/cancel", admin, nil).Code)

	rec := s.do(t, http.MethodPost, "/api/v1/sales", admin, map[string]any{
		"customer": "Jane",
		"lines":    []map[string]any{{"product_id": 99, "quantity": 1, "unit_price": "1"}},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurchasesAndSalesAreImmutable(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)

	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodPut, "/api/v1/purchases/1", admin, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodDelete, "/api/v1/purchases/1", admin, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodPut, "/api/v1/sales/1", admin, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(t, http.MethodDelete, "/api/v1/sales/1", admin, nil).Code)
}

func TestDeleteProductInUseIsConflict(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, domain.RoleAdmin)
	id := s.createProduct(t, admin)
	s.purchase(t, admin, id, 1, "1")

	rec := s.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/products/%d", id), admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusForStorageFailure(t *testing.T) {
	err := fmt.Errorf("record sale: %w", &store.StorageError{Op: "lock products", Err: context.DeadlineExceeded})

	assert.Equal(t, http.StatusServiceUnavailable, statusFor(err))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
