package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
)

func TestSecurityHeadersAndPreflight(t *testing.T) {
	api := newTestAPI(t)

	rec := call(t, api, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Headers"))

	rec = call(t, api, http.MethodOptions, "/api/v1/sales", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	api := newTestAPI(t)

	rec := call(t, api, http.MethodGet, "/api/v1/transactions", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRequestBodyIsCapped(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier")

	huge := fmt.Sprintf(`{"business_id":"biz-main","notes":"%s"}`, strings.Repeat("x", 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewBufferString(huge))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManagerPINAttemptsAreRateLimited(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "admin")
	body := map[string]string{"reason": "guess", "manager_pin": "000000"}

	for i := 0; i < 8; i++ {
		rec := call(t, api, http.MethodPost, "/api/v1/sales/sale-ghost/cancel", token, body)
		require.Equal(t, http.StatusForbidden, rec.Code, "attempt %d", i+1)
	}
	rec := call(t, api, http.MethodPost, "/api/v1/sales/sale-ghost/cancel", token, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAttemptLimiterWindowExpires(t *testing.T) {
	limiter := newAttemptLimiter(2, 20*time.Millisecond)

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, limiter.Allow("10.0.0.1"))

	var disabled *attemptLimiter
	assert.True(t, disabled.Allow("anyone"))
}

func TestClientKeyStripsPort(t *testing.T) {
	cases := map[string]string{
		"10.1.2.3:4455":    "10.1.2.3",
		"[2001:db8::1]:80": "2001:db8::1",
		"":                 "unknown",
		"gateway":          "gateway",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		assert.Equal(t, want, clientKey(req), remote)
	}
}

func TestFailureStatusMapping(t *testing.T) {
	cases := []struct {
		kind error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrAlreadySettled, http.StatusConflict},
		{domain.ErrNotCancellable, http.StatusConflict},
		{domain.ErrIntegrity, http.StatusInternalServerError},
		{domain.ErrInsufficientStock, http.StatusUnprocessableEntity},
		{domain.ErrMissingExchangeRate, http.StatusUnprocessableEntity},
		{domain.ErrPaymentMismatch, http.StatusUnprocessableEntity},
		{domain.ErrCreditLimitExceeded, http.StatusUnprocessableEntity},
		{domain.ErrCustomerRequired, http.StatusUnprocessableEntity},
		{domain.ErrBaseTotalMismatch, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, failureStatus(domain.Fail(tc.kind, "x")), tc.kind.Error())
	}
}

func TestWriteFailureHidesInternalErrors(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", nil)

	rec := httptest.NewRecorder()
	api.writeFailure(rec, req, domain.Fail(domain.ErrIntegrity, "ledger drifted", "sale_id", "s-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[failureBody](t, rec)
	assert.Equal(t, "internal server error", body.Message)
	assert.Empty(t, body.Details)

	rec = httptest.NewRecorder()
	api.writeFailure(rec, req, errors.New("dial tcp: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	api.writeFailure(rec, req, fmt.Errorf("insert sale: %w", store.ErrConflict))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[failureBody](t, rec).Error)
}
