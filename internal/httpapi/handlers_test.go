package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/service"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store/memory"
)

const testPIN = "482913"

// newTestAPI wires the seeded in-memory store through the real service and
// auth manager.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{Logger: logger})
	auth := NewAuthManager("test-secret-key", time.Hour, testPIN)
	return New(svc, auth, "*", logger)
}

func tokenFor(t *testing.T, api *API, role string) string {
	t.Helper()
	token, _, err := api.auth.IssueToken("user-"+role, role)
	require.NoError(t, err)
	return token
}

func call(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.7:5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

type saleEnvelope struct {
	Sale domain.Sale `json:"sale"`
}

type failureBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func coffeeSale(qty int64, paid string) map[string]any {
	req := map[string]any{
		"business_id":  memory.SeedBusinessID,
		"branch_id":    memory.SeedBranchID,
		"currency":     "USD",
		"payment_type": "cash",
		"items":        []map[string]any{{"product_id": "prd-coffee", "quantity": qty}},
	}
	if paid != "" {
		req["payments"] = []map[string]any{{"payment_method_id": "pm-cash", "amount": paid, "currency": "USD"}}
	}
	return req
}

func creditSale(t *testing.T, api *API, token string) domain.Sale {
	t.Helper()
	body := coffeeSale(2, "")
	body["payment_type"] = "credit"
	body["customer_id"] = "cus-bistro"
	rec := call(t, api, http.MethodPost, "/api/v1/sales", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[saleEnvelope](t, rec).Sale
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := call(t, api, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestSalesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)

	rec := call(t, api, http.MethodPost, "/api/v1/sales", "", coffeeSale(1, "11"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, api, http.MethodPost, "/api/v1/sales", "not-a-token", coffeeSale(1, "11"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, api, http.MethodPost, "/api/v1/sales", tokenFor(t, api, "auditor"), coffeeSale(1, "11"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSaleReturnsSettledSale(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier")

	rec := call(t, api, http.MethodPost, "/api/v1/sales", token, coffeeSale(2, "25"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sale := decodeBody[saleEnvelope](t, rec).Sale
	assert.True(t, sale.GrandTotal.Equal(decimal.NewFromInt(22)))
	assert.True(t, sale.ChangeAmount.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, domain.PaymentStatusPaid, sale.PaymentStatus)
	assert.Equal(t, "user-cashier", sale.CashierID)

	rec = call(t, api, http.MethodGet, "/api/v1/sales/"+sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sale.ID, decodeBody[saleEnvelope](t, rec).Sale.ID)
}

func TestCreateSaleMapsFailuresToStatus(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier")

	rec := call(t, api, http.MethodPost, "/api/v1/sales", token, coffeeSale(20, "500"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[failureBody](t, rec)
	assert.Equal(t, "insufficient_stock", body.Error)
	assert.Equal(t, "prd-coffee", body.Details["product_id"])

	rec = call(t, api, http.MethodPost, "/api/v1/sales", token, coffeeSale(2, "20"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body = decodeBody[failureBody](t, rec)
	assert.Equal(t, "payment_mismatch", body.Error)
	assert.Equal(t, "22.00", body.Details["expected"])

	bad := coffeeSale(2, "25")
	bad["payment_type"] = "barter"
	rec = call(t, api, http.MethodPost, "/api/v1/sales", token, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeBody[failureBody](t, rec).Error)

	unknown := coffeeSale(2, "25")
	unknown["surprise"] = true
	rec = call(t, api, http.MethodPost, "/api/v1/sales", token, unknown)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, api, http.MethodGet, "/api/v1/sales/sale-ghost", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[failureBody](t, rec).Error)
}

func TestPreviewDoesNotSettle(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier")

	rec := call(t, api, http.MethodPost, "/api/v1/sales/preview", token, map[string]any{
		"business_id": memory.SeedBusinessID,
		"currency":    "USD",
		"items":       []map[string]any{{"product_id": "prd-coffee", "quantity": 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Preview domain.PreviewResponse `json:"preview"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Preview.GrandTotal.Equal(decimal.NewFromInt(22)))
	require.Len(t, body.Preview.Lines, 1)
}

func TestAddPaymentSettlesCreditSale(t *testing.T) {
	api := newTestAPI(t)
	token := tokenFor(t, api, "cashier")
	sale := creditSale(t, api, token)

	payment := map[string]any{
		"payment_type": "cash",
		"payments":     []map[string]any{{"payment_method_id": "pm-cash", "amount": "22", "currency": "USD"}},
	}
	rec := call(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/payments", token, payment)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PaymentStatusPaid, decodeBody[saleEnvelope](t, rec).Sale.PaymentStatus)

	rec = call(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/payments", token, payment)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_settled", decodeBody[failureBody](t, rec).Error)
}

func TestCancelSaleRequiresAdminAndManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	cashier := tokenFor(t, api, "cashier")
	admin := tokenFor(t, api, "admin")
	sale := creditSale(t, api, cashier)
	path := "/api/v1/sales/" + sale.ID + "/cancel"

	rec := call(t, api, http.MethodPost, path, cashier, map[string]string{"reason": "void", "manager_pin": testPIN})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, api, http.MethodPost, path, admin, map[string]string{"reason": "void", "manager_pin": "000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, api, http.MethodPost, path, admin, map[string]string{"reason": "void", "manager_pin": testPIN})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[saleEnvelope](t, rec).Sale
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status)
	assert.Equal(t, "void", cancelled.CancelReason)

	rec = call(t, api, http.MethodPost, path, admin, map[string]string{"reason": "void", "manager_pin": testPIN})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_cancellable", decodeBody[failureBody](t, rec).Error)
}
