package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/config"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/service"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
)

const moduleName = "httpapi"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	logger        *logrus.Logger
	now           func() time.Time
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *logrus.Logger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logger,
		now:           time.Now,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records one attempt for key and reports whether it is still within
// the window budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: a.logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(a.withSecurityHeaders)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1/sales", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))
			r.Post("/", a.handleCreateSale)
			r.Post("/preview", a.handlePreview)
			r.Get("/{saleID}", a.handleGetSale)
			r.Post("/{saleID}/payments", a.handleAddPayment)
		})
		r.With(a.requireAuth("admin")).Post("/{saleID}/cancel", a.handleCancelSale)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) exec(r *http.Request) domain.ExecContext {
	return service.ExecFromContext(r.Context(), a.now())
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ec := a.exec(r)
	ec.BusinessID = req.BusinessID
	ec.BranchID = req.BranchID
	sale, err := a.service.CreateSale(r.Context(), ec, req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req domain.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ec := a.exec(r)
	ec.BusinessID = req.BusinessID
	preview, err := a.service.PreviewTotals(r.Context(), ec, req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preview": preview})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

type addPaymentBody struct {
	PaymentType string                  `json:"payment_type"`
	Payments    []domain.PaymentRequest `json:"payments"`
}

func (a *API) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var body addPaymentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.AddPayment(r.Context(), a.exec(r), domain.AddPaymentRequest{
		SaleID:      chi.URLParam(r, "saleID"),
		PaymentType: body.PaymentType,
		Payments:    body.Payments,
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

type cancelBody struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}

	var body cancelBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.auth.ValidateManagerPIN(body.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("manager PIN is invalid"))
		return
	}

	sale, err := a.service.CancelSale(r.Context(), a.exec(r), domain.CancelSaleRequest{
		SaleID:     chi.URLParam(r, "saleID"),
		Reason:     body.Reason,
		ManagerPIN: body.ManagerPIN,
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

// failureStatus maps a failure kind onto its HTTP status. Business-rule
// rejections are 422 unless they describe a state conflict.
func failureStatus(f *domain.Failure) int {
	switch {
	case errors.Is(f, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(f, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(f, domain.ErrAlreadySettled), errors.Is(f, domain.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(f, domain.ErrIntegrity):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if f, ok := domain.AsFailure(err); ok {
		status := failureStatus(f)
		if status >= 500 {
			config.LogError(a.logger, moduleName, "writeFailure", r.Method+" "+r.URL.Path, nil, err)
			writeJSON(w, status, map[string]any{"error": f.Label(), "message": "internal server error"})
			return
		}
		payload := map[string]any{"error": f.Label(), "message": f.Message}
		if len(f.Details) > 0 {
			payload["details"] = f.Details
		}
		writeJSON(w, status, payload)
		return
	}

	if errors.Is(err, store.ErrConflict) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict", "message": "request conflicts with a concurrent submission, retry"})
		return
	}

	config.LogError(a.logger, moduleName, "writeFailure", r.Method+" "+r.URL.Path, nil, err)
	writeError(w, http.StatusInternalServerError, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry the underlying error text.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
