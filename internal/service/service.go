package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/cache"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/config"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/credit"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/exchange"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/inventory"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/lock"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/payment"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/pricing"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
)

const moduleName = "service"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ExecFromContext builds the execution context for one operation from the
// authenticated actor and the given clock reading.
func ExecFromContext(ctx context.Context, now time.Time) domain.ExecContext {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	return domain.ExecContext{Actor: actor, Now: now.UTC()}
}

type Options struct {
	RateCache cache.RateCache
	RateTTL   time.Duration
	Guard     lock.Guard
	Logger    *logrus.Logger
}

type Service struct {
	repo       store.Repository
	resolver   *exchange.Resolver
	calculator *pricing.Calculator
	allocator  *inventory.Allocator
	reconciler *payment.Reconciler
	ledger     *credit.Ledger
	guard      lock.Guard
	validate   *validator.Validate
	logger     *logrus.Logger
}

func New(repo store.Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	guard := opts.Guard
	if guard == nil {
		guard = lock.NoopGuard{}
	}
	ttl := opts.RateTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &Service{
		repo:       repo,
		resolver:   exchange.NewResolver(repo, opts.RateCache, ttl, logger),
		calculator: pricing.NewCalculator(),
		allocator:  inventory.NewAllocator(logger),
		reconciler: payment.NewReconciler(logger),
		ledger:     credit.NewLedger(),
		guard:      guard,
		validate:   validator.New(),
		logger:     logger,
	}
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, domain.Invalid("sale id is required")
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, domain.Fail(domain.ErrNotFound, "sale not found", "sale_id", saleID)
		}
		return domain.Sale{}, fmt.Errorf("load sale %s: %w", saleID, err)
	}
	return *sale, nil
}

// PreviewTotals prices a cart exactly as settlement would, without touching
// stock, payments or the ledger.
func (s *Service) PreviewTotals(ctx context.Context, ec domain.ExecContext, req domain.PreviewRequest) (domain.PreviewResponse, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.validateStruct(req); err != nil {
		return domain.PreviewResponse{}, err
	}

	business, err := s.loadBusiness(ctx, req.BusinessID)
	if err != nil {
		return domain.PreviewResponse{}, err
	}
	products, err := s.loadProducts(ctx, req.BusinessID, req.Items)
	if err != nil {
		return domain.PreviewResponse{}, err
	}

	snap := s.resolver.Snapshot(business.ID, business.BaseCurrency, nowOf(ec))
	breakdown, err := s.price(ctx, snap, req.Currency, req.Items, products)
	if err != nil {
		return domain.PreviewResponse{}, err
	}
	return breakdown.Preview(), nil
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Invalid("%v", err)
	}
	f := domain.Fail(domain.ErrInvalidInput, "request validation failed")
	f.Details = make(map[string]string, len(verrs))
	for _, ve := range verrs {
		f.Details[ve.Namespace()] = ve.Tag()
	}
	return f
}

func (s *Service) loadBusiness(ctx context.Context, businessID string) (*domain.Business, error) {
	business, err := s.repo.GetBusiness(ctx, businessID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Fail(domain.ErrNotFound, "business not found", "business_id", businessID)
		}
		return nil, fmt.Errorf("load business %s: %w", businessID, err)
	}
	return business, nil
}

func (s *Service) loadProducts(ctx context.Context, businessID string, lines []domain.SaleLineRequest) (map[string]domain.Product, error) {
	ids := productIDs(lines)
	products, err := s.repo.GetProducts(ctx, businessID, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			return nil, domain.Fail(domain.ErrNotFound, "product not found", "product_id", id)
		}
		if !p.Active {
			return nil, domain.Fail(domain.ErrInvalidInput, "product is not available for sale", "product_id", id)
		}
	}
	return products, nil
}

// price runs the calculator over the requested lines and finalizes the
// result. A discount larger than its line's gross is rejected.
func (s *Service) price(ctx context.Context, conv pricing.Converter, currency string, lines []domain.SaleLineRequest, products map[string]domain.Product) (pricing.Breakdown, error) {
	inputs := make([]pricing.Input, 0, len(lines))
	for i, line := range lines {
		if !line.Quantity.IsPositive() {
			return pricing.Breakdown{}, domain.Fail(domain.ErrInvalidInput, "quantity must be greater than zero",
				"line", fmt.Sprint(i), "product_id", line.ProductID)
		}
		if line.DiscountAmount.IsNegative() {
			return pricing.Breakdown{}, domain.Fail(domain.ErrInvalidInput, "discount cannot be negative",
				"line", fmt.Sprint(i), "product_id", line.ProductID)
		}
		p := products[line.ProductID]
		inputs = append(inputs, pricing.Input{
			ProductID:    p.ID,
			Quantity:     line.Quantity,
			UnitPrice:    p.SellingPrice,
			Currency:     p.Currency,
			Discount:     line.DiscountAmount,
			TaxName:      p.TaxName,
			TaxRate:      p.TaxRate,
			TaxInclusive: p.IsTaxInclusive,
		})
	}

	breakdown, err := s.calculator.Price(ctx, conv, currency, inputs)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	for i, l := range breakdown.Lines {
		if l.Gross.IsNegative() {
			return pricing.Breakdown{}, domain.Fail(domain.ErrInvalidInput, "discount exceeds line amount",
				"line", fmt.Sprint(i), "product_id", l.ProductID,
				"discount", l.Discount.StringFixed(domain.MoneyPlaces),
				"line_amount", l.UnitPrice.Mul(l.Quantity).StringFixed(domain.MoneyPlaces))
		}
	}
	return breakdown.Round(), nil
}

func (s *Service) logAudit(ec domain.ExecContext, action string, sale domain.Sale, detail string) {
	s.logger.WithFields(logrus.Fields{
		"action":         action,
		"actor":          ec.Actor.Username,
		"actor_role":     ec.Actor.Role,
		"business_id":    sale.BusinessID,
		"branch_id":      sale.BranchID,
		"sale_id":        sale.ID,
		"payment_status": sale.PaymentStatus,
		"grand_total":    sale.GrandTotal.StringFixed(domain.MoneyPlaces),
		"currency":       sale.Currency,
	}).Info(detail)
}

// abort records why an operation rolled back. Business-rule failures are
// expected and logged at warn; anything else goes through LogError.
func (s *Service) abort(funcName string, stage string, data logrus.Fields, err error) error {
	if f, ok := domain.AsFailure(err); ok && !errors.Is(f, domain.ErrIntegrity) {
		s.logger.WithFields(data).WithFields(logrus.Fields{
			"stage": stage,
			"label": f.Label(),
		}).Warn(f.Message)
		return err
	}
	config.LogError(s.logger, moduleName, funcName, "aborted at "+stage, data, err)
	return err
}

func productIDs(lines []domain.SaleLineRequest) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	return ids
}

func nowOf(ec domain.ExecContext) time.Time {
	if ec.Now.IsZero() {
		return time.Now().UTC()
	}
	return ec.Now
}

func sumSaleAmounts(links []domain.SalePayment) decimal.Decimal {
	total := decimal.Zero
	for _, l := range links {
		total = total.Add(l.SaleAmount)
	}
	return total
}

func toTenders(reqs []domain.PaymentRequest) []payment.Tender {
	tenders := make([]payment.Tender, 0, len(reqs))
	for _, p := range reqs {
		tenders = append(tenders, payment.Tender{
			PaymentMethodID:       strings.TrimSpace(p.PaymentMethodID),
			Amount:                p.Amount,
			Currency:              p.Currency,
			RateToSale:            p.ExchangeRate,
			ExternalTransactionID: strings.TrimSpace(p.ExternalTransactionID),
		})
	}
	return tenders
}
