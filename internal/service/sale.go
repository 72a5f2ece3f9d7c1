package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/credit"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/exchange"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/inventory"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/lock"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/payment"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/pricing"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/xid"
)

// Settlement stages, in order. Any failure moves the sale to aborted and
// nothing written inside the unit of work survives.
const (
	stageValidating      = "validating"
	stagePricing         = "pricing"
	stageAllocatingStock = "allocating_stock"
	stageReconciling     = "reconciling"
	stagePersisting      = "persisting"
	stageCommitted       = "committed"
	stageCancelling      = "cancelling"
)

type settlement struct {
	ec       domain.ExecContext
	req      domain.CreateSaleRequest
	business *domain.Business
	branch   *domain.Branch
	customer *domain.Customer
	products map[string]domain.Product
	snap     *exchange.Snapshot
	tenders  []payment.Tender

	saleID     string
	saleToBase decimal.Decimal
	baseTotal  decimal.Decimal
	breakdown  pricing.Breakdown
	stage      string
}

func (st *settlement) fields() logrus.Fields {
	return logrus.Fields{
		"sale_id":      st.saleID,
		"business_id":  st.req.BusinessID,
		"branch_id":    st.req.BranchID,
		"payment_type": st.req.PaymentType,
		"currency":     st.req.Currency,
	}
}

func (s *Service) enter(st *settlement, stage string) {
	st.stage = stage
	s.logger.WithFields(st.fields()).WithField("stage", stage).Debug("settlement stage")
}

// CreateSale settles a cart into a completed sale. Pricing, FIFO stock
// allocation, payment reconciliation and the credit ledger advance together
// or not at all.
func (s *Service) CreateSale(ctx context.Context, ec domain.ExecContext, req domain.CreateSaleRequest) (domain.Sale, error) {
	req = normalizeCreateRequest(req)
	st := &settlement{ec: ec, req: req, saleID: xid.New("sale")}
	if st.ec.Now.IsZero() {
		st.ec.Now = nowOf(ec)
	}

	s.enter(st, stageValidating)
	if err := s.validateStruct(req); err != nil {
		return domain.Sale{}, s.abort("CreateSale", st.stage, st.fields(), err)
	}

	if req.IdempotencyKey != "" {
		release, err := s.guard.Acquire(ctx, "sale:"+req.BusinessID+":"+req.IdempotencyKey)
		if err != nil {
			if errors.Is(err, lock.ErrBusy) {
				return domain.Sale{}, fmt.Errorf("idempotency key %q: %w", req.IdempotencyKey, store.ErrConflict)
			}
			return domain.Sale{}, err
		}
		defer release()

		existing, err := s.repo.FindSaleByIdempotency(ctx, req.BusinessID, req.IdempotencyKey)
		if err == nil {
			return *existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	if err := s.validateSettlement(ctx, st); err != nil {
		return domain.Sale{}, s.abort("CreateSale", st.stage, st.fields(), err)
	}

	s.enter(st, stagePricing)
	if err := s.priceSettlement(ctx, st); err != nil {
		return domain.Sale{}, s.abort("CreateSale", st.stage, st.fields(), err)
	}

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.settle(ctx, tx, st)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			if existing, findErr := s.repo.FindSaleByIdempotency(ctx, req.BusinessID, req.IdempotencyKey); findErr == nil {
				return *existing, nil
			}
		}
		return domain.Sale{}, s.abort("CreateSale", st.stage, st.fields(), err)
	}

	s.enter(st, stageCommitted)
	sale, err := s.GetSale(ctx, st.saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(st.ec, "sale_create", sale, "sale completed")
	return sale, nil
}

func normalizeCreateRequest(req domain.CreateSaleRequest) domain.CreateSaleRequest {
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PaymentType = strings.ToLower(strings.TrimSpace(req.PaymentType))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Notes = strings.TrimSpace(req.Notes)
	req.Items = slices.Clone(req.Items)
	req.Payments = slices.Clone(req.Payments)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
	}
	for i := range req.Payments {
		req.Payments[i].Currency = strings.ToUpper(strings.TrimSpace(req.Payments[i].Currency))
	}
	return req
}

// validateSettlement loads the read models and checks everything that can
// be checked before pricing: stock on hand, currency paths, payment rates and
// the customer's credit headroom.
func (s *Service) validateSettlement(ctx context.Context, st *settlement) error {
	req := st.req
	if req.ExchangeRateToBase.IsNegative() {
		return domain.Fail(domain.ErrInvalidInput, "exchange rate to base cannot be negative")
	}

	business, err := s.loadBusiness(ctx, req.BusinessID)
	if err != nil {
		return err
	}
	st.business = business

	branch, err := s.repo.GetBranch(ctx, req.BusinessID, req.BranchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Fail(domain.ErrNotFound, "branch not found", "branch_id", req.BranchID)
		}
		return fmt.Errorf("load branch %s: %w", req.BranchID, err)
	}
	st.branch = branch

	if req.PaymentType == domain.PaymentTypeCredit || req.CustomerID != "" {
		customer, err := s.loadCustomer(ctx, req)
		if err != nil {
			return err
		}
		st.customer = customer
	}

	products, err := s.loadProducts(ctx, req.BusinessID, req.Items)
	if err != nil {
		return err
	}
	st.products = products

	ids := productIDs(req.Items)
	stocks, err := s.repo.GetStocks(ctx, req.BranchID, ids)
	if err != nil {
		return fmt.Errorf("load stocks: %w", err)
	}
	requested := make(map[string]decimal.Decimal, len(ids))
	for i, line := range req.Items {
		if !line.Quantity.IsPositive() {
			return domain.Fail(domain.ErrInvalidInput, "quantity must be greater than zero",
				"line", fmt.Sprint(i), "product_id", line.ProductID)
		}
		requested[line.ProductID] = requested[line.ProductID].Add(line.Quantity)
	}
	for _, id := range ids {
		available := decimal.Zero
		if stock, ok := stocks[id]; ok {
			available = stock.Available()
		}
		if available.LessThan(requested[id]) {
			return domain.Fail(domain.ErrInsufficientStock, "not enough stock on hand",
				"product_id", id, "requested", requested[id].String(), "available", available.String())
		}
	}

	st.snap = s.resolver.Snapshot(business.ID, business.BaseCurrency, st.ec.Now)
	for _, id := range ids {
		p := products[id]
		if _, found, err := st.snap.Path(ctx, p.Currency, req.Currency); err != nil {
			return err
		} else if !found {
			return domain.Fail(domain.ErrMissingExchangeRate, "no exchange rate for product currency",
				"from", p.Currency, "to", req.Currency, "product_id", id)
		}
	}

	st.saleToBase = req.ExchangeRateToBase
	if !st.saleToBase.IsPositive() {
		rate, found, err := st.snap.Path(ctx, req.Currency, business.BaseCurrency)
		if err != nil {
			return err
		}
		if !found {
			return domain.Fail(domain.ErrMissingExchangeRate, "no exchange rate from sale currency to base currency",
				"from", req.Currency, "to", business.BaseCurrency)
		}
		st.saleToBase = rate
	}

	tenders, err := s.reconciler.PrepareTenders(ctx, req.Currency, toTenders(req.Payments), st.snap)
	if err != nil {
		return err
	}
	st.tenders = tenders

	if req.PaymentType == domain.PaymentTypeCredit && !credit.Available(*st.customer).IsPositive() {
		return domain.Fail(domain.ErrCreditLimitExceeded, "customer has no available credit",
			"customer_id", st.customer.ID,
			"credit_limit", st.customer.CreditLimit.StringFixed(domain.MoneyPlaces),
			"current_balance", st.customer.CurrentCreditBalance.StringFixed(domain.MoneyPlaces))
	}
	return nil
}

func (s *Service) loadCustomer(ctx context.Context, req domain.CreateSaleRequest) (*domain.Customer, error) {
	if req.CustomerID == "" {
		return nil, domain.Fail(domain.ErrCustomerRequired, "credit sales require a customer")
	}
	customer, err := s.repo.GetCustomer(ctx, req.BusinessID, req.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if req.PaymentType == domain.PaymentTypeCredit {
				return nil, domain.Fail(domain.ErrCustomerRequired, "credit customer does not exist", "customer_id", req.CustomerID)
			}
			return nil, domain.Fail(domain.ErrNotFound, "customer not found", "customer_id", req.CustomerID)
		}
		return nil, fmt.Errorf("load customer %s: %w", req.CustomerID, err)
	}
	return customer, nil
}

func (s *Service) priceSettlement(ctx context.Context, st *settlement) error {
	breakdown, err := s.price(ctx, st.snap, st.req.Currency, st.req.Items, st.products)
	if err != nil {
		return err
	}
	st.breakdown = breakdown
	st.baseTotal = credit.ToBase(breakdown.GrandTotal, st.saleToBase)

	if st.req.ExpectedBaseTotal != nil {
		if st.baseTotal.Sub(*st.req.ExpectedBaseTotal).Abs().GreaterThan(domain.SettlementEpsilon) {
			return domain.Fail(domain.ErrBaseTotalMismatch, "base currency total does not match",
				"expected", st.req.ExpectedBaseTotal.StringFixed(domain.MoneyPlaces),
				"computed", st.baseTotal.StringFixed(domain.MoneyPlaces))
		}
	}

	if st.req.PaymentType == domain.PaymentTypeCredit {
		return credit.CheckHeadroom(*st.customer, st.baseTotal)
	}
	return nil
}

// settle runs inside the unit of work: the customer row is locked first so
// the authoritative credit check and the stock allocation share one
// boundary.
func (s *Service) settle(ctx context.Context, tx store.Tx, st *settlement) error {
	req := st.req
	actor := st.ec.Actor.Username
	grand := st.breakdown.GrandTotal

	s.enter(st, stageAllocatingStock)
	if req.PaymentType == domain.PaymentTypeCredit {
		customer, err := tx.LockCustomer(ctx, req.BusinessID, st.customer.ID)
		if err != nil {
			return fmt.Errorf("lock customer %s: %w", st.customer.ID, err)
		}
		if _, err := s.ledger.EnsureHeadroom(ctx, tx, *customer, st.baseTotal); err != nil {
			return err
		}
	}

	ref := inventory.Reference{Type: domain.ReferenceTypeSale, ID: st.saleID, ActorID: actor, At: st.ec.Now}
	items := make([]domain.SaleItem, 0, len(st.breakdown.Lines))
	for _, line := range st.breakdown.Lines {
		stock, batches, err := tx.LockStock(ctx, req.BranchID, line.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Fail(domain.ErrInsufficientStock, "no stock record for product",
					"product_id", line.ProductID, "branch_id", req.BranchID)
			}
			return fmt.Errorf("lock stock %s: %w", line.ProductID, err)
		}
		alloc, err := s.allocator.Allocate(ctx, tx, *stock, batches, line.Quantity, ref)
		if err != nil {
			return err
		}

		items = append(items, domain.SaleItem{
			ID:             xid.New("item"),
			SaleID:         st.saleID,
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
			UnitCost:       alloc.WeightedUnitCost,
			TaxRate:        line.TaxRate,
			TaxAmount:      line.Tax,
			IsTaxInclusive: line.TaxInclusive,
			TaxName:        line.TaxName,
			DiscountAmount: line.Discount,
			NetAmount:      line.Net,
			LineTotal:      line.Total,
		})
	}

	s.enter(st, stageReconciling)
	result, err := s.reconciler.Reconcile(ctx, payment.Request{
		Due:          grand,
		PaymentType:  req.PaymentType,
		SaleCurrency: req.Currency,
		SaleToBase:   st.saleToBase,
		Tenders:      st.tenders,
	})
	if err != nil {
		return err
	}

	if req.PaymentType == domain.PaymentTypeCredit && st.baseTotal.IsPositive() {
		entry := credit.Entry{SaleID: st.saleID, ActorID: actor, At: st.ec.Now}
		if _, err := s.ledger.RecordSale(ctx, tx, st.customer.ID, st.baseTotal, entry); err != nil {
			return err
		}
		downPayment := decimal.Min(credit.ToBase(result.TotalCollected, st.saleToBase), st.baseTotal)
		if result.PaymentStatus == domain.PaymentStatusPaid {
			downPayment = st.baseTotal
		}
		if downPayment.IsPositive() {
			entry.Notes = "down payment"
			if _, err := s.ledger.RecordPayment(ctx, tx, st.customer.ID, downPayment, entry); err != nil {
				return err
			}
		}
	}

	s.enter(st, stagePersisting)
	sale := domain.Sale{
		ID:                 st.saleID,
		BusinessID:         req.BusinessID,
		BranchID:           req.BranchID,
		CustomerID:         req.CustomerID,
		CashierID:          actor,
		IdempotencyKey:     req.IdempotencyKey,
		Currency:           req.Currency,
		Subtotal:           st.breakdown.Subtotal,
		TaxTotal:           st.breakdown.TaxTotal,
		DiscountTotal:      st.breakdown.DiscountTotal,
		GrandTotal:         grand,
		ChangeAmount:       result.Change,
		ExchangeRateToBase: st.saleToBase,
		BaseCurrencyTotal:  st.baseTotal,
		Status:             domain.SaleStatusCompleted,
		PaymentType:        req.PaymentType,
		PaymentStatus:      result.PaymentStatus,
		IsCreditSale:       req.PaymentType == domain.PaymentTypeCredit,
		Notes:              req.Notes,
		CompletedAt:        st.ec.Now,
		Items:              items,
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return s.insertPayments(ctx, tx, st.ec, sale, result.Lines)
}

func (s *Service) insertPayments(ctx context.Context, tx store.Tx, ec domain.ExecContext, sale domain.Sale, lines []payment.Converted) error {
	for _, line := range lines {
		p := domain.Payment{
			ID:                    xid.New("pay"),
			BusinessID:            sale.BusinessID,
			PaymentMethodID:       line.PaymentMethodID,
			Amount:                line.Amount,
			Currency:              line.Currency,
			ExchangeRateToBase:    line.RateToBase,
			BaseAmount:            line.BaseAmount,
			Status:                domain.PaymentRecordCompleted,
			Type:                  domain.PaymentKindPayment,
			ExternalTransactionID: line.ExternalTransactionID,
			ProcessedBy:           ec.Actor.Username,
			PaidAt:                ec.Now,
		}
		link := domain.SalePayment{
			SaleID:             sale.ID,
			PaymentID:          p.ID,
			ExchangeRateToSale: line.RateToSale,
			SaleAmount:         line.SaleAmount,
		}
		if err := tx.InsertPayment(ctx, p, link); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
	}
	return nil
}

// AddPayment applies further payments to an unpaid or partially paid sale.
func (s *Service) AddPayment(ctx context.Context, ec domain.ExecContext, req domain.AddPaymentRequest) (domain.Sale, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.PaymentType = strings.ToLower(strings.TrimSpace(req.PaymentType))
	req.Payments = slices.Clone(req.Payments)
	for i := range req.Payments {
		req.Payments[i].Currency = strings.ToUpper(strings.TrimSpace(req.Payments[i].Currency))
	}
	ec.Now = nowOf(ec)
	data := logrus.Fields{"sale_id": req.SaleID, "payment_type": req.PaymentType}

	if err := s.validateStruct(req); err != nil {
		return domain.Sale{}, s.abort("AddPayment", stageValidating, data, err)
	}

	current, err := s.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := payable(current); err != nil {
		return domain.Sale{}, s.abort("AddPayment", stageValidating, data, err)
	}

	business, err := s.loadBusiness(ctx, current.BusinessID)
	if err != nil {
		return domain.Sale{}, err
	}
	snap := s.resolver.Snapshot(business.ID, business.BaseCurrency, ec.Now)
	tenders, err := s.reconciler.PrepareTenders(ctx, current.Currency, toTenders(req.Payments), snap)
	if err != nil {
		return domain.Sale{}, s.abort("AddPayment", stageValidating, data, err)
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.LockSale(ctx, req.SaleID)
		if err != nil {
			return fmt.Errorf("lock sale %s: %w", req.SaleID, err)
		}
		if err := payable(*sale); err != nil {
			return err
		}

		result, err := s.reconciler.ReconcileAdditional(ctx, payment.AdditionalRequest{
			Total:               sale.GrandTotal,
			PreviouslyCollected: sumSaleAmounts(sale.Payments),
			PaymentStatus:       sale.PaymentStatus,
			SaleCurrency:        sale.Currency,
			SaleToBase:          sale.ExchangeRateToBase,
			Tenders:             tenders,
		})
		if err != nil {
			return err
		}

		if err := s.insertPayments(ctx, tx, ec, *sale, result.Lines); err != nil {
			return err
		}
		if sale.IsCreditSale && result.Applied.IsPositive() {
			if err := s.settleCredit(ctx, tx, ec, *sale, result.Applied, result.PaymentStatus); err != nil {
				return err
			}
		}
		return tx.UpdateSaleSettlement(ctx, sale.ID, result.PaymentStatus, sale.ChangeAmount.Add(result.Change))
	})
	if err != nil {
		return domain.Sale{}, s.abort("AddPayment", stageReconciling, data, err)
	}

	sale, err := s.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ec, "sale_add_payment", sale, "payment added")
	return sale, nil
}

// settleCredit pays down the sale's ledger balance in base currency. The
// payment that settles the sale clears whatever the sale still owes so
// conversion rounding never leaves a residue.
func (s *Service) settleCredit(ctx context.Context, tx store.Tx, ec domain.ExecContext, sale domain.Sale, applied decimal.Decimal, status string) error {
	owed, err := s.ledger.Outstanding(ctx, tx, sale.CustomerID, sale.ID)
	if err != nil {
		return err
	}
	amount := decimal.Min(credit.ToBase(applied, sale.ExchangeRateToBase), owed)
	if status == domain.PaymentStatusPaid {
		amount = owed
	}
	if !amount.IsPositive() {
		return nil
	}
	entry := credit.Entry{SaleID: sale.ID, ActorID: ec.Actor.Username, At: ec.Now}
	_, err = s.ledger.RecordPayment(ctx, tx, sale.CustomerID, amount, entry)
	return err
}

func payable(sale domain.Sale) error {
	if sale.Status == domain.SaleStatusCancelled {
		return domain.Fail(domain.ErrAlreadySettled, "sale is cancelled", "sale_id", sale.ID)
	}
	if sale.PaymentStatus == domain.PaymentStatusPaid {
		return domain.Fail(domain.ErrAlreadySettled, "sale is already fully paid", "sale_id", sale.ID,
			"grand_total", sale.GrandTotal.StringFixed(domain.MoneyPlaces))
	}
	return nil
}

// CancelSale voids a sale that is still awaiting settlement. Stock comes
// back at aggregate level as a new restoration layer; the consumed cost
// layers are not replayed.
func (s *Service) CancelSale(ctx context.Context, ec domain.ExecContext, req domain.CancelSaleRequest) (domain.Sale, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Reason = strings.TrimSpace(req.Reason)
	ec.Now = nowOf(ec)
	data := logrus.Fields{"sale_id": req.SaleID}

	if err := s.validateStruct(req); err != nil {
		return domain.Sale{}, s.abort("CancelSale", stageValidating, data, err)
	}

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.LockSale(ctx, req.SaleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Fail(domain.ErrNotFound, "sale not found", "sale_id", req.SaleID)
			}
			return fmt.Errorf("lock sale %s: %w", req.SaleID, err)
		}
		if err := cancellable(*sale); err != nil {
			return err
		}

		ref := inventory.Reference{Type: domain.ReferenceTypeSale, ID: sale.ID, ActorID: ec.Actor.Username, At: ec.Now}
		for _, item := range sale.Items {
			stock, _, err := tx.LockStock(ctx, sale.BranchID, item.ProductID)
			if err != nil {
				return fmt.Errorf("lock stock %s: %w", item.ProductID, err)
			}
			if _, _, err := s.allocator.Restore(ctx, tx, *stock, item.Quantity, item.UnitCost, ref); err != nil {
				return err
			}
		}

		if sale.IsCreditSale {
			outstanding, err := s.ledger.Outstanding(ctx, tx, sale.CustomerID, sale.ID)
			if err != nil {
				return err
			}
			if outstanding.IsPositive() {
				entry := credit.Entry{SaleID: sale.ID, ActorID: ec.Actor.Username, Notes: "sale cancelled: " + req.Reason, At: ec.Now}
				if _, err := s.ledger.RecordAdjustment(ctx, tx, sale.CustomerID, outstanding, entry); err != nil {
					return err
				}
			}
		}
		return tx.MarkSaleCancelled(ctx, sale.ID, req.Reason, ec.Now)
	})
	if err != nil {
		return domain.Sale{}, s.abort("CancelSale", stageCancelling, data, err)
	}

	sale, err := s.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if collected := sumSaleAmounts(sale.Payments); collected.IsPositive() {
		s.logger.WithFields(logrus.Fields{"sale_id": sale.ID, "collected": collected.StringFixed(domain.MoneyPlaces)}).
			Warn("cancelled sale had collected payments; refund them separately")
	}
	s.logAudit(ec, "sale_cancel", sale, req.Reason)
	return sale, nil
}

// cancellable allows only sales still awaiting settlement. Fully paid sales
// go through returns instead.
func cancellable(sale domain.Sale) error {
	if sale.Status == domain.SaleStatusCancelled {
		return domain.Fail(domain.ErrNotCancellable, "sale is already cancelled", "sale_id", sale.ID)
	}
	if sale.Status != domain.SaleStatusCompleted || sale.PaymentStatus == domain.PaymentStatusPaid {
		return domain.Fail(domain.ErrNotCancellable, "only sales awaiting settlement can be cancelled",
			"sale_id", sale.ID, "status", sale.Status, "payment_status", sale.PaymentStatus)
	}
	return nil
}
