package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/credit"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/store"
)

type state struct {
	businesses   map[string]domain.Business
	branches     map[string]domain.Branch
	products     map[string]domain.Product
	customers    map[string]domain.Customer
	stocks       map[string]domain.Stock
	stockByKey   map[string]string
	batches      map[string]domain.StockBatch
	movements    []domain.StockMovement
	rates        []domain.ExchangeRate
	sales        map[string]domain.Sale
	salesByIdem  map[string]string
	payments     map[string]domain.Payment
	salePayments []domain.SalePayment
	credit       []domain.CustomerCreditTransaction
}

func newState() *state {
	return &state{
		businesses:  make(map[string]domain.Business),
		branches:    make(map[string]domain.Branch),
		products:    make(map[string]domain.Product),
		customers:   make(map[string]domain.Customer),
		stocks:      make(map[string]domain.Stock),
		stockByKey:  make(map[string]string),
		batches:     make(map[string]domain.StockBatch),
		sales:       make(map[string]domain.Sale),
		salesByIdem: make(map[string]string),
		payments:    make(map[string]domain.Payment),
	}
}

// clone copies every table. Records are values and are replaced rather than
// edited in place, so a shallow copy per table is enough.
func (st *state) clone() *state {
	return &state{
		businesses:   maps.Clone(st.businesses),
		branches:     maps.Clone(st.branches),
		products:     maps.Clone(st.products),
		customers:    maps.Clone(st.customers),
		stocks:       maps.Clone(st.stocks),
		stockByKey:   maps.Clone(st.stockByKey),
		batches:      maps.Clone(st.batches),
		movements:    slices.Clone(st.movements),
		rates:        slices.Clone(st.rates),
		sales:        maps.Clone(st.sales),
		salesByIdem:  maps.Clone(st.salesByIdem),
		payments:     maps.Clone(st.payments),
		salePayments: slices.Clone(st.salePayments),
		credit:       slices.Clone(st.credit),
	}
}

// Store keeps everything in process memory. Units of work are serialized by
// txMu and run against a private copy of the state, which replaces the live
// state only when the unit succeeds. mu guards the live state pointer and is
// never held while a unit of work runs, so reads made during one do not
// block.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

func New() *Store {
	return &Store{st: newState()}
}

func stockKey(branchID string, productID string) string {
	return branchID + "|" + productID
}

func idemKey(businessID string, key string) string {
	return businessID + "|" + key
}

// lockWrite takes both locks for setup writes so they cannot land between a
// unit of work's copy and its commit.
func (s *Store) lockWrite() func() {
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

func (s *Store) AddBusiness(b domain.Business) {
	defer s.lockWrite()()
	b.BaseCurrency = strings.ToUpper(b.BaseCurrency)
	s.st.businesses[b.ID] = b
}

func (s *Store) AddBranch(b domain.Branch) {
	defer s.lockWrite()()
	s.st.branches[b.ID] = b
}

func (s *Store) AddProduct(p domain.Product) {
	defer s.lockWrite()()
	p.Currency = strings.ToUpper(p.Currency)
	s.st.products[p.ID] = p
}

func (s *Store) AddCustomer(c domain.Customer) {
	defer s.lockWrite()()
	s.st.customers[c.ID] = c
}

// AddStock registers a stock row with its cost layers. The stock quantity
// is taken from the layers.
func (s *Store) AddStock(stock domain.Stock, batches ...domain.StockBatch) {
	defer s.lockWrite()()

	sum := decimal.Zero
	for _, b := range batches {
		b.StockID = stock.ID
		if b.SourceType == "" {
			b.SourceType = domain.BatchSourceReceipt
		}
		s.st.batches[b.ID] = b
		sum = sum.Add(b.QuantityRemaining)
	}
	stock.Quantity = sum
	s.st.stocks[stock.ID] = stock
	s.st.stockByKey[stockKey(stock.BranchID, stock.ProductID)] = stock.ID
}

func (s *Store) AddExchangeRate(r domain.ExchangeRate) {
	defer s.lockWrite()()
	r.SourceCurrency = strings.ToUpper(r.SourceCurrency)
	r.TargetCurrency = strings.ToUpper(r.TargetCurrency)
	s.st.rates = append(s.st.rates, r)
}

func (s *Store) AddCreditEntry(e domain.CustomerCreditTransaction) {
	defer s.lockWrite()()
	s.st.credit = append(s.st.credit, e)
}

func (s *Store) GetBusiness(_ context.Context, businessID string) (*domain.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.businesses[businessID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetBranch(_ context.Context, businessID string, branchID string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.branches[branchID]
	if !ok || b.BusinessID != businessID {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetProducts(_ context.Context, businessID string, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		p, ok := s.st.products[id]
		if !ok || p.BusinessID != businessID {
			continue
		}
		result[id] = p
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, businessID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.customer(businessID, customerID)
}

func (st *state) customer(businessID string, customerID string) (*domain.Customer, error) {
	c, ok := st.customers[customerID]
	if !ok || c.BusinessID != businessID {
		return nil, store.ErrNotFound
	}
	c.CurrentCreditBalance = st.creditBalance(customerID)
	return &c, nil
}

func (st *state) creditBalance(customerID string) decimal.Decimal {
	own := make([]domain.CustomerCreditTransaction, 0, 8)
	for _, e := range st.credit {
		if e.CustomerID == customerID {
			own = append(own, e)
		}
	}
	return credit.Balance(own)
}

func (s *Store) GetStocks(_ context.Context, branchID string, productIDs []string) (map[string]domain.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]domain.Stock, len(productIDs))
	for _, id := range productIDs {
		stockID, ok := s.st.stockByKey[stockKey(branchID, id)]
		if !ok {
			continue
		}
		result[id] = s.st.stocks[stockID]
	}
	return result, nil
}

func (s *Store) FindExchangeRate(_ context.Context, businessID string, source string, target string, at time.Time) (*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source = strings.ToUpper(source)
	target = strings.ToUpper(target)
	var best *domain.ExchangeRate
	for i := range s.st.rates {
		r := s.st.rates[i]
		if r.BusinessID != businessID || r.SourceCurrency != source || r.TargetCurrency != target {
			continue
		}
		if r.EffectiveAt.After(at) {
			continue
		}
		if best == nil || r.EffectiveAt.After(best.EffectiveAt) {
			best = &r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.loadSale(saleID)
}

func (s *Store) FindSaleByIdempotency(_ context.Context, businessID string, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.salesByIdem[idemKey(businessID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.st.loadSale(id)
}

func (st *state) loadSale(saleID string) (*domain.Sale, error) {
	sale, ok := st.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Items = slices.Clone(sale.Items)
	sale.Payments = make([]domain.SalePayment, 0, 2)
	for _, link := range st.salePayments {
		if link.SaleID != saleID {
			continue
		}
		link.Payment = st.payments[link.PaymentID]
		sale.Payments = append(sale.Payments, link)
	}
	if sale.CustomerID != "" {
		if c, err := st.customer(sale.BusinessID, sale.CustomerID); err == nil {
			sale.Customer = c
		}
	}
	if b, ok := st.branches[sale.BranchID]; ok {
		sale.Branch = &b
	}
	return &sale, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

type memTx struct {
	st *state
}

func (t *memTx) LockStock(_ context.Context, branchID string, productID string) (*domain.Stock, []domain.StockBatch, error) {
	stockID, ok := t.st.stockByKey[stockKey(branchID, productID)]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	stock := t.st.stocks[stockID]
	batches := make([]domain.StockBatch, 0, 4)
	for _, b := range t.st.batches {
		if b.StockID == stockID {
			batches = append(batches, b)
		}
	}
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].ReceivedAt.Equal(batches[j].ReceivedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].ReceivedAt.Before(batches[j].ReceivedAt)
	})
	return &stock, batches, nil
}

func (t *memTx) UpdateStock(_ context.Context, stock domain.Stock) error {
	if _, ok := t.st.stocks[stock.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.stocks[stock.ID] = stock
	return nil
}

func (t *memTx) UpdateBatchRemaining(_ context.Context, batchID string, remaining decimal.Decimal) error {
	b, ok := t.st.batches[batchID]
	if !ok {
		return store.ErrNotFound
	}
	if remaining.IsNegative() {
		return fmt.Errorf("batch %s remaining cannot be negative", batchID)
	}
	b.QuantityRemaining = remaining
	t.st.batches[batchID] = b
	return nil
}

func (t *memTx) InsertStockBatch(_ context.Context, batch domain.StockBatch) error {
	if _, ok := t.st.batches[batch.ID]; ok {
		return store.ErrConflict
	}
	t.st.batches[batch.ID] = batch
	return nil
}

func (t *memTx) InsertStockMovement(_ context.Context, movement domain.StockMovement) error {
	t.st.movements = append(t.st.movements, movement)
	return nil
}

func (t *memTx) LockCustomer(_ context.Context, businessID string, customerID string) (*domain.Customer, error) {
	return t.st.customer(businessID, customerID)
}

func (t *memTx) CreditBalance(_ context.Context, customerID string) (decimal.Decimal, error) {
	return t.st.creditBalance(customerID), nil
}

func (t *memTx) SaleCreditBalance(_ context.Context, customerID string, saleID string) (decimal.Decimal, error) {
	own := make([]domain.CustomerCreditTransaction, 0, 4)
	for _, e := range t.st.credit {
		if e.CustomerID == customerID && e.SaleID == saleID {
			own = append(own, e)
		}
	}
	return credit.Balance(own), nil
}

func (t *memTx) InsertCreditTransaction(_ context.Context, entry domain.CustomerCreditTransaction) error {
	t.st.credit = append(t.st.credit, entry)
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, ok := t.st.sales[sale.ID]; ok {
		return store.ErrConflict
	}
	if sale.IdempotencyKey != "" {
		key := idemKey(sale.BusinessID, sale.IdempotencyKey)
		if _, ok := t.st.salesByIdem[key]; ok {
			return store.ErrConflict
		}
		t.st.salesByIdem[key] = sale.ID
	}
	sale.Items = slices.Clone(sale.Items)
	sale.Payments = nil
	sale.Customer = nil
	sale.Branch = nil
	t.st.sales[sale.ID] = sale
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, payment domain.Payment, link domain.SalePayment) error {
	if _, ok := t.st.sales[link.SaleID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := t.st.payments[payment.ID]; ok {
		return store.ErrConflict
	}
	t.st.payments[payment.ID] = payment
	link.PaymentID = payment.ID
	link.Payment = domain.Payment{}
	t.st.salePayments = append(t.st.salePayments, link)
	return nil
}

func (t *memTx) LockSale(_ context.Context, saleID string) (*domain.Sale, error) {
	return t.st.loadSale(saleID)
}

func (t *memTx) UpdateSaleSettlement(_ context.Context, saleID string, paymentStatus string, change decimal.Decimal) error {
	sale, ok := t.st.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.PaymentStatus = paymentStatus
	sale.ChangeAmount = change
	t.st.sales[saleID] = sale
	return nil
}

func (t *memTx) MarkSaleCancelled(_ context.Context, saleID string, reason string, at time.Time) error {
	sale, ok := t.st.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.Status = domain.SaleStatusCancelled
	sale.CancelReason = reason
	cancelledAt := at
	sale.CancelledAt = &cancelledAt
	t.st.sales[saleID] = sale
	return nil
}

// Snapshot is a read-only view used by tests and diagnostics.
type Snapshot struct {
	Sales          int
	SaleItems      int
	Movements      []domain.StockMovement
	Payments       int
	SalePayments   int
	CreditEntries  []domain.CustomerCreditTransaction
	Stocks         map[string]domain.Stock
	BatchesByStock map[string][]domain.StockBatch
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := 0
	for _, sale := range s.st.sales {
		items += len(sale.Items)
	}
	byStock := make(map[string][]domain.StockBatch)
	for _, b := range s.st.batches {
		byStock[b.StockID] = append(byStock[b.StockID], b)
	}
	return Snapshot{
		Sales:          len(s.st.sales),
		SaleItems:      items,
		Movements:      slices.Clone(s.st.movements),
		Payments:       len(s.st.payments),
		SalePayments:   len(s.st.salePayments),
		CreditEntries:  slices.Clone(s.st.credit),
		Stocks:         maps.Clone(s.st.stocks),
		BatchesByStock: byStock,
	}
}
