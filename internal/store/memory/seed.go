package memory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

const (
	SeedBusinessID = "biz-main"
	SeedBranchID   = "br-main"
)

// SeedEpoch is the receipt and rate-effective date of all seeded data.
var SeedEpoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// NewSeeded returns a store with one business (base USD), one branch, a
// small multi-currency catalog with FIFO layers, credit customers and rates.
func NewSeeded() *Store {
	s := New()

	s.AddBusiness(domain.Business{ID: SeedBusinessID, Name: "Kedai Nusantara", BaseCurrency: "USD"})
	s.AddBranch(domain.Branch{ID: SeedBranchID, BusinessID: SeedBusinessID, Name: "Main Street"})
	s.AddBranch(domain.Branch{ID: "br-airport", BusinessID: SeedBusinessID, Name: "Airport Kiosk"})

	products := []domain.Product{
		{ID: "prd-coffee", SKU: "COF-250", Name: "Arabica Beans 250g", SellingPrice: dec("10.00"), Currency: "USD", TaxName: "VAT", TaxRate: dec("10"), Active: true},
		{ID: "prd-tea", SKU: "TEA-100", Name: "Jasmine Tea", SellingPrice: dec("5.50"), Currency: "USD", TaxName: "VAT", TaxRate: dec("11"), IsTaxInclusive: true, Active: true},
		{ID: "prd-noodle", SKU: "MIE-01", Name: "Mie Goreng", SellingPrice: dec("35000"), Currency: "IDR", TaxName: "PPN", TaxRate: dec("11"), Active: true},
		{ID: "prd-choco", SKU: "CHO-01", Name: "Dark Chocolate Bar", SellingPrice: dec("4.20"), Currency: "EUR", TaxName: "Exempt", TaxRate: decimal.Zero, Active: true},
		{ID: "prd-water", SKU: "AIR-600", Name: "Mineral Water 600ml", SellingPrice: dec("1.00"), Currency: "USD", TaxName: "VAT", TaxRate: dec("10"), Active: true},
	}
	for _, p := range products {
		p.BusinessID = SeedBusinessID
		s.AddProduct(p)
	}

	day := func(n int) time.Time { return SeedEpoch.AddDate(0, 0, n) }

	s.AddStock(domain.Stock{ID: "stk-coffee", ProductID: "prd-coffee", BranchID: SeedBranchID, UnitCost: dec("3.00")},
		domain.StockBatch{ID: "bat-coffee-1", ReceivedAt: day(0), Quantity: dec("5"), QuantityRemaining: dec("5"), UnitCost: dec("2.00")},
		domain.StockBatch{ID: "bat-coffee-2", ReceivedAt: day(1), Quantity: dec("10"), QuantityRemaining: dec("10"), UnitCost: dec("3.00")},
	)
	s.AddStock(domain.Stock{ID: "stk-tea", ProductID: "prd-tea", BranchID: SeedBranchID, UnitCost: dec("2.10")},
		domain.StockBatch{ID: "bat-tea-1", ReceivedAt: day(0), Quantity: dec("50"), QuantityRemaining: dec("50"), UnitCost: dec("2.10")},
	)
	s.AddStock(domain.Stock{ID: "stk-noodle", ProductID: "prd-noodle", BranchID: SeedBranchID, UnitCost: dec("1.40")},
		domain.StockBatch{ID: "bat-noodle-1", ReceivedAt: day(0), Quantity: dec("120"), QuantityRemaining: dec("120"), UnitCost: dec("1.40")},
	)
	s.AddStock(domain.Stock{ID: "stk-choco", ProductID: "prd-choco", BranchID: SeedBranchID, UnitCost: dec("1.75")},
		domain.StockBatch{ID: "bat-choco-1", ReceivedAt: day(0), Quantity: dec("30"), QuantityRemaining: dec("30"), UnitCost: dec("1.75")},
	)
	s.AddStock(domain.Stock{ID: "stk-water", ProductID: "prd-water", BranchID: SeedBranchID, ReservedQuantity: dec("8"), UnitCost: dec("0.30")},
		domain.StockBatch{ID: "bat-water-1", ReceivedAt: day(0), Quantity: dec("10"), QuantityRemaining: dec("10"), UnitCost: dec("0.30")},
	)

	s.AddCustomer(domain.Customer{ID: "cus-acme", BusinessID: SeedBusinessID, Name: "Acme Catering", CreditLimit: dec("500")})
	s.AddCustomer(domain.Customer{ID: "cus-bistro", BusinessID: SeedBusinessID, Name: "Bistro 21", CreditLimit: dec("1000")})
	s.AddCreditEntry(domain.CustomerCreditTransaction{
		ID:         "cct-acme-opening",
		CustomerID: "cus-acme",
		Type:       domain.CreditEntrySale,
		Amount:     dec("450"),
		Notes:      "opening balance",
		CreatedBy:  "system",
		CreatedAt:  day(0),
	})

	s.AddExchangeRate(domain.ExchangeRate{ID: "fx-usd-idr", BusinessID: SeedBusinessID, SourceCurrency: "USD", TargetCurrency: "IDR", Rate: dec("16000"), EffectiveAt: day(0)})
	s.AddExchangeRate(domain.ExchangeRate{ID: "fx-eur-usd", BusinessID: SeedBusinessID, SourceCurrency: "EUR", TargetCurrency: "USD", Rate: dec("1.10"), EffectiveAt: day(0)})

	return s
}
