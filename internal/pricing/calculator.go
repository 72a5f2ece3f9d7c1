package pricing

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
)

// Converter resolves a product-currency to sale-currency rate.
// *exchange.Snapshot satisfies it.
type Converter interface {
	Path(ctx context.Context, source string, target string) (decimal.Decimal, bool, error)
}

type Input struct {
	ProductID    string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	Currency     string
	Discount     decimal.Decimal
	TaxName      string
	TaxRate      decimal.Decimal
	TaxInclusive bool
}

type Line struct {
	ProductID    string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	Discount     decimal.Decimal
	TaxName      string
	TaxRate      decimal.Decimal
	TaxInclusive bool

	Gross decimal.Decimal
	Net   decimal.Decimal
	Tax   decimal.Decimal
	Total decimal.Decimal
}

type Breakdown struct {
	Currency      string
	Lines         []Line
	Subtotal      decimal.Decimal
	TaxTotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	GrandTotal    decimal.Decimal
	rounded       bool
}

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Price computes every line in the sale currency. Values stay unrounded
// until Round is called.
func (c *Calculator) Price(ctx context.Context, conv Converter, saleCurrency string, inputs []Input) (Breakdown, error) {
	saleCurrency = strings.ToUpper(saleCurrency)
	out := Breakdown{
		Currency:      saleCurrency,
		Lines:         make([]Line, 0, len(inputs)),
		Subtotal:      decimal.Zero,
		TaxTotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		GrandTotal:    decimal.Zero,
	}

	for _, in := range inputs {
		if !in.Quantity.IsPositive() {
			return Breakdown{}, domain.Fail(domain.ErrInvalidInput, "quantity must be greater than zero",
				"product_id", in.ProductID, "quantity", in.Quantity.String())
		}

		unitPrice := in.UnitPrice
		if !strings.EqualFold(in.Currency, saleCurrency) {
			if conv == nil {
				return Breakdown{}, missingRate(in.Currency, saleCurrency, in.ProductID)
			}
			rate, found, err := conv.Path(ctx, in.Currency, saleCurrency)
			if err != nil {
				return Breakdown{}, err
			}
			if !found {
				return Breakdown{}, missingRate(in.Currency, saleCurrency, in.ProductID)
			}
			unitPrice = unitPrice.Mul(rate)
		}

		net, tax, total := ComputeLine(unitPrice, in.Quantity, in.Discount, in.TaxRate, in.TaxInclusive)
		line := Line{
			ProductID:    in.ProductID,
			Quantity:     in.Quantity,
			UnitPrice:    unitPrice,
			Discount:     in.Discount,
			TaxName:      in.TaxName,
			TaxRate:      in.TaxRate,
			TaxInclusive: in.TaxInclusive,
			Gross:        unitPrice.Mul(in.Quantity).Sub(in.Discount),
			Net:          net,
			Tax:          tax,
			Total:        total,
		}
		out.Lines = append(out.Lines, line)
		out.Subtotal = out.Subtotal.Add(net)
		out.TaxTotal = out.TaxTotal.Add(tax)
		out.DiscountTotal = out.DiscountTotal.Add(in.Discount)
	}
	out.GrandTotal = out.Subtotal.Add(out.TaxTotal)

	return out, nil
}

// ComputeLine applies the flat discount then the tax mode. A discount larger
// than the gross is not guarded here.
func ComputeLine(unitPrice decimal.Decimal, qty decimal.Decimal, discount decimal.Decimal, taxRate decimal.Decimal, inclusive bool) (net decimal.Decimal, tax decimal.Decimal, total decimal.Decimal) {
	gross := unitPrice.Mul(qty).Sub(discount)
	tax = domain.Percent(gross, taxRate)
	if inclusive {
		return gross.Sub(tax), tax, gross
	}
	return gross, tax, gross.Add(tax)
}

// Round finalizes a breakdown for persistence or display. Line totals and
// tax are rounded to currency precision and net is derived from them, so
// net + tax == total holds exactly on every line and on the sale.
func (b Breakdown) Round() Breakdown {
	if b.rounded {
		return b
	}
	out := Breakdown{
		Currency:      b.Currency,
		Lines:         make([]Line, 0, len(b.Lines)),
		Subtotal:      decimal.Zero,
		TaxTotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		rounded:       true,
	}
	for _, l := range b.Lines {
		total := domain.RoundMoney(l.Total)
		tax := domain.RoundMoney(l.Tax)
		l.UnitPrice = domain.RoundCost(l.UnitPrice)
		l.Discount = domain.RoundMoney(l.Discount)
		l.Gross = domain.RoundMoney(l.Gross)
		l.Total = total
		l.Tax = tax
		l.Net = total.Sub(tax)

		out.Lines = append(out.Lines, l)
		out.Subtotal = out.Subtotal.Add(l.Net)
		out.TaxTotal = out.TaxTotal.Add(l.Tax)
		out.DiscountTotal = out.DiscountTotal.Add(l.Discount)
	}
	out.GrandTotal = out.Subtotal.Add(out.TaxTotal)
	return out
}

func (b Breakdown) Preview() domain.PreviewResponse {
	r := b.Round()
	lines := make([]domain.PreviewLine, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, domain.PreviewLine{
			ProductID:      l.ProductID,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			DiscountAmount: l.Discount,
			TaxName:        l.TaxName,
			TaxRate:        l.TaxRate,
			IsTaxInclusive: l.TaxInclusive,
			NetAmount:      l.Net,
			TaxAmount:      l.Tax,
			LineTotal:      l.Total,
		})
	}
	return domain.PreviewResponse{
		Currency:      r.Currency,
		Lines:         lines,
		Subtotal:      r.Subtotal,
		TaxTotal:      r.TaxTotal,
		DiscountTotal: r.DiscountTotal,
		GrandTotal:    r.GrandTotal,
	}
}

func missingRate(from string, to string, productID string) error {
	return domain.Fail(domain.ErrMissingExchangeRate, "no exchange rate for product currency",
		"from", strings.ToUpper(from), "to", to, "product_id", productID)
}
