package domain

import "github.com/shopspring/decimal"

const (
	MoneyPlaces = 2
	CostPlaces  = 4
)

// SettlementEpsilon absorbs rounding when comparing collected against due.
var SettlementEpsilon = decimal.New(1, -MoneyPlaces)

var hundred = decimal.NewFromInt(100)

func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

func RoundCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(CostPlaces)
}

// Percent returns amount * rate / 100 without rounding.
func Percent(amount decimal.Decimal, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred)
}
