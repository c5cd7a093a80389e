package points

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ExchangeRate converts between whole points and dollars.
// The ledger stores integer points only; dollars exist at the boundary.
type ExchangeRate struct {
	PointsPerDollar int64
}

var hundred = decimal.NewFromInt(100)

// Dollars converts points to dollars rounded half-up to cents.
func (r ExchangeRate) Dollars(pts int64) decimal.Decimal {
	if r.PointsPerDollar <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(pts).Div(decimal.NewFromInt(r.PointsPerDollar)).Round(2)
}

// Points converts a dollar amount to whole points, truncating fractions.
func (r ExchangeRate) Points(dollars decimal.Decimal) int64 {
	return dollars.Mul(decimal.NewFromInt(r.PointsPerDollar)).Floor().IntPart()
}

var printer = message.NewPrinter(language.English)

// FormatDollars renders an amount for humans, e.g. "$1,250.00".
func FormatDollars(d decimal.Decimal) string {
	cents := d.Mul(hundred).Round(0).IntPart()
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return printer.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
