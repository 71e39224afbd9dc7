package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// MoneyTolerance and QuantityTolerance decide whether a persisted line
	// differs from its cart counterpart: half of the smallest stored unit
	// (0.01 money, 0.001 quantity).
	MoneyTolerance    = decimal.RequireFromString("0.005")
	QuantityTolerance = decimal.RequireFromString("0.0005")

	hundred = decimal.NewFromInt(100)
)

func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func RoundQuantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(3)
}

type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	ItemDiscounts decimal.Decimal `json:"item_discounts"`
	SaleDiscount  decimal.Decimal `json:"sale_discount"`
	Total         decimal.Decimal `json:"total"`
}

// ComputeTotals applies total = max(0, subtotal - item discounts - sale discount).
func ComputeTotals(items []SaleItem, saleDiscount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	itemDiscounts := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Gross())
		itemDiscounts = itemDiscounts.Add(item.Discount)
	}
	saleDiscount = RoundMoney(saleDiscount)
	total := RoundMoney(subtotal.Sub(itemDiscounts).Sub(saleDiscount))
	if total.IsNegative() {
		total = decimal.Zero
	}
	return Totals{
		Subtotal:      RoundMoney(subtotal),
		ItemDiscounts: RoundMoney(itemDiscounts),
		SaleDiscount:  saleDiscount,
		Total:         total,
	}
}

// DiscountFromPercent returns percent × (unit price × quantity) / 100.
func DiscountFromPercent(percent, unitPrice, quantity decimal.Decimal) decimal.Decimal {
	return RoundMoney(percent.Mul(unitPrice).Mul(quantity).Div(hundred))
}

// PercentOf is the inverse of DiscountFromPercent. The result is not rounded
// so that DiscountFromPercent gives back the same discount. A zero gross
// yields zero.
func PercentOf(discount, unitPrice, quantity decimal.Decimal) decimal.Decimal {
	gross := unitPrice.Mul(quantity)
	if gross.IsZero() {
		return decimal.Zero
	}
	return discount.Mul(hundred).Div(gross)
}

func LineKey(productID, barcode, code, description string) string {
	switch {
	case strings.TrimSpace(productID) != "":
		return "product:" + strings.TrimSpace(productID)
	case strings.TrimSpace(barcode) != "":
		return "barcode:" + strings.TrimSpace(barcode)
	case strings.TrimSpace(code) != "":
		return "code:" + strings.ToUpper(strings.TrimSpace(code))
	default:
		return "description:" + strings.ToLower(strings.Join(strings.Fields(description), " "))
	}
}

// WithinTolerance reports whether |a - b| <= tolerance.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// DiscountPolicy maps an operator role to its maximum line discount percent.
type DiscountPolicy struct {
	Default decimal.Decimal
	ByRole  map[string]decimal.Decimal
}

func (p DiscountPolicy) MaxDiscountPercent(role string) decimal.Decimal {
	if ceiling, ok := p.ByRole[role]; ok {
		return ceiling
	}
	return p.Default
}
