// Package cart holds a sale in progress before it is persisted. Every
// mutation is validated here so invalid lines never reach storage.
package cart

import (
	"strings"

	"github.com/shopspring/decimal"

	"pdvcaixa/backend/internal/domain"
)

const op = "cart"

// Line is a candidate sale item. OnHand is the quantity reported by the
// catalog at the time the line was added and acts as the stock ceiling for
// stock-tracked lines.
type Line struct {
	ProductID       string
	Barcode         string
	Code            string
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	Discount        decimal.Decimal
	StockTracked    bool
	OnHand          decimal.Decimal
}

func (l Line) Key() string {
	return domain.LineKey(l.ProductID, l.Barcode, l.Code, l.Description)
}

func (l Line) Gross() decimal.Decimal {
	return domain.RoundMoney(l.UnitPrice.Mul(l.Quantity))
}

// LineFromProduct builds a candidate line from a catalog match.
func LineFromProduct(p domain.Product, qty decimal.Decimal) Line {
	return Line{
		ProductID:    p.ID,
		Barcode:      p.Barcode,
		Code:         p.Code,
		Description:  p.Description,
		Quantity:     qty,
		UnitPrice:    p.UnitPrice,
		StockTracked: p.StockTracked,
		OnHand:       p.OnHand,
	}
}

type Cart struct {
	lines              []Line
	saleDiscount       decimal.Decimal
	maxDiscountPercent decimal.Decimal
}

// New returns an empty cart whose line discounts are clamped to
// maxDiscountPercent.
func New(maxDiscountPercent decimal.Decimal) *Cart {
	if maxDiscountPercent.IsNegative() {
		maxDiscountPercent = decimal.Zero
	}
	return &Cart{maxDiscountPercent: maxDiscountPercent}
}

func (c *Cart) MaxDiscountPercent() decimal.Decimal {
	return c.maxDiscountPercent
}

func (c *Cart) Len() int {
	return len(c.lines)
}

// Lines returns a copy of the current lines.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) SaleDiscount() decimal.Decimal {
	return c.saleDiscount
}

// AddLine merges the candidate into an existing line with the same identity
// key, or appends it. The cart is left untouched on error.
func (c *Cart) AddLine(line Line) error {
	line.Description = strings.TrimSpace(line.Description)
	if line.Description == "" && line.ProductID == "" && line.Barcode == "" && line.Code == "" {
		return domain.Validation(op, "line needs a product reference or description")
	}
	line.Quantity = domain.RoundQuantity(line.Quantity)
	if !line.Quantity.IsPositive() {
		return domain.Validation(op, "quantity must be greater than zero")
	}
	line.UnitPrice = domain.RoundMoney(line.UnitPrice)
	if line.UnitPrice.IsNegative() {
		return domain.Validation(op, "unit price must not be negative")
	}

	key := line.Key()
	for i := range c.lines {
		if c.lines[i].Key() != key {
			continue
		}
		existing := c.lines[i]
		next := existing.Quantity.Add(line.Quantity)
		if err := checkStock(existing, next); err != nil {
			return err
		}
		existing.Quantity = next
		existing.Discount = domain.DiscountFromPercent(existing.DiscountPercent, existing.UnitPrice, next)
		c.lines[i] = existing
		return nil
	}

	if line.StockTracked && !line.OnHand.IsPositive() {
		return domain.BusinessRule(op, "%s is out of stock", displayName(line))
	}
	if err := checkStock(line, line.Quantity); err != nil {
		return err
	}
	line.DiscountPercent = c.clampPercent(line.DiscountPercent)
	line.Discount = domain.DiscountFromPercent(line.DiscountPercent, line.UnitPrice, line.Quantity)
	c.lines = append(c.lines, line)
	return nil
}

func (c *Cart) SetQuantity(index int, qty decimal.Decimal) error {
	if err := c.checkIndex(index); err != nil {
		return err
	}
	qty = domain.RoundQuantity(qty)
	if !qty.IsPositive() {
		return domain.Validation(op, "quantity must be greater than zero")
	}
	line := c.lines[index]
	if err := checkStock(line, qty); err != nil {
		return err
	}
	line.Quantity = qty
	line.Discount = domain.DiscountFromPercent(line.DiscountPercent, line.UnitPrice, qty)
	c.lines[index] = line
	return nil
}

func (c *Cart) SetUnitPrice(index int, price decimal.Decimal) error {
	if err := c.checkIndex(index); err != nil {
		return err
	}
	price = domain.RoundMoney(price)
	if price.IsNegative() {
		return domain.Validation(op, "unit price must not be negative")
	}
	line := c.lines[index]
	line.UnitPrice = price
	line.Discount = domain.DiscountFromPercent(line.DiscountPercent, price, line.Quantity)
	c.lines[index] = line
	return nil
}

// SetLineDiscountPercent clamps percent to [0, max] and returns the value
// actually applied.
func (c *Cart) SetLineDiscountPercent(index int, percent decimal.Decimal) (decimal.Decimal, error) {
	if err := c.checkIndex(index); err != nil {
		return decimal.Zero, err
	}
	applied := c.clampPercent(percent)
	line := c.lines[index]
	line.DiscountPercent = applied
	line.Discount = domain.DiscountFromPercent(applied, line.UnitPrice, line.Quantity)
	c.lines[index] = line
	return applied, nil
}

// SetSaleDiscount has no upper bound; the total floors at zero instead.
func (c *Cart) SetSaleDiscount(amount decimal.Decimal) error {
	amount = domain.RoundMoney(amount)
	if amount.IsNegative() {
		return domain.Validation(op, "sale discount must not be negative")
	}
	c.saleDiscount = amount
	return nil
}

func (c *Cart) RemoveLine(index int) error {
	if err := c.checkIndex(index); err != nil {
		return err
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

func (c *Cart) Totals() domain.Totals {
	return domain.ComputeTotals(c.Items(), c.saleDiscount)
}

// Items converts the lines into unsaved sale items for reconciliation.
func (c *Cart) Items() []domain.SaleItem {
	items := make([]domain.SaleItem, 0, len(c.lines))
	for _, l := range c.lines {
		items = append(items, domain.SaleItem{
			ProductID:    l.ProductID,
			Barcode:      l.Barcode,
			Code:         l.Code,
			Description:  l.Description,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			Discount:     l.Discount,
			StockTracked: l.StockTracked,
		})
	}
	return items
}

func (c *Cart) clampPercent(percent decimal.Decimal) decimal.Decimal {
	if percent.IsNegative() {
		return decimal.Zero
	}
	if percent.GreaterThan(c.maxDiscountPercent) {
		return c.maxDiscountPercent
	}
	return percent
}

func (c *Cart) checkIndex(index int) error {
	if index < 0 || index >= len(c.lines) {
		return domain.Validation(op, "line %d does not exist", index)
	}
	return nil
}

func checkStock(line Line, qty decimal.Decimal) error {
	if !line.StockTracked {
		return nil
	}
	if qty.GreaterThan(line.OnHand) {
		return domain.BusinessRule(op, "only %s of %s in stock", line.OnHand.String(), displayName(line))
	}
	return nil
}

func displayName(l Line) string {
	if l.Description != "" {
		return l.Description
	}
	if l.Code != "" {
		return l.Code
	}
	return l.ProductID
}
