package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CartLine carries the price snapshotted when the product was first added.
// Catalog price changes afterwards do not reach an existing line.
type CartLine struct {
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	ListPrice     int64  `json:"list_price"`
	CostPrice     int64  `json:"cost_price"`
	StockQuantity int    `json:"stock_quantity"`
}

func NewCartLine(item InventoryItem, qty int) (CartLine, error) {
	if item.ProductID == "" {
		return CartLine{}, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if qty <= 0 {
		return CartLine{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if qty > item.StockQuantity {
		return CartLine{}, fmt.Errorf("%w: %s has %d in stock, requested %d", ErrOutOfStock, item.ProductID, item.StockQuantity, qty)
	}
	return CartLine{
		ProductID:     item.ProductID,
		ProductName:   item.Name,
		Quantity:      qty,
		UnitPrice:     EffectivePrice(item),
		ListPrice:     item.Price,
		CostPrice:     item.CostPrice,
		StockQuantity: item.StockQuantity,
	}, nil
}

func (l CartLine) TotalPrice() int64 {
	return int64(l.Quantity) * l.UnitPrice
}

// EffectivePrice applies the clearance markdown for clearance stock and the
// regular discount otherwise, rounded to the nearest whole unit.
func EffectivePrice(item InventoryItem) int64 {
	percent := item.DiscountPercent
	if item.IsClearance {
		percent = item.ClearanceDiscountPercent
	}
	if percent <= 0 {
		return item.Price
	}
	if percent >= 100 {
		return 0
	}
	pct := decimal.NewFromFloat(percent)
	price := decimal.NewFromInt(item.Price).Mul(hundred.Sub(pct)).Div(hundred)
	return price.Round(0).IntPart()
}

type Cart struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner,omitempty"`
	Lines     []CartLine `json:"lines"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (c Cart) Empty() bool {
	return len(c.Lines) == 0
}

func (c Cart) Subtotal() int64 {
	total := int64(0)
	for _, line := range c.Lines {
		total += line.TotalPrice()
	}
	return total
}

func (c Cart) IndexOf(productID string) int {
	for i, line := range c.Lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) Remove(productID string) {
	idx := c.IndexOf(productID)
	if idx < 0 {
		return
	}
	c.Lines = append(c.Lines[:idx], c.Lines[idx+1:]...)
}

func (c Cart) Clone() Cart {
	out := c
	out.Lines = append([]CartLine{}, c.Lines...)
	return out
}
