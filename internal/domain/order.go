package domain

import (
	"fmt"
	"strings"
	"time"
)

// NewOrder prices a cart into an order. Totals are always recomputed here from
// the cart lines, never taken from the client.
func NewOrder(id string, code string, req CheckoutRequest, now time.Time) (POSOrder, error) {
	if req.Cart.Empty() {
		return POSOrder{}, ErrEmptyCart
	}
	if !req.PaymentMethod.Valid() {
		return POSOrder{}, fmt.Errorf("%w: unsupported payment method %q", ErrValidation, req.PaymentMethod)
	}
	if req.Discount < 0 {
		return POSOrder{}, fmt.Errorf("%w: discount must not be negative", ErrValidation)
	}

	items := make([]OrderItem, 0, len(req.Cart.Lines))
	subtotal := int64(0)
	for _, line := range req.Cart.Lines {
		if line.Quantity <= 0 {
			return POSOrder{}, fmt.Errorf("%w: quantity for %s must be positive", ErrValidation, line.ProductID)
		}
		item := OrderItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TotalPrice:  line.TotalPrice(),
		}
		if line.ListPrice > line.UnitPrice {
			item.Discount = (line.ListPrice - line.UnitPrice) * int64(line.Quantity)
		}
		items = append(items, item)
		subtotal += item.TotalPrice
	}

	total := subtotal - req.Discount
	if total < 0 {
		return POSOrder{}, fmt.Errorf("%w: discount %d exceeds subtotal %d", ErrValidation, req.Discount, subtotal)
	}

	order := POSOrder{
		ID:            id,
		Code:          code,
		EmployeeID:    req.EmployeeID,
		ShiftID:       req.ShiftID,
		CustomerName:  strings.TrimSpace(req.Customer.Name),
		CustomerPhone: strings.TrimSpace(req.Customer.Phone),
		Items:         items,
		Subtotal:      subtotal,
		Discount:      req.Discount,
		TotalAmount:   total,
		PaymentMethod: req.PaymentMethod,
		PaymentRef:    req.PaymentRef,
		Status:        OrderStatusCompleted,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedAt:     now,
	}

	if req.PaymentMethod == PaymentMethodCash {
		if req.AmountReceived == nil {
			return POSOrder{}, fmt.Errorf("%w: amount received is required for cash", ErrInsufficientPayment)
		}
		received := *req.AmountReceived
		if received < total {
			return POSOrder{}, fmt.Errorf("%w: received %d, total %d", ErrInsufficientPayment, received, total)
		}
		change := received - total
		order.AmountReceived = &received
		order.ChangeAmount = &change
	}
	return order, nil
}

func (o POSOrder) Clone() POSOrder {
	out := o
	out.Items = append([]OrderItem{}, o.Items...)
	out.AmountReceived = cloneInt64(o.AmountReceived)
	out.ChangeAmount = cloneInt64(o.ChangeAmount)
	return out
}

// Total is what the customer will be charged for the draft. It mirrors the
// arithmetic in NewOrder so a gateway session is opened for the exact amount.
func (d CheckoutDraft) Total() (int64, error) {
	if d.Cart.Empty() {
		return 0, ErrEmptyCart
	}
	if d.Discount < 0 {
		return 0, fmt.Errorf("%w: discount must not be negative", ErrValidation)
	}
	total := d.Cart.Subtotal() - d.Discount
	if total < 0 {
		return 0, fmt.Errorf("%w: discount %d exceeds subtotal %d", ErrValidation, d.Discount, d.Cart.Subtotal())
	}
	return total, nil
}
