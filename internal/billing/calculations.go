package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scales of the persisted NUMERIC columns.
const (
	moneyPlaces    = 2
	quantityPlaces = 4
)

// Totals holds the derived monetary fields of an invoice.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// RoundMoney rounds half-up to two decimal places.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(moneyPlaces)
}

// LineSubtotal is quantity times unit price, before the line discount.
func LineSubtotal(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return RoundMoney(quantity.Mul(unitPrice))
}

// ComputeTotals sums item subtotals net of their discounts and applies the
// invoice level tax and discount. Rounding happens once per line and once on
// the total.
func ComputeTotals(items []InvoiceItem, tax, discount decimal.Decimal) (Totals, error) {
	if tax.IsNegative() || discount.IsNegative() {
		return Totals{}, ErrNegativeAmount
	}
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Subtotal.Sub(item.Discount))
	}
	subtotal = RoundMoney(subtotal)
	total := RoundMoney(subtotal.Add(tax).Sub(discount))
	if total.IsNegative() {
		return Totals{}, ErrNegativeTotal
	}
	return Totals{
		Subtotal: subtotal,
		Tax:      RoundMoney(tax),
		Discount: RoundMoney(discount),
		Total:    total,
	}, nil
}

// PaidAmount sums completed payments. Pending and failed payments never count.
func PaidAmount(payments []Payment) decimal.Decimal {
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentCompleted {
			paid = paid.Add(p.Amount)
		}
	}
	return RoundMoney(paid)
}

// DeriveStatus maps the paid amount against the total onto an invoice status.
// Cancelled is terminal. An unpaid draft stays a draft.
func DeriveStatus(current InvoiceStatus, paid, total decimal.Decimal) InvoiceStatus {
	switch {
	case current == StatusCancelled:
		return StatusCancelled
	case !paid.IsPositive():
		if current == StatusDraft {
			return StatusDraft
		}
		return StatusPending
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	default:
		return StatusPartial
	}
}

// Settle re-derives status and paid_at from the completed payments. paid_at is
// stamped on the transition into paid and cleared when the invoice leaves it.
func Settle(inv Invoice, payments []Payment, now time.Time) Invoice {
	status := DeriveStatus(inv.Status, PaidAmount(payments), inv.Total)
	switch {
	case status == StatusPaid && (inv.Status != StatusPaid || inv.PaidAt == nil):
		stamp := now
		inv.PaidAt = &stamp
	case status != StatusPaid && status != StatusCancelled:
		inv.PaidAt = nil
	}
	inv.Status = status
	return inv
}

// Recalculate derives every computed field of inv from the full item and
// payment lists.
func Recalculate(inv Invoice, items []InvoiceItem, payments []Payment, now time.Time) (Invoice, error) {
	totals, err := ComputeTotals(items, inv.Tax, inv.Discount)
	if err != nil {
		return inv, err
	}
	inv.Subtotal = totals.Subtotal
	inv.Tax = totals.Tax
	inv.Discount = totals.Discount
	inv.Total = totals.Total
	return Settle(inv, payments, now), nil
}

// EffectiveStatus reports overdue for open invoices whose due date has passed.
// Overdue is never persisted.
func EffectiveStatus(inv Invoice, now time.Time) InvoiceStatus {
	if inv.Status != StatusPending && inv.Status != StatusPartial {
		return inv.Status
	}
	if inv.DueDate.IsZero() {
		return inv.Status
	}
	if dateOf(inv.DueDate).Before(dateOf(now)) {
		return StatusOverdue
	}
	return inv.Status
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func derivedChanged(before, after Invoice) bool {
	if before.Status != after.Status ||
		!before.Subtotal.Equal(after.Subtotal) ||
		!before.Total.Equal(after.Total) {
		return true
	}
	if (before.PaidAt == nil) != (after.PaidAt == nil) {
		return true
	}
	return before.PaidAt != nil && !before.PaidAt.Equal(*after.PaidAt)
}

func buildItem(invoiceID int64, description string, quantity, unitPrice, discount decimal.Decimal, order int) (InvoiceItem, error) {
	quantity = quantity.Round(quantityPlaces)
	if !quantity.IsPositive() {
		return InvoiceItem{}, ErrInvalidQuantity
	}
	if unitPrice.IsNegative() || discount.IsNegative() {
		return InvoiceItem{}, ErrNegativeAmount
	}
	unitPrice = RoundMoney(unitPrice)
	subtotal := LineSubtotal(quantity, unitPrice)
	discount = RoundMoney(discount)
	if discount.GreaterThan(subtotal) {
		return InvoiceItem{}, ErrItemDiscountExceeds
	}
	return InvoiceItem{
		InvoiceID:   invoiceID,
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Discount:    discount,
		Subtotal:    subtotal,
		OrderIndex:  order,
	}, nil
}
