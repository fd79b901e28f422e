package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func mustItem(t *testing.T, qty, price, discount string) InvoiceItem {
	t.Helper()
	item, err := buildItem(1, "work", d(qty), d(price), d(discount), 0)
	require.NoError(t, err)
	return item
}

func TestComputeTotalsAccumulatesItems(t *testing.T) {
	totals, err := ComputeTotals(nil, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.True(t, totals.Subtotal.IsZero())
	require.True(t, totals.Total.IsZero())

	items := []InvoiceItem{mustItem(t, "2", "100", "0")}
	totals, err = ComputeTotals(items, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, "200", totals.Subtotal.String())
	require.Equal(t, "200", totals.Total.String())

	items = append(items, mustItem(t, "1", "50", "10"))
	totals, err = ComputeTotals(items, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, "240", totals.Subtotal.String())
	require.Equal(t, "240", totals.Total.String())

	totals, err = ComputeTotals(items, d("24"), d("4"))
	require.NoError(t, err)
	require.Equal(t, "260", totals.Total.String())
}

func TestComputeTotalsRejectsNegativeTotal(t *testing.T) {
	items := []InvoiceItem{mustItem(t, "1", "10", "0")}
	_, err := ComputeTotals(items, decimal.Zero, d("10.01"))
	require.ErrorIs(t, err, ErrNegativeTotal)

	_, err = ComputeTotals(items, d("-1"), decimal.Zero)
	require.ErrorIs(t, err, ErrNegativeAmount)

	totals, err := ComputeTotals(items, decimal.Zero, d("10"))
	require.NoError(t, err)
	require.True(t, totals.Total.IsZero())
}

func TestBuildItemRules(t *testing.T) {
	_, err := buildItem(1, "x", d("1"), d("10"), d("10.01"), 0)
	require.ErrorIs(t, err, ErrItemDiscountExceeds)

	_, err = buildItem(1, "x", d("0"), d("10"), decimal.Zero, 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = buildItem(1, "x", d("1"), d("-10"), decimal.Zero, 0)
	require.ErrorIs(t, err, ErrNegativeAmount)

	item, err := buildItem(1, "x", d("1.5"), d("0.33"), decimal.Zero, 0)
	require.NoError(t, err)
	require.Equal(t, "0.5", item.Subtotal.String())

	item, err = buildItem(1, "x", d("3"), d("0.335"), decimal.Zero, 0)
	require.NoError(t, err)
	require.Equal(t, "0.34", item.UnitPrice.String())
	require.Equal(t, "1.02", item.Subtotal.String())
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name    string
		current InvoiceStatus
		paid    string
		total   string
		want    InvoiceStatus
	}{
		{"unpaid pending", StatusPending, "0", "240", StatusPending},
		{"unpaid draft stays draft", StatusDraft, "0", "240", StatusDraft},
		{"partial", StatusPending, "100", "240", StatusPartial},
		{"exact", StatusPartial, "240", "240", StatusPaid},
		{"overpaid", StatusPending, "300", "240", StatusPaid},
		{"paid falls back to partial", StatusPaid, "100", "240", StatusPartial},
		{"zero total unpaid", StatusPending, "0", "0", StatusPending},
		{"cancelled is terminal", StatusCancelled, "240", "240", StatusCancelled},
		{"draft with payment", StatusDraft, "50", "240", StatusPartial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DeriveStatus(tc.current, d(tc.paid), d(tc.total)))
		})
	}
}

func TestSettleStampsAndClearsPaidAt(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	inv := Invoice{Status: StatusPending, Total: d("240")}
	payments := []Payment{
		{Amount: d("240"), Status: PaymentCompleted},
		{Amount: d("999"), Status: PaymentFailed},
		{Amount: d("999"), Status: PaymentPending},
	}

	settled := Settle(inv, payments, now)
	require.Equal(t, StatusPaid, settled.Status)
	require.NotNil(t, settled.PaidAt)
	require.True(t, settled.PaidAt.Equal(now))

	later := Settle(settled, payments, now.Add(time.Hour))
	require.True(t, later.PaidAt.Equal(now), "paid_at keeps the original transition time")

	settled.Total = d("500")
	reopened := Settle(settled, payments, now)
	require.Equal(t, StatusPartial, reopened.Status)
	require.Nil(t, reopened.PaidAt)
}

func TestRecalculateIsDeterministic(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	items := []InvoiceItem{mustItem(t, "1", "140", "0"), mustItem(t, "1", "100", "0")}
	payments := []Payment{{Amount: d("100"), Status: PaymentCompleted}}
	inv := Invoice{Status: StatusPending}

	first, err := Recalculate(inv, items, payments, now)
	require.NoError(t, err)
	second, err := Recalculate(first, items, payments, now)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, first.Status)
	require.False(t, derivedChanged(first, second))

	third, err := Recalculate(first, items[1:], payments, now)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, third.Status)
	require.True(t, derivedChanged(first, third))
}

func TestEffectiveStatus(t *testing.T) {
	due := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	inv := Invoice{Status: StatusPending, DueDate: due}

	require.Equal(t, StatusPending, EffectiveStatus(inv, due.Add(23*time.Hour)))
	require.Equal(t, StatusOverdue, EffectiveStatus(inv, due.AddDate(0, 0, 1)))

	inv.Status = StatusPartial
	require.Equal(t, StatusOverdue, EffectiveStatus(inv, due.AddDate(0, 1, 0)))

	for _, s := range []InvoiceStatus{StatusPaid, StatusDraft, StatusCancelled} {
		inv.Status = s
		require.Equal(t, s, EffectiveStatus(inv, due.AddDate(1, 0, 0)))
	}
}
