package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice statuses.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusPending   InvoiceStatus = "pending"
	StatusPartial   InvoiceStatus = "partial"
	StatusPaid      InvoiceStatus = "paid"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusCancelled InvoiceStatus = "cancelled"
)

// PaymentStatus enumerates payment statuses.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Invoice model.
type Invoice struct {
	ID          int64           `json:"id"`
	ClientID    int64           `json:"client_id"`
	ProjectID   *int64          `json:"project_id,omitempty"`
	MilestoneID *int64          `json:"milestone_id,omitempty"`
	Number      string          `json:"invoice_number"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Status      InvoiceStatus   `json:"status"`
	IssueDate   time.Time       `json:"issue_date"`
	DueDate     time.Time       `json:"due_date"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// InvoiceItem is a chargeable line owned by exactly one invoice.
type InvoiceItem struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	OrderIndex  int             `json:"order_index"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Payment is an append-only record of funds transferred against an invoice.
type Payment struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	Status        PaymentStatus   `json:"status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	PaidAt        time.Time       `json:"paid_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// InvoiceDetail bundles an invoice with its items and payments.
type InvoiceDetail struct {
	Invoice
	Items           []InvoiceItem   `json:"items"`
	Payments        []Payment       `json:"payments"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	Balance         decimal.Decimal `json:"balance"`
	EffectiveStatus InvoiceStatus   `json:"effective_status"`
}

// InvoiceSummary is the list view of an invoice.
type InvoiceSummary struct {
	Invoice
	EffectiveStatus InvoiceStatus `json:"effective_status"`
}

// ItemChange is returned by item mutations.
type ItemChange struct {
	Item    InvoiceItem `json:"item"`
	Invoice Invoice     `json:"invoice"`
}

// PaymentResult is returned by payment registration.
type PaymentResult struct {
	Payment  Payment `json:"payment"`
	Invoice  Invoice `json:"invoice"`
	Replayed bool    `json:"replayed"`
}

// ListInvoicesRequest filters invoice listings.
type ListInvoicesRequest struct {
	ClientID int64
	Status   InvoiceStatus
	Limit    int
	Offset   int
}
