package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Result is what every orchestration operation hands back to its caller.
type Result[T any] struct {
	Data    T
	Message string
}

// CreateItemInput describes one line supplied at creation or via AddItem.
type CreateItemInput struct {
	Description string           `json:"description" validate:"required,max=500"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Discount    decimal.Decimal  `json:"discount"`
	OrderIndex  *int             `json:"order_index,omitempty" validate:"omitempty,gte=0"`
}

// CreateInvoiceInput is the payload of Create. Dates use YYYY-MM-DD.
type CreateInvoiceInput struct {
	ClientID      int64             `json:"client_id" validate:"required,gt=0"`
	ProjectID     *int64            `json:"project_id,omitempty" validate:"omitempty,gt=0"`
	MilestoneID   *int64            `json:"milestone_id,omitempty" validate:"omitempty,gt=0"`
	InvoiceNumber string            `json:"invoice_number,omitempty" validate:"omitempty,max=32,printascii"`
	Currency      string            `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Tax           decimal.Decimal   `json:"tax"`
	Discount      decimal.Decimal   `json:"discount"`
	Status        InvoiceStatus     `json:"status,omitempty" validate:"omitempty,oneof=draft pending"`
	IssueDate     string            `json:"issue_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DueDate       string            `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Notes         string            `json:"notes,omitempty" validate:"max=2000"`
	Items         []CreateItemInput `json:"items,omitempty" validate:"omitempty,dive"`
}

// AddItemInput is the payload of AddItem.
type AddItemInput struct {
	InvoiceID int64 `json:"-" validate:"required,gt=0"`
	CreateItemInput
}

// AdjustmentsInput is the payload of UpdateTaxDiscount.
type AdjustmentsInput struct {
	InvoiceID int64           `json:"-" validate:"required,gt=0"`
	Tax       decimal.Decimal `json:"tax"`
	Discount  decimal.Decimal `json:"discount"`
}

// RegisterPaymentInput is the payload of RegisterPayment.
type RegisterPaymentInput struct {
	InvoiceID      int64           `json:"-" validate:"required,gt=0"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Method         string          `json:"method" validate:"required,max=50"`
	Status         PaymentStatus   `json:"status" validate:"required,oneof=pending completed failed"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	TransactionID  string          `json:"transaction_id,omitempty" validate:"omitempty,max=128"`
	IdempotencyKey string          `json:"-" validate:"omitempty,max=128"`
}

func parseDate(v string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, v, time.UTC)
}
