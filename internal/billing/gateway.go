package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentRequest describes a payment about to be recorded.
type PaymentRequest struct {
	InvoiceID int64
	Amount    decimal.Decimal
	Currency  string
	Method    string
}

// Gateway issues transaction references for payments recorded without one.
type Gateway interface {
	Reference(ctx context.Context, req PaymentRequest) (string, error)
}

// StubGateway generates local references. It never contacts a processor.
type StubGateway struct{}

// Reference returns a random reference prefixed with "stub_".
func (StubGateway) Reference(context.Context, PaymentRequest) (string, error) {
	return "stub_" + uuid.NewString(), nil
}
