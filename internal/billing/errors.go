package billing

import "github.com/freelancehq/portal/internal/shared"

// Domain errors for billing.
var (
	ErrInvoiceNotFound = shared.NotFoundf("invoice not found")
	ErrItemNotFound    = shared.NotFoundf("invoice item not found")
	ErrPaymentNotFound = shared.NotFoundf("payment not found")

	// Validation errors.
	ErrNegativeTotal        = shared.Validationf("invoice total cannot be negative")
	ErrItemDiscountExceeds  = shared.Validationf("item discount cannot exceed quantity times unit price")
	ErrNegativeAmount       = shared.Validationf("amounts cannot be negative")
	ErrInvalidQuantity      = shared.Validationf("quantity must be greater than zero")
	ErrInvalidPaymentAmount = shared.Validationf("payment amount must be greater than zero")
	ErrCurrencyMismatch     = shared.Validationf("payment currency must match invoice currency")
	ErrInvoiceCancelled     = shared.Validationf("invoice is cancelled")
	ErrInactiveClient       = shared.Validationf("client is inactive")
	ErrDueBeforeIssue       = shared.Validationf("due date cannot be before issue date")
	ErrCannotCancelPaid     = shared.Validationf("cannot cancel an invoice with completed payments")

	// Conflict errors.
	ErrDuplicateNumber      = shared.Conflictf(nil, "invoice number already exists")
	ErrNumberConflict       = shared.Conflictf(nil, "could not allocate a unique invoice number, retry the request")
	ErrNumberSpaceExhausted = shared.Conflictf(nil, "invoice numbers for this month are exhausted")
	ErrConcurrentUpdate     = shared.Conflictf(nil, "invoice was modified concurrently, retry the request")
	ErrDuplicatePayment     = shared.Conflictf(shared.ErrIdempotencyConflict, "payment with this idempotency key is being processed")

	// Collaborator errors.
	ErrMailerUnavailable = shared.NewError(shared.KindConfiguration, "email dispatcher is not configured", shared.ErrUnavailable)
)

func emailDeliveryError(err error) error {
	return shared.NewError(shared.KindEmailDelivery, "invoice email could not be sent", err)
}
