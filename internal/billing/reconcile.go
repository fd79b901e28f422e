package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/freelancehq/portal/internal/mail"
	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/shared"
)

// RegisterPayment records a payment and, when it completed, re-derives the
// invoice status from the full payment history in the same transaction.
// A repeated idempotency key returns the originally recorded payment.
func (s *Service) RegisterPayment(ctx context.Context, in RegisterPaymentInput) (Result[*PaymentResult], error) {
	var res Result[*PaymentResult]
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Method = strings.TrimSpace(in.Method)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if err := shared.ValidateStruct(in); err != nil {
		return res, err
	}
	amount := RoundMoney(in.Amount)
	if !amount.IsPositive() {
		return res, ErrInvalidPaymentAmount
	}
	now := s.now()
	paidAt := now
	if in.PaidAt != nil {
		paidAt = *in.PaidAt
	}

	var out PaymentResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		out = PaymentResult{}
		inv, err := tx.LockInvoice(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			paymentID, found, err := tx.LookupPaymentKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				p, err := tx.GetPayment(ctx, paymentID)
				if err != nil {
					return err
				}
				if p.InvoiceID != inv.ID {
					return shared.Validationf("idempotency key was already used for another invoice")
				}
				out = PaymentResult{Payment: *p, Invoice: *inv, Replayed: true}
				return nil
			}
		}
		if inv.Status == StatusCancelled {
			return ErrInvoiceCancelled
		}
		currency := in.Currency
		if currency == "" {
			currency = inv.Currency
		}
		if currency != inv.Currency {
			return ErrCurrencyMismatch
		}

		txnID := in.TransactionID
		if txnID == "" {
			if txnID, err = s.gateway.Reference(ctx, PaymentRequest{
				InvoiceID: inv.ID, Amount: amount, Currency: currency, Method: in.Method,
			}); err != nil {
				return fmt.Errorf("billing: payment reference: %w", err)
			}
		}
		payment, err := tx.InsertPayment(ctx, Payment{
			InvoiceID:     inv.ID,
			Amount:        amount,
			Currency:      currency,
			Method:        in.Method,
			Status:        in.Status,
			TransactionID: txnID,
			PaidAt:        paidAt,
		})
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			if err := tx.ClaimPaymentKey(ctx, in.IdempotencyKey, payment.ID); err != nil {
				return err
			}
		}

		next := *inv
		if payment.Status == PaymentCompleted {
			payments, err := tx.ListPayments(ctx, inv.ID)
			if err != nil {
				return err
			}
			next = Settle(*inv, payments, now)
			if derivedChanged(*inv, next) {
				if err := tx.UpdateInvoiceState(ctx, next); err != nil {
					return err
				}
			}
		}
		out = PaymentResult{Payment: payment, Invoice: next}
		return nil
	})
	if err != nil {
		return res, shared.Storage(err, "register payment")
	}
	res.Data = &out
	if out.Replayed {
		res.Message = fmt.Sprintf("Payment for invoice %s was already recorded", out.Invoice.Number)
		return res, nil
	}

	s.metrics.PaymentRecorded(string(out.Payment.Status))
	s.invalidate(ctx, out.Invoice.ID)

	formatted := mail.FormatAmount(out.Payment.Amount, out.Payment.Currency)
	var n *notify.Notification
	if out.Payment.Status == PaymentCompleted {
		msg := fmt.Sprintf("We received %s for invoice %s.", formatted, out.Invoice.Number)
		if out.Invoice.Status == StatusPaid {
			msg += " The invoice is paid in full."
		}
		n = &notify.Notification{
			ClientID: out.Invoice.ClientID,
			Type:     notify.TypePayment,
			Title:    "Payment received",
			Message:  msg,
			Link:     s.invoiceLink(out.Invoice.ID),
		}
	}
	s.record(ctx, "payment", out.Payment.ID, "payment.recorded", map[string]any{
		"invoice_id":     out.Invoice.ID,
		"invoice_number": out.Invoice.Number,
		"amount":         out.Payment.Amount,
		"status":         out.Payment.Status,
		"method":         out.Payment.Method,
		"invoice_status": out.Invoice.Status,
	}, n)

	res.Message = fmt.Sprintf("Payment of %s recorded", formatted)
	if out.Invoice.Status == StatusPaid {
		res.Message = fmt.Sprintf("Payment of %s recorded, invoice %s is paid", formatted, out.Invoice.Number)
	}
	return res, nil
}

// Reconcile re-derives totals and status of one invoice from its items and
// payments, persisting only when something drifted.
func (s *Service) Reconcile(ctx context.Context, id int64) (Result[*Invoice], error) {
	var res Result[*Invoice]
	inv, changed, err := s.reconcileOne(ctx, id)
	if err != nil {
		return res, err
	}
	res.Data = inv
	if changed {
		res.Message = fmt.Sprintf("Invoice %s reconciled", inv.Number)
	} else {
		res.Message = fmt.Sprintf("Invoice %s is consistent", inv.Number)
	}
	return res, nil
}

// ReconcileOpen reconciles every invoice that is not cancelled and reports
// how many changed. It keeps going past individual failures.
func (s *Service) ReconcileOpen(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOpenInvoiceIDs(ctx)
	if err != nil {
		return 0, shared.Storage(err, "list open invoices")
	}
	changed := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, ok, err := s.reconcileOne(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "reconcile invoice failed", slog.Int64("invoice_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("invoice %d: %w", id, err))
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

func (s *Service) reconcileOne(ctx context.Context, id int64) (*Invoice, bool, error) {
	var before, after Invoice
	var changed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, id)
		if err != nil {
			return err
		}
		payments, err := tx.ListPayments(ctx, id)
		if err != nil {
			return err
		}
		next, err := Recalculate(*inv, items, payments, s.now())
		if err != nil {
			return err
		}
		before, after, changed = *inv, next, derivedChanged(*inv, next)
		if !changed {
			return nil
		}
		return tx.UpdateInvoiceState(ctx, next)
	})
	if err != nil {
		return nil, false, shared.Storage(err, "reconcile invoice")
	}
	if changed {
		s.invalidate(ctx, id)
		s.record(ctx, "invoice", id, "invoice.reconciled", map[string]any{
			"invoice_number":  after.Number,
			"previous_status": before.Status,
			"status":          after.Status,
			"previous_total":  before.Total,
			"total":           after.Total,
		}, nil)
	}
	return &after, changed, nil
}
