package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/freelancehq/portal/internal/shared"
)

type ledgerChange func(ctx context.Context, tx Repository, inv *Invoice, items []InvoiceItem) ([]InvoiceItem, error)

// mutateLedger locks the invoice, applies change to its item set and
// persists the recomputed totals and status before commit.
func (s *Service) mutateLedger(ctx context.Context, invoiceID int64, op string, change ledgerChange) (Invoice, error) {
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return ErrInvoiceCancelled
		}
		items, err := tx.ListItems(ctx, invoiceID)
		if err != nil {
			return err
		}
		if items, err = change(ctx, tx, inv, items); err != nil {
			return err
		}
		payments, err := tx.ListPayments(ctx, invoiceID)
		if err != nil {
			return err
		}
		next, err := Recalculate(*inv, items, payments, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateInvoiceState(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return Invoice{}, shared.Storage(err, op)
	}
	s.invalidate(ctx, invoiceID)
	return updated, nil
}

// AddItem appends a line to the invoice and recomputes its totals.
func (s *Service) AddItem(ctx context.Context, in AddItemInput) (Result[*ItemChange], error) {
	var res Result[*ItemChange]
	in.Description = strings.TrimSpace(in.Description)
	if err := shared.ValidateStruct(in); err != nil {
		return res, err
	}
	// Reject malformed amounts before opening a transaction.
	if _, err := buildItem(in.InvoiceID, in.Description, quantityOrDefault(in.Quantity), in.UnitPrice, in.Discount, 0); err != nil {
		return res, err
	}

	var added InvoiceItem
	inv, err := s.mutateLedger(ctx, in.InvoiceID, "add invoice item", func(ctx context.Context, tx Repository, _ *Invoice, items []InvoiceItem) ([]InvoiceItem, error) {
		order := nextOrderIndex(items)
		if in.OrderIndex != nil {
			order = *in.OrderIndex
		}
		item, err := buildItem(in.InvoiceID, in.Description, quantityOrDefault(in.Quantity), in.UnitPrice, in.Discount, order)
		if err != nil {
			return nil, err
		}
		if added, err = tx.InsertItem(ctx, item); err != nil {
			return nil, err
		}
		return append(items, added), nil
	})
	if err != nil {
		return res, err
	}

	s.record(ctx, "invoice", inv.ID, "invoice.item_added", map[string]any{
		"invoice_number": inv.Number,
		"item_id":        added.ID,
		"description":    added.Description,
		"subtotal":       added.Subtotal,
		"total":          inv.Total,
	}, nil)
	res.Data = &ItemChange{Item: added, Invoice: inv}
	res.Message = fmt.Sprintf("Item added to invoice %s", inv.Number)
	return res, nil
}

// RemoveItem deletes a line of the invoice and recomputes its totals.
func (s *Service) RemoveItem(ctx context.Context, invoiceID, itemID int64) (Result[*ItemChange], error) {
	var res Result[*ItemChange]
	if invoiceID <= 0 || itemID <= 0 {
		return res, shared.Validationf("invoice id and item id must be positive")
	}

	var removed InvoiceItem
	inv, err := s.mutateLedger(ctx, invoiceID, "remove invoice item", func(ctx context.Context, tx Repository, _ *Invoice, items []InvoiceItem) ([]InvoiceItem, error) {
		kept := make([]InvoiceItem, 0, len(items))
		found := false
		for _, item := range items {
			if item.ID == itemID {
				removed, found = item, true
				continue
			}
			kept = append(kept, item)
		}
		if !found {
			return nil, ErrItemNotFound
		}
		if err := tx.DeleteItem(ctx, invoiceID, itemID); err != nil {
			return nil, err
		}
		return kept, nil
	})
	if err != nil {
		return res, err
	}

	s.record(ctx, "invoice", inv.ID, "invoice.item_removed", map[string]any{
		"invoice_number": inv.Number,
		"item_id":        removed.ID,
		"description":    removed.Description,
		"total":          inv.Total,
	}, nil)
	res.Data = &ItemChange{Item: removed, Invoice: inv}
	res.Message = fmt.Sprintf("Item removed from invoice %s", inv.Number)
	return res, nil
}

// UpdateTaxDiscount replaces the invoice level tax and discount.
func (s *Service) UpdateTaxDiscount(ctx context.Context, in AdjustmentsInput) (Result[*Invoice], error) {
	var res Result[*Invoice]
	if err := shared.ValidateStruct(in); err != nil {
		return res, err
	}
	if in.Tax.IsNegative() || in.Discount.IsNegative() {
		return res, ErrNegativeAmount
	}

	inv, err := s.mutateLedger(ctx, in.InvoiceID, "update invoice adjustments", func(_ context.Context, _ Repository, inv *Invoice, items []InvoiceItem) ([]InvoiceItem, error) {
		inv.Tax = in.Tax
		inv.Discount = in.Discount
		return items, nil
	})
	if err != nil {
		return res, err
	}

	s.record(ctx, "invoice", inv.ID, "invoice.adjusted", map[string]any{
		"invoice_number": inv.Number,
		"tax":            inv.Tax,
		"discount":       inv.Discount,
		"total":          inv.Total,
	}, nil)
	res.Data = &inv
	res.Message = fmt.Sprintf("Invoice %s adjusted", inv.Number)
	return res, nil
}

func nextOrderIndex(items []InvoiceItem) int {
	if len(items) == 0 {
		return 0
	}
	next := items[0].OrderIndex
	for _, item := range items[1:] {
		if item.OrderIndex > next {
			next = item.OrderIndex
		}
	}
	return next + 1
}
