package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freelancehq/portal/internal/clients"
	"github.com/freelancehq/portal/internal/mail"
	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/observability"
	"github.com/freelancehq/portal/internal/shared"
)

// ClientDirectory resolves the billed client of an invoice.
type ClientDirectory interface {
	Get(ctx context.Context, id int64) (*clients.Client, error)
}

// EventDispatcher records side effects after a mutation committed.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Mailer hands an invoice summary to the email dispatcher.
type Mailer interface {
	SendInvoiceEmail(ctx context.Context, e mail.InvoiceEmail) (bool, error)
}

// ServiceConfig carries the billing defaults.
type ServiceConfig struct {
	DefaultCurrency string
	DefaultDueDays  int
	PortalBaseURL   string
	NumberAttempts  int
}

// Service orchestrates the invoice lifecycle.
type Service struct {
	repo       Repository
	clients    ClientDirectory
	dispatcher EventDispatcher
	mailer     Mailer
	gateway    Gateway
	cache      DetailCache
	numberer   *Numberer
	metrics    *observability.Metrics
	logger     *slog.Logger
	cfg        ServiceConfig
	now        func() time.Time
}

// NewService wires the billing service.
func NewService(repo Repository, directory ClientDirectory, dispatcher EventDispatcher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.DefaultDueDays <= 0 {
		cfg.DefaultDueDays = 30
	}
	return &Service{
		repo:       repo,
		clients:    directory,
		dispatcher: dispatcher,
		gateway:    StubGateway{},
		numberer:   NewNumberer(repo, cfg.NumberAttempts),
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetMailer configures the email dispatcher used by Send.
func (s *Service) SetMailer(m Mailer) { s.mailer = m }

// SetCache enables the invoice detail read cache.
func (s *Service) SetCache(c DetailCache) { s.cache = c }

// SetGateway replaces the payment reference gateway.
func (s *Service) SetGateway(g Gateway) { s.gateway = g }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetMetrics attaches Prometheus counters.
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.metrics = m
	s.numberer.OnConflict(m.NumberConflict)
}

// Create validates the request, allocates the invoice number and persists
// the invoice with its initial items in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInvoiceInput) (Result[*InvoiceDetail], error) {
	var res Result[*InvoiceDetail]
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.InvoiceNumber = strings.TrimSpace(in.InvoiceNumber)
	if err := shared.ValidateStruct(in); err != nil {
		return res, err
	}
	if in.Tax.IsNegative() || in.Discount.IsNegative() {
		return res, ErrNegativeAmount
	}

	client, err := s.clients.Get(ctx, in.ClientID)
	if err != nil {
		return res, err
	}
	if !client.IsActive {
		return res, ErrInactiveClient
	}

	now := s.now()
	issue := dateOf(now)
	if in.IssueDate != "" {
		if issue, err = parseDate(in.IssueDate); err != nil {
			return res, shared.Validationf("issue_date must be YYYY-MM-DD")
		}
	}
	due := issue.AddDate(0, 0, s.cfg.DefaultDueDays)
	if in.DueDate != "" {
		if due, err = parseDate(in.DueDate); err != nil {
			return res, shared.Validationf("due_date must be YYYY-MM-DD")
		}
	}
	if due.Before(issue) {
		return res, ErrDueBeforeIssue
	}

	items := make([]InvoiceItem, 0, len(in.Items))
	for i, it := range in.Items {
		order := i
		if it.OrderIndex != nil {
			order = *it.OrderIndex
		}
		item, err := buildItem(0, strings.TrimSpace(it.Description), quantityOrDefault(it.Quantity), it.UnitPrice, it.Discount, order)
		if err != nil {
			return res, err
		}
		items = append(items, item)
	}

	draft := Invoice{
		ClientID:    in.ClientID,
		ProjectID:   in.ProjectID,
		MilestoneID: in.MilestoneID,
		Tax:         in.Tax,
		Discount:    in.Discount,
		Currency:    in.Currency,
		Status:      in.Status,
		IssueDate:   issue,
		DueDate:     due,
		Notes:       in.Notes,
	}
	if draft.Currency == "" {
		draft.Currency = s.cfg.DefaultCurrency
	}
	if draft.Status == "" {
		draft.Status = StatusPending
	}
	draft, err = Recalculate(draft, items, nil, now)
	if err != nil {
		return res, err
	}

	var created Invoice
	var createdItems []InvoiceItem
	insert := func(ctx context.Context, number string) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			candidate := draft
			candidate.Number = number
			saved, err := tx.CreateInvoice(ctx, candidate)
			if err != nil {
				return err
			}
			stored := make([]InvoiceItem, 0, len(items))
			for _, item := range items {
				item.InvoiceID = saved.ID
				item, err = tx.InsertItem(ctx, item)
				if err != nil {
					return err
				}
				stored = append(stored, item)
			}
			created, createdItems = saved, stored
			return nil
		})
	}
	if in.InvoiceNumber != "" {
		err = insert(ctx, in.InvoiceNumber)
	} else {
		_, err = s.numberer.Assign(ctx, now, insert)
	}
	if err != nil {
		return res, shared.Storage(err, "create invoice")
	}
	s.metrics.InvoiceCreated()

	s.record(ctx, "invoice", created.ID, "invoice.created", map[string]any{
		"invoice_number": created.Number,
		"total":          created.Total,
		"currency":       created.Currency,
		"items":          len(createdItems),
	}, &notify.Notification{
		ClientID: created.ClientID,
		Type:     notify.TypeInvoice,
		Title:    "New invoice " + created.Number,
		Message: fmt.Sprintf("Invoice %s for %s is due on %s.",
			created.Number, mail.FormatAmount(created.Total, created.Currency), created.DueDate.Format(dateLayout)),
		Link: s.invoiceLink(created.ID),
	})

	res.Data = assemble(created, createdItems, nil, now)
	res.Message = fmt.Sprintf("Invoice %s created", created.Number)
	return res, nil
}

// Get returns the invoice with its items and payments.
func (s *Service) Get(ctx context.Context, id int64) (Result[*InvoiceDetail], error) {
	var res Result[*InvoiceDetail]
	load := func(ctx context.Context) (*InvoiceDetail, error) {
		return s.loadDetail(ctx, id)
	}
	var detail *InvoiceDetail
	var err error
	if s.cache != nil {
		detail, err = s.cache.Fetch(ctx, id, load)
	} else {
		detail, err = load(ctx)
	}
	if err != nil {
		return res, shared.Storage(err, "get invoice")
	}
	detail.EffectiveStatus = EffectiveStatus(detail.Invoice, s.now())
	res.Data = detail
	return res, nil
}

// List returns invoice summaries. Filtering by overdue selects open invoices
// past their due date.
func (s *Service) List(ctx context.Context, req ListInvoicesRequest) (Result[[]InvoiceSummary], error) {
	var res Result[[]InvoiceSummary]
	wantOverdue := req.Status == StatusOverdue
	if wantOverdue {
		req.Status = ""
	}
	invoices, err := s.repo.ListInvoices(ctx, req)
	if err != nil {
		return res, shared.Storage(err, "list invoices")
	}
	now := s.now()
	out := make([]InvoiceSummary, 0, len(invoices))
	for _, inv := range invoices {
		eff := EffectiveStatus(inv, now)
		if wantOverdue && eff != StatusOverdue {
			continue
		}
		out = append(out, InvoiceSummary{Invoice: inv, EffectiveStatus: eff})
	}
	res.Data = out
	return res, nil
}

// Send hands the invoice summary to the email dispatcher. A sent draft
// becomes pending.
func (s *Service) Send(ctx context.Context, id int64) (Result[*Invoice], error) {
	var res Result[*Invoice]
	if s.mailer == nil {
		return res, ErrMailerUnavailable
	}
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return res, shared.Storage(err, "get invoice")
	}
	if inv.Status == StatusCancelled {
		return res, ErrInvoiceCancelled
	}
	client, err := s.clients.Get(ctx, inv.ClientID)
	if err != nil {
		return res, err
	}

	ok, err := s.mailer.SendInvoiceEmail(ctx, mail.InvoiceEmail{
		To:            client.Email,
		ClientName:    client.Name,
		InvoiceNumber: inv.Number,
		TotalAmount:   inv.Total,
		Currency:      inv.Currency,
		DueDate:       inv.DueDate,
		PortalLink:    s.invoiceLink(inv.ID),
	})
	if err == nil && !ok {
		err = errors.New("email dispatcher declined the message")
	}
	if err != nil {
		s.logger.WarnContext(ctx, "invoice email failed",
			slog.Int64("invoice_id", inv.ID),
			slog.String("invoice_number", inv.Number),
			slog.Any("error", err))
		return res, emailDeliveryError(err)
	}

	previous := inv.Status
	if inv.Status == StatusDraft {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			locked, err := tx.LockInvoice(ctx, id)
			if err != nil {
				return err
			}
			if locked.Status == StatusDraft {
				locked.Status = StatusPending
				if err := tx.UpdateInvoiceState(ctx, *locked); err != nil {
					return err
				}
			}
			inv = locked
			return nil
		})
		if err != nil {
			return res, shared.Storage(err, "mark invoice sent")
		}
		s.invalidate(ctx, id)
	}

	s.record(ctx, "invoice", inv.ID, "invoice.sent", map[string]any{
		"invoice_number":  inv.Number,
		"to":              client.Email,
		"previous_status": previous,
		"status":          inv.Status,
	}, nil)
	res.Data = inv
	res.Message = fmt.Sprintf("Invoice %s sent to %s", inv.Number, client.Email)
	return res, nil
}

// Cancel marks an invoice cancelled. Invoices with completed payments cannot
// be cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (Result[*Invoice], error) {
	var res Result[*Invoice]
	var inv *Invoice
	var already bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		locked, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status == StatusCancelled {
			inv, already = locked, true
			return nil
		}
		payments, err := tx.ListPayments(ctx, id)
		if err != nil {
			return err
		}
		if PaidAmount(payments).IsPositive() {
			return ErrCannotCancelPaid
		}
		locked.Status = StatusCancelled
		locked.PaidAt = nil
		if err := tx.UpdateInvoiceState(ctx, *locked); err != nil {
			return err
		}
		inv = locked
		return nil
	})
	if err != nil {
		return res, shared.Storage(err, "cancel invoice")
	}
	res.Data = inv
	if already {
		res.Message = fmt.Sprintf("Invoice %s is already cancelled", inv.Number)
		return res, nil
	}
	s.invalidate(ctx, id)
	s.record(ctx, "invoice", inv.ID, "invoice.cancelled", map[string]any{"invoice_number": inv.Number}, nil)
	res.Message = fmt.Sprintf("Invoice %s cancelled", inv.Number)
	return res, nil
}

func (s *Service) loadDetail(ctx context.Context, id int64) (*InvoiceDetail, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	return assemble(*inv, items, payments, s.now()), nil
}

func assemble(inv Invoice, items []InvoiceItem, payments []Payment, now time.Time) *InvoiceDetail {
	if items == nil {
		items = []InvoiceItem{}
	}
	if payments == nil {
		payments = []Payment{}
	}
	paid := PaidAmount(payments)
	return &InvoiceDetail{
		Invoice:         inv,
		Items:           items,
		Payments:        payments,
		AmountPaid:      paid,
		Balance:         inv.Total.Sub(paid),
		EffectiveStatus: EffectiveStatus(inv, now),
	}
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, id)
	}
}

func (s *Service) record(ctx context.Context, entityType string, entityID int64, action string, meta map[string]any, n *notify.Notification) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, notify.Event{
		Activity: notify.Activity{
			EntityType: entityType,
			EntityID:   strconv.FormatInt(entityID, 10),
			Action:     action,
			Metadata:   meta,
		},
		Notification: n,
	})
}

func (s *Service) invoiceLink(id int64) string {
	return strings.TrimRight(s.cfg.PortalBaseURL, "/") + "/invoices/" + strconv.FormatInt(id, 10)
}

func quantityOrDefault(q *decimal.Decimal) decimal.Decimal {
	if q == nil {
		return decimal.NewFromInt(1)
	}
	return *q
}
