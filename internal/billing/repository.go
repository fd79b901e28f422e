package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freelancehq/portal/internal/platform/db"
	"github.com/freelancehq/portal/internal/shared"
)

const (
	invoiceNumberConstraint = "invoices_invoice_number_key"
	paymentKeyModule        = "billing.payment"
	maxTxAttempts           = 3
)

// Repository is the persistence port of the billing service. Inside WithTx
// the callback receives a Repository bound to the transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	LastInvoiceNumber(ctx context.Context, prefix string) (string, error)
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	LockInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)
	ListOpenInvoiceIDs(ctx context.Context) ([]int64, error)
	UpdateInvoiceState(ctx context.Context, inv Invoice) error

	InsertItem(ctx context.Context, item InvoiceItem) (InvoiceItem, error)
	DeleteItem(ctx context.Context, invoiceID, itemID int64) error
	ListItems(ctx context.Context, invoiceID int64) ([]InvoiceItem, error)

	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	LookupPaymentKey(ctx context.Context, key string) (int64, bool, error)
	ClaimPaymentKey(ctx context.Context, key string, paymentID int64) error
}

type repository struct {
	db   db.DBTX
	pool *pgxpool.Pool
	idem *shared.IdempotencyStore
}

// NewRepository constructs the PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool, idem *shared.IdempotencyStore) Repository {
	if idem == nil {
		idem = shared.NewIdempotencyStore()
	}
	return &repository{db: pool, pool: pool, idem: idem}
}

// WithTx runs fn at READ COMMITTED. Mutations lock the invoice row first, so
// serialization failures and deadlocks are rare and replayed a bounded
// number of times.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(ctx, &repository{db: tx, pool: r.pool, idem: r.idem})
		})
		if err == nil || !db.IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("billing: %w: %v", ErrConcurrentUpdate, err)
}

const invoiceColumns = `id, client_id, project_id, milestone_id, invoice_number,
	subtotal, tax, discount, total, currency, status,
	issue_date, due_date, paid_at, notes, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var projectID, milestoneID pgtype.Int8
	var paidAt pgtype.Timestamptz
	var status string
	err := row.Scan(
		&inv.ID, &inv.ClientID, &projectID, &milestoneID, &inv.Number,
		&inv.Subtotal, &inv.Tax, &inv.Discount, &inv.Total, &inv.Currency, &status,
		&inv.IssueDate, &inv.DueDate, &paidAt, &inv.Notes, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	inv.Currency = strings.TrimSpace(inv.Currency)
	if projectID.Valid {
		inv.ProjectID = &projectID.Int64
	}
	if milestoneID.Valid {
		inv.MilestoneID = &milestoneID.Int64
	}
	if paidAt.Valid {
		t := paidAt.Time
		inv.PaidAt = &t
	}
	return &inv, nil
}

// LastInvoiceNumber returns the greatest sequenced number for prefix. Free
// form numbers supplied by callers never take part in sequencing.
func (r *repository) LastInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	const query = `
		SELECT invoice_number FROM invoices
		WHERE invoice_number LIKE $1 || '%'
		  AND length(invoice_number) = $2
		  AND invoice_number ~ '^[0-9]+$'
		ORDER BY invoice_number DESC
		LIMIT 1`
	var number string
	err := r.db.QueryRow(ctx, query, prefix, numberLength).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return number, nil
}

// CreateInvoice inserts the invoice header. A collision on the invoice number
// constraint is reported as ErrDuplicateNumber.
func (r *repository) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	const query = `
		INSERT INTO invoices (
			client_id, project_id, milestone_id, invoice_number,
			subtotal, tax, discount, total, currency, status,
			issue_date, due_date, paid_at, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		inv.ClientID, inv.ProjectID, inv.MilestoneID, inv.Number,
		inv.Subtotal, inv.Tax, inv.Discount, inv.Total, inv.Currency, string(inv.Status),
		inv.IssueDate, inv.DueDate, inv.PaidAt, inv.Notes,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, invoiceNumberConstraint) {
			return inv, fmt.Errorf("billing: invoice number %s: %w", inv.Number, ErrDuplicateNumber)
		}
		return inv, err
	}
	return inv, nil
}

func (r *repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

// LockInvoice reads the invoice with a row lock held until the transaction ends.
func (r *repository) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (r *repository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`
	args := []any{}
	argPos := 1
	if req.ClientID > 0 {
		query += fmt.Sprintf(" AND client_id = $%d", argPos)
		args = append(args, req.ClientID)
		argPos++
	}
	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(req.Status))
		argPos++
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY issue_date DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// ListOpenInvoiceIDs returns invoices whose derived state may still change.
func (r *repository) ListOpenInvoiceIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM invoices WHERE status <> 'cancelled' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateInvoiceState persists the mutable and derived fields of inv.
func (r *repository) UpdateInvoiceState(ctx context.Context, inv Invoice) error {
	const query = `
		UPDATE invoices
		SET subtotal = $2, tax = $3, discount = $4, total = $5,
			status = $6, paid_at = $7, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, inv.ID, inv.Subtotal, inv.Tax, inv.Discount, inv.Total, string(inv.Status), inv.PaidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *repository) InsertItem(ctx context.Context, item InvoiceItem) (InvoiceItem, error) {
	const query = `
		INSERT INTO invoice_items (invoice_id, description, quantity, unit_price, discount, subtotal, order_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query,
		item.InvoiceID, item.Description, item.Quantity, item.UnitPrice, item.Discount, item.Subtotal, item.OrderIndex,
	).Scan(&item.ID, &item.CreatedAt)
	return item, err
}

// DeleteItem removes itemID only when it belongs to invoiceID.
func (r *repository) DeleteItem(ctx context.Context, invoiceID, itemID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM invoice_items WHERE id = $1 AND invoice_id = $2`, itemID, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *repository) ListItems(ctx context.Context, invoiceID int64) ([]InvoiceItem, error) {
	const query = `
		SELECT id, invoice_id, description, quantity, unit_price, discount, subtotal, order_index, created_at
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY order_index, id`
	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []InvoiceItem
	for rows.Next() {
		var item InvoiceItem
		if err := rows.Scan(
			&item.ID, &item.InvoiceID, &item.Description, &item.Quantity, &item.UnitPrice,
			&item.Discount, &item.Subtotal, &item.OrderIndex, &item.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const paymentColumns = `id, invoice_id, amount, currency, method, status, transaction_id, paid_at, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var status string
	var txnID pgtype.Text
	if err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Currency, &p.Method, &status, &txnID, &p.PaidAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.Currency = strings.TrimSpace(p.Currency)
	p.TransactionID = txnID.String
	return &p, nil
}

func (r *repository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	const query = `
		INSERT INTO payments (invoice_id, amount, currency, method, status, transaction_id, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`
	txnID := pgtype.Text{String: p.TransactionID, Valid: p.TransactionID != ""}
	err := r.db.QueryRow(ctx, query,
		p.InvoiceID, p.Amount, p.Currency, p.Method, string(p.Status), txnID, p.PaidAt,
	).Scan(&p.ID, &p.CreatedAt)
	return p, err
}

func (r *repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (r *repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// LookupPaymentKey resolves a previously claimed idempotency key.
func (r *repository) LookupPaymentKey(ctx context.Context, key string) (int64, bool, error) {
	ref, err := r.idem.Lookup(ctx, r.db, key, paymentKeyModule)
	if errors.Is(err, shared.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("billing: idempotency key %q has malformed ref %q: %w", key, ref, err)
	}
	return id, true, nil
}

// ClaimPaymentKey records key against paymentID. A concurrent claim of the
// same key surfaces as ErrDuplicatePayment.
func (r *repository) ClaimPaymentKey(ctx context.Context, key string, paymentID int64) error {
	err := r.idem.CheckAndInsert(ctx, r.db, key, paymentKeyModule, strconv.FormatInt(paymentID, 10))
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrDuplicatePayment
	}
	return err
}
