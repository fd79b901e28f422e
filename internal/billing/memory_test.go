package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/freelancehq/portal/internal/clients"
	"github.com/freelancehq/portal/internal/mail"
	"github.com/freelancehq/portal/internal/notify"
)

type memoryState struct {
	nextID   int64
	invoices map[int64]Invoice
	items    map[int64]InvoiceItem
	payments map[int64]Payment
	keys     map[string]int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nextID:   s.nextID,
		invoices: make(map[int64]Invoice, len(s.invoices)),
		items:    make(map[int64]InvoiceItem, len(s.items)),
		payments: make(map[int64]Payment, len(s.payments)),
		keys:     make(map[string]int64, len(s.keys)),
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

// memoryRepo serialises transactions and restores a snapshot on error.
type memoryRepo struct {
	txMu    *sync.Mutex
	mu      *sync.Mutex
	state   **memoryState
	lastErr error
	// collideOnce makes the next n CreateInvoice calls report a taken number.
	collideOnce *int
	commits     *int
	duplicates  *int
	// gate, when set, holds number reads until enough readers arrive.
	gate *readGate
}

// readGate releases its first n waiters together, so their reads observe
// the same last invoice number. Later waiters pass straight through.
type readGate struct {
	mu      sync.Mutex
	n       int
	arrived int
	open    chan struct{}
}

func newReadGate(n int) *readGate {
	return &readGate{n: n, open: make(chan struct{})}
}

func (g *readGate) wait() {
	g.mu.Lock()
	if g.arrived >= g.n {
		g.mu.Unlock()
		return
	}
	g.arrived++
	if g.arrived == g.n {
		close(g.open)
	}
	g.mu.Unlock()
	<-g.open
}

func newMemoryRepo() *memoryRepo {
	st := &memoryState{
		invoices: map[int64]Invoice{},
		items:    map[int64]InvoiceItem{},
		payments: map[int64]Payment{},
		keys:     map[string]int64{},
	}
	collide, commits, duplicates := 0, 0, 0
	return &memoryRepo{txMu: &sync.Mutex{}, mu: &sync.Mutex{}, state: &st, collideOnce: &collide, commits: &commits, duplicates: &duplicates}
}

func (r *memoryRepo) s() *memoryState { return *r.state }

func (r *memoryRepo) id() int64 {
	r.s().nextID++
	return r.s().nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	snapshot := r.s().clone()
	r.mu.Unlock()
	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		*r.state = snapshot
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	*r.commits++
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) LastInvoiceNumber(_ context.Context, prefix string) (string, error) {
	if r.gate != nil {
		r.gate.wait()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr != nil {
		return "", r.lastErr
	}
	last := ""
	for _, inv := range r.s().invoices {
		if len(inv.Number) == numberLength && strings.HasPrefix(inv.Number, prefix) && inv.Number > last {
			last = inv.Number
		}
	}
	return last, nil
}

func (r *memoryRepo) CreateInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *r.collideOnce > 0 {
		*r.collideOnce--
		*r.duplicates++
		return inv, fmt.Errorf("billing: invoice number %s: %w", inv.Number, ErrDuplicateNumber)
	}
	for _, existing := range r.s().invoices {
		if existing.Number == inv.Number {
			*r.duplicates++
			return inv, fmt.Errorf("billing: invoice number %s: %w", inv.Number, ErrDuplicateNumber)
		}
	}
	inv.ID = r.id()
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	r.s().invoices[inv.ID] = inv
	return inv, nil
}

func (r *memoryRepo) GetInvoice(_ context.Context, id int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.s().invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (r *memoryRepo) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return r.GetInvoice(ctx, id)
}

func (r *memoryRepo) ListInvoices(_ context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.s().invoices {
		if req.ClientID > 0 && inv.ClientID != req.ClientID {
			continue
		}
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ListOpenInvoiceIDs(_ context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, inv := range r.s().invoices {
		if inv.Status != StatusCancelled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memoryRepo) UpdateInvoiceState(_ context.Context, inv Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.s().invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	inv.UpdatedAt = time.Now()
	r.s().invoices[inv.ID] = inv
	return nil
}

func (r *memoryRepo) InsertItem(_ context.Context, item InvoiceItem) (InvoiceItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item.ID = r.id()
	item.CreatedAt = time.Now()
	r.s().items[item.ID] = item
	return item, nil
}

func (r *memoryRepo) DeleteItem(_ context.Context, invoiceID, itemID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.s().items[itemID]
	if !ok || item.InvoiceID != invoiceID {
		return ErrItemNotFound
	}
	delete(r.s().items, itemID)
	return nil
}

func (r *memoryRepo) ListItems(_ context.Context, invoiceID int64) ([]InvoiceItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []InvoiceItem
	for _, item := range r.s().items {
		if item.InvoiceID == invoiceID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryRepo) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.id()
	p.CreatedAt = time.Now()
	r.s().payments[p.ID] = p
	return p, nil
}

func (r *memoryRepo) GetPayment(_ context.Context, id int64) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.s().payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (r *memoryRepo) ListPayments(_ context.Context, invoiceID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.s().payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) LookupPaymentKey(_ context.Context, key string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.s().keys[key]
	return id, ok, nil
}

func (r *memoryRepo) ClaimPaymentKey(_ context.Context, key string, paymentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.s().keys[key]; ok {
		return ErrDuplicatePayment
	}
	r.s().keys[key] = paymentID
	return nil
}

// drift overwrites stored derived fields to simulate a stale row.
func (r *memoryRepo) drift(id int64, mutate func(*Invoice)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv := r.s().invoices[id]
	mutate(&inv)
	r.s().invoices[id] = inv
}

type memoryDirectory struct {
	clients map[int64]clients.Client
}

func newDirectory() *memoryDirectory {
	return &memoryDirectory{clients: map[int64]clients.Client{
		1: {ID: 1, Name: "Acme", Email: "billing@acme.test", IsActive: true},
		2: {ID: 2, Name: "Gone Ltd", Email: "gone@ltd.test", IsActive: false},
	}}
}

func (d *memoryDirectory) Get(_ context.Context, id int64) (*clients.Client, error) {
	c, ok := d.clients[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	return &c, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev.Activity.Action)
	}
	return out
}

func (d *recordingDispatcher) notifications() []notify.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []notify.Notification
	for _, ev := range d.events {
		if ev.Notification != nil {
			out = append(out, *ev.Notification)
		}
	}
	return out
}

type fakeMailer struct {
	sent []mail.InvoiceEmail
	ok   bool
	err  error
}

func (m *fakeMailer) SendInvoiceEmail(_ context.Context, e mail.InvoiceEmail) (bool, error) {
	if m.err != nil || !m.ok {
		return false, m.err
	}
	m.sent = append(m.sent, e)
	return true, nil
}

var errBoom = errors.New("boom")
