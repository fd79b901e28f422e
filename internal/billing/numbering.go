package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	numberPrefixLayout = "200601"
	sequenceDigits     = 4
	numberLength       = len(numberPrefixLayout) + sequenceDigits
	maxSequence        = 9999

	// DefaultNumberAttempts bounds how many candidate numbers are tried
	// before giving up with ErrNumberConflict.
	DefaultNumberAttempts = 3
)

// NumberPrefix returns the YYYYMM prefix for at.
func NumberPrefix(at time.Time) string {
	return at.UTC().Format(numberPrefixLayout)
}

// FormatNumber renders the invoice number for the given month and sequence.
func FormatNumber(at time.Time, seq int) (string, error) {
	if seq < 1 || seq > maxSequence {
		return "", ErrNumberSpaceExhausted
	}
	return fmt.Sprintf("%s%0*d", NumberPrefix(at), sequenceDigits, seq), nil
}

// ParseSequence extracts the trailing sequence of number under prefix.
func ParseSequence(number, prefix string) (int, error) {
	if len(number) != numberLength || !strings.HasPrefix(number, prefix) {
		return 0, fmt.Errorf("billing: invoice number %q is not in month %s", number, prefix)
	}
	seq, err := strconv.Atoi(number[len(prefix):])
	if err != nil {
		return 0, fmt.Errorf("billing: invoice number %q has a malformed sequence: %w", number, err)
	}
	return seq, nil
}

// NextNumber returns the number following last in the month of at. An empty
// last starts the month at 0001.
func NextNumber(last string, at time.Time) (string, error) {
	if last == "" {
		return FormatNumber(at, 1)
	}
	seq, err := ParseSequence(last, NumberPrefix(at))
	if err != nil {
		return "", err
	}
	return FormatNumber(at, seq+1)
}

// NumberSource reports the greatest sequenced invoice number under a prefix,
// or "" when the month has none yet.
type NumberSource interface {
	LastInvoiceNumber(ctx context.Context, prefix string) (string, error)
}

// Numberer allocates invoice numbers. Uniqueness is enforced by the storage
// constraint; a candidate that loses the race is retried with a fresh read.
type Numberer struct {
	source     NumberSource
	attempts   int
	onConflict func()
}

// NewNumberer constructs a Numberer. attempts <= 0 selects DefaultNumberAttempts.
func NewNumberer(source NumberSource, attempts int) *Numberer {
	if attempts <= 0 {
		attempts = DefaultNumberAttempts
	}
	return &Numberer{source: source, attempts: attempts}
}

// OnConflict registers a hook invoked each time a candidate collides.
func (n *Numberer) OnConflict(fn func()) {
	n.onConflict = fn
}

// Assign derives a candidate number and hands it to insert. insert must
// return an error wrapping ErrDuplicateNumber when the candidate is taken;
// any other error aborts immediately.
func (n *Numberer) Assign(ctx context.Context, at time.Time, insert func(ctx context.Context, number string) error) (string, error) {
	prefix := NumberPrefix(at)
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		last, err := n.source.LastInvoiceNumber(ctx, prefix)
		if err != nil {
			return "", fmt.Errorf("billing: read last invoice number: %w", err)
		}
		number, err := NextNumber(last, at)
		if err != nil {
			return "", err
		}
		err = insert(ctx, number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return "", err
		}
		if n.onConflict != nil {
			n.onConflict()
		}
	}
	return "", ErrNumberConflict
}
