package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatAndParseNumber(t *testing.T) {
	at := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	n, err := FormatNumber(at, 7)
	require.NoError(t, err)
	require.Equal(t, "2024030007", n)

	seq, err := ParseSequence(n, "202403")
	require.NoError(t, err)
	require.Equal(t, 7, seq)

	_, err = ParseSequence("2024020007", "202403")
	require.Error(t, err)
	_, err = ParseSequence("20240300AB", "202403")
	require.Error(t, err)
	_, err = ParseSequence("INV-1", "202403")
	require.Error(t, err)
}

func TestNextNumber(t *testing.T) {
	at := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	n, err := NextNumber("", at)
	require.NoError(t, err)
	require.Equal(t, "2024030001", n)

	n, err = NextNumber("2024030041", at)
	require.NoError(t, err)
	require.Equal(t, "2024030042", n)

	_, err = NextNumber("2024039999", at)
	require.ErrorIs(t, err, ErrNumberSpaceExhausted)
}

type fixedSource struct {
	last  map[string]string
	err   error
	calls int
}

func (f *fixedSource) LastInvoiceNumber(_ context.Context, prefix string) (string, error) {
	f.calls++
	return f.last[prefix], f.err
}

func TestAssignResetsOnMonthRollover(t *testing.T) {
	source := &fixedSource{last: map[string]string{"202401": "2024010873"}}
	n := NewNumberer(source, 0)

	var inserted []string
	insert := func(_ context.Context, number string) error {
		inserted = append(inserted, number)
		return nil
	}

	got, err := n.Assign(context.Background(), time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), insert)
	require.NoError(t, err)
	require.Equal(t, "2024010874", got)

	got, err = n.Assign(context.Background(), time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC), insert)
	require.NoError(t, err)
	require.Equal(t, "2024020001", got)
}

func TestAssignRetriesOnCollision(t *testing.T) {
	source := &fixedSource{last: map[string]string{}}
	n := NewNumberer(source, 3)
	conflicts := 0
	n.OnConflict(func() { conflicts++ })

	attempts := 0
	got, err := n.Assign(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), func(_ context.Context, number string) error {
		attempts++
		if attempts < 3 {
			source.last["202403"] = number
			return fmt.Errorf("wrapped: %w", ErrDuplicateNumber)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "2024030003", got)
	require.Equal(t, 2, conflicts)
	require.Equal(t, 3, source.calls)
}

func TestAssignGivesUpAfterMaxAttempts(t *testing.T) {
	source := &fixedSource{last: map[string]string{}}
	n := NewNumberer(source, 3)

	attempts := 0
	_, err := n.Assign(context.Background(), time.Now(), func(context.Context, string) error {
		attempts++
		return ErrDuplicateNumber
	})
	require.ErrorIs(t, err, ErrNumberConflict)
	require.Equal(t, 3, attempts)
}

func TestAssignLookupFailureIsHard(t *testing.T) {
	source := &fixedSource{err: errBoom}
	n := NewNumberer(source, 3)

	called := false
	_, err := n.Assign(context.Background(), time.Now(), func(context.Context, string) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, errBoom)
	require.False(t, called)
	require.Equal(t, 1, source.calls)
}

func TestAssignStopsOnOtherInsertErrors(t *testing.T) {
	source := &fixedSource{last: map[string]string{}}
	n := NewNumberer(source, 3)

	attempts := 0
	_, err := n.Assign(context.Background(), time.Now(), func(context.Context, string) error {
		attempts++
		return errBoom
	})
	require.True(t, errors.Is(err, errBoom))
	require.Equal(t, 1, attempts)
}
