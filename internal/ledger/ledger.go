// Package ledger owns every mutation of caller balances. Balances change
// only through the reserve/settle/release protocol or an explicit credit,
// and every completed billing event leaves exactly one immutable
// transaction row.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds indicates the caller's available balance cannot
	// cover the requested reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrReservationNotFound indicates a settle or release against a
	// reservation that does not exist or was already finalized.
	ErrReservationNotFound = errors.New("reservation not found or already finalized")
	// ErrUnavailable indicates the backing store is unreachable. The
	// gateway treats this as fail-closed.
	ErrUnavailable = errors.New("ledger store unavailable")
)

// Balance is one caller's current funds. Reserved is the sum of outstanding
// holds; Available() is what a new reservation may claim.
type Balance struct {
	CallerID  string          `json:"caller_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b *Balance) Available() decimal.Decimal {
	return b.Balance.Sub(b.Reserved)
}

// Reservation is a provisional hold against a caller's balance, pending
// settlement or release.
type Reservation struct {
	ID       string
	CallerID string
	Amount   decimal.Decimal
}

// Transaction is an immutable audit record. Negative amounts are debits,
// positive are credits. BalanceAfter is the balance resulting from this
// transaction.
type Transaction struct {
	ID           string          `json:"id"`
	CallerID     string          `json:"caller_id"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IntegrityReport compares a caller's stored balance with the sum of their
// transactions.
type IntegrityReport struct {
	CallerID         string          `json:"caller_id"`
	Balance          decimal.Decimal `json:"balance"`
	TransactionSum   decimal.Decimal `json:"transaction_sum"`
	TransactionCount int             `json:"transaction_count"`
	Drift            decimal.Decimal `json:"drift"`
	Consistent       bool            `json:"consistent"`
}

// Store is the billing ledger contract. Every mutating operation is atomic:
// the balance update and the transaction insert both persist, or neither
// does.
type Store interface {
	// Balance returns the caller's balance, defaulting to zero for callers
	// with no record yet. It never fails for an unknown caller.
	Balance(ctx context.Context, callerID string) (*Balance, error)

	// Reserve checks available funds and atomically records a hold. Two
	// concurrent reservations against the same balance serialize; the loser
	// fails with ErrInsufficientFunds when only one can be covered.
	Reserve(ctx context.Context, callerID string, amount decimal.Decimal) (*Reservation, error)

	// Settle converts a reservation into a final transaction debiting the
	// actual amount, refunding the held delta implicitly. Settling may push
	// the balance slightly negative under concurrent drift; the store logs
	// that for reconciliation instead of discarding generated output.
	// A reservation settles at most once.
	Settle(ctx context.Context, res *Reservation, actual decimal.Decimal, description string) (*Transaction, error)

	// Release cancels a reservation without charge.
	Release(ctx context.Context, res *Reservation) error

	// Credit tops up a caller's balance and records the transaction.
	Credit(ctx context.Context, callerID string, amount decimal.Decimal, description string) (*Transaction, error)

	// Transactions lists a caller's transactions, newest first.
	Transactions(ctx context.Context, callerID string, limit, offset int) ([]*Transaction, error)

	// Callers lists every caller with a balance row.
	Callers(ctx context.Context) ([]string, error)

	// ValidateIntegrity recomputes a caller's balance from their
	// transaction history and reports any drift.
	ValidateIntegrity(ctx context.Context, callerID string) (*IntegrityReport, error)
}
