package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db  DB
	log *logrus.Entry
}

func NewPostgresStore(db DB, log *logrus.Logger) Store {
	return &PostgresStore{
		db:  db,
		log: log.WithField("component", "ledger"),
	}
}

const beginAttempts = 3

// begin opens a transaction with bounded retries on transient failures.
// Exhausting the attempts surfaces ErrUnavailable so the pipeline can fail
// closed.
func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	var lastErr error
	for attempt := 0; attempt < beginAttempts; attempt++ {
		tx, err := s.db.Begin(ctx)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (s *PostgresStore) Balance(ctx context.Context, callerID string) (*Balance, error) {
	query := `
		SELECT balance::text, reserved::text, updated_at
		FROM balances
		WHERE caller_id = $1
	`
	b := &Balance{CallerID: callerID}
	var balanceStr, reservedStr string
	err := s.db.QueryRow(ctx, query, callerID).Scan(&balanceStr, &reservedStr, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Default-zero policy: a caller exists the moment a valid
			// credential names them.
			b.Balance = decimal.Zero
			b.Reserved = decimal.Zero
			return b, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if b.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	if b.Reserved, err = decimal.NewFromString(reservedStr); err != nil {
		return nil, fmt.Errorf("failed to parse reserved: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, callerID string, amount decimal.Decimal) (*Reservation, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO balances (caller_id) VALUES ($1)
		ON CONFLICT (caller_id) DO NOTHING
	`, callerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Row lock serializes concurrent reservations for the same caller.
	var balanceStr, reservedStr string
	err = tx.QueryRow(ctx, `
		SELECT balance::text, reserved::text FROM balances
		WHERE caller_id = $1
		FOR UPDATE
	`, callerID).Scan(&balanceStr, &reservedStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	reserved, err := decimal.NewFromString(reservedStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reserved: %w", err)
	}

	if balance.Sub(reserved).LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	res := &Reservation{
		ID:       uuid.New().String(),
		CallerID: callerID,
		Amount:   amount,
	}
	if _, err := tx.Exec(ctx, `
		UPDATE balances SET reserved = reserved + $2::numeric, updated_at = now()
		WHERE caller_id = $1
	`, callerID, amount.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, caller_id, amount, status)
		VALUES ($1, $2, $3::numeric, 'held')
	`, res.ID, callerID, amount.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, nil
}

func (s *PostgresStore) Settle(ctx context.Context, res *Reservation, actual decimal.Decimal, description string) (*Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	held, err := s.finalizeReservation(ctx, tx, res.ID, "settled")
	if err != nil {
		return nil, err
	}

	var balanceStr string
	err = tx.QueryRow(ctx, `
		SELECT balance::text FROM balances
		WHERE caller_id = $1
		FOR UPDATE
	`, res.CallerID).Scan(&balanceStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	newBalance := balance.Sub(actual)
	if newBalance.IsNegative() {
		// Drift from rounding or concurrent settlement. The output is
		// already generated, so charge and flag for reconciliation rather
		// than refuse.
		s.log.WithFields(logrus.Fields{
			"caller_id":   res.CallerID,
			"reservation": res.ID,
			"balance":     newBalance.String(),
			"actual":      actual.String(),
		}).Warn("settlement pushed balance negative")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE balances
		SET balance = $2::numeric, reserved = reserved - $3::numeric, updated_at = now()
		WHERE caller_id = $1
	`, res.CallerID, newBalance.String(), held.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	t := &Transaction{
		ID:           uuid.New().String(),
		CallerID:     res.CallerID,
		Amount:       actual.Neg(),
		Description:  description,
		BalanceAfter: newBalance,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (id, caller_id, amount, description, balance_after)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric)
		RETURNING created_at
	`, t.ID, t.CallerID, t.Amount.String(), t.Description, t.BalanceAfter.String()).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return t, nil
}

func (s *PostgresStore) Release(ctx context.Context, res *Reservation) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	held, err := s.finalizeReservation(ctx, tx, res.ID, "released")
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE balances SET reserved = reserved - $2::numeric, updated_at = now()
		WHERE caller_id = $1
	`, res.CallerID, held.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// finalizeReservation locks a held reservation, marks it with the terminal
// status and returns the held amount. A reservation that is missing or
// already finalized yields ErrReservationNotFound, which is what makes
// settle and release idempotence-safe.
func (s *PostgresStore) finalizeReservation(ctx context.Context, tx pgx.Tx, id, status string) (decimal.Decimal, error) {
	var amountStr string
	err := tx.QueryRow(ctx, `
		SELECT amount::text FROM reservations
		WHERE id = $1 AND status = 'held'
		FOR UPDATE
	`, id).Scan(&amountStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrReservationNotFound
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse reservation amount: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = $2 WHERE id = $1
	`, id, status); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return amount, nil
}

func (s *PostgresStore) Credit(ctx context.Context, callerID string, amount decimal.Decimal, description string) (*Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var newBalanceStr string
	err = tx.QueryRow(ctx, `
		INSERT INTO balances (caller_id, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (caller_id)
		DO UPDATE SET balance = balances.balance + $2::numeric, updated_at = now()
		RETURNING balance::text
	`, callerID, amount.String()).Scan(&newBalanceStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	newBalance, err := decimal.NewFromString(newBalanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	t := &Transaction{
		ID:           uuid.New().String(),
		CallerID:     callerID,
		Amount:       amount,
		Description:  description,
		BalanceAfter: newBalance,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (id, caller_id, amount, description, balance_after)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric)
		RETURNING created_at
	`, t.ID, t.CallerID, t.Amount.String(), t.Description, t.BalanceAfter.String()).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return t, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, callerID string, limit, offset int) ([]*Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, caller_id, amount::text, description, balance_after::text, created_at
		FROM transactions
		WHERE caller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, callerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var amountStr, balanceAfterStr string
		if err := rows.Scan(&t.ID, &t.CallerID, &amountStr, &t.Description, &balanceAfterStr, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("failed to parse amount: %w", err)
		}
		if t.BalanceAfter, err = decimal.NewFromString(balanceAfterStr); err != nil {
			return nil, fmt.Errorf("failed to parse balance_after: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) Callers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT caller_id FROM balances ORDER BY caller_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan caller: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) ValidateIntegrity(ctx context.Context, callerID string) (*IntegrityReport, error) {
	b, err := s.Balance(ctx, callerID)
	if err != nil {
		return nil, err
	}

	var sumStr string
	var count int
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text, COUNT(*)
		FROM transactions
		WHERE caller_id = $1
	`, callerID).Scan(&sumStr, &count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction sum: %w", err)
	}

	drift := b.Balance.Sub(sum)
	return &IntegrityReport{
		CallerID:         callerID,
		Balance:          b.Balance,
		TransactionSum:   sum,
		TransactionCount: count,
		Drift:            drift,
		Consistent:       drift.IsZero(),
	}, nil
}
