package seeder

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tollmeter/llm-gateway/internal/ledger"
)

const (
	DemoCallerID = "00000000-0000-0000-0000-000000000001"
)

var demoCredit = decimal.RequireFromString("100.00")

// SeedDemoBalance grants the demo caller an initial credit so local setups
// can complete requests immediately. Skipped silently when the caller
// already has funds.
func SeedDemoBalance(ctx context.Context, store ledger.Store, log *logrus.Logger) {
	entry := log.WithField("component", "seeder")

	b, err := store.Balance(ctx, DemoCallerID)
	if err != nil {
		entry.WithError(err).Warn("could not check demo balance, skipping seed")
		return
	}
	if b.Balance.IsPositive() {
		entry.Info("demo caller already funded, skipping seed")
		return
	}

	tx, err := store.Credit(ctx, DemoCallerID, demoCredit, "initial demo credit")
	if err != nil {
		entry.WithError(err).Warn("demo credit failed")
		return
	}
	entry.WithFields(logrus.Fields{
		"caller_id":     DemoCallerID,
		"amount":        tx.Amount.String(),
		"balance_after": tx.BalanceAfter.String(),
	}).Info("demo caller funded")
}
