// Package reconcile periodically cross-checks every caller's stored balance
// against the sum of their transactions. Drift can only appear through bugs
// or operator intervention, so each finding is logged loudly rather than
// corrected automatically.
package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tollmeter/llm-gateway/internal/ledger"
)

type Worker struct {
	store    ledger.Store
	interval time.Duration
	log      *logrus.Entry
}

func NewWorker(store ledger.Store, interval time.Duration, log *logrus.Logger) *Worker {
	return &Worker{
		store:    store,
		interval: interval,
		log:      log.WithField("component", "reconcile"),
	}
}

// Run blocks until ctx is cancelled, sweeping all callers once per interval.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep validates balance integrity for every known caller.
func (w *Worker) Sweep(ctx context.Context) {
	callers, err := w.store.Callers(ctx)
	if err != nil {
		w.log.WithError(err).Warn("reconciliation sweep could not list callers")
		return
	}

	drifted := 0
	for _, callerID := range callers {
		report, err := w.store.ValidateIntegrity(ctx, callerID)
		if err != nil {
			w.log.WithError(err).WithField("caller_id", callerID).Warn("integrity check failed")
			continue
		}
		if !report.Consistent {
			drifted++
			w.log.WithFields(logrus.Fields{
				"caller_id":       report.CallerID,
				"balance":         report.Balance.String(),
				"transaction_sum": report.TransactionSum.String(),
				"drift":           report.Drift.String(),
			}).Error("balance drifted from transaction history")
		}
	}

	w.log.WithFields(logrus.Fields{
		"callers": len(callers),
		"drifted": drifted,
	}).Info("reconciliation sweep complete")
}
