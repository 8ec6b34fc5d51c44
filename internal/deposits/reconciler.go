package deposits

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/metrics"
)

// Reconciler polls pending deposits against the bank feed on a fixed
// interval. Expired deposits are cancelled; the rest are matched as one batch
// against a single feed query. Cycle errors are logged and the next cycle
// retries from scratch.
type Reconciler struct {
	*verifier
	lock     Lock
	interval time.Duration
	metrics  *metrics.PipelineMetrics
}

// NewReconciler wires the background reconciliation loop.
func NewReconciler(params Params, lock Lock, pipelineMetrics *metrics.PipelineMetrics) (*Reconciler, error) {
	v, err := newVerifier(params)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("reconciler lock is required")
	}
	return &Reconciler{
		verifier: v,
		lock:     lock,
		interval: params.Deposits.ReconcileInterval(),
		metrics:  pipelineMetrics,
	}, nil
}

// Run loops until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		r.logg.Error(ctx, "failed to acquire reconcile lock", err)
		return
	}
	if !acquired {
		r.logg.Info(ctx, "another replica holds the reconcile lock, skipping cycle")
		return
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			r.logg.Error(ctx, "failed to release reconcile lock", err)
		}
	}()

	started := r.now()
	if err := r.reconcile(ctx); err != nil {
		r.logg.Error(ctx, "reconcile cycle finished with errors", err)
	}
	r.metrics.ObserveCycle(r.now().Sub(started))
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	pending, err := r.repo.FindPending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending deposits: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var errs []error
	batch := make([]models.PaymentTransaction, 0, len(pending))
	for _, txn := range pending {
		if r.expired(txn) {
			if err := r.cancel(ctx, txn); err != nil {
				errs = append(errs, err)
				continue
			}
			r.metrics.IncDeposit("expired")
			continue
		}
		batch = append(batch, txn)
	}
	if len(batch) == 0 {
		return multierr.Combine(errs...)
	}

	// FindPending orders oldest first, so the first batch entry anchors the
	// feed window for everyone.
	feed, err := r.fetchWindow(ctx, batch[0].CreatedAt)
	if err != nil {
		errs = append(errs, fmt.Errorf("querying bank feed: %w", err))
		return multierr.Combine(errs...)
	}

	matched := 0
	for _, txn := range batch {
		record, ok := MatchTransaction(txn, feed)
		if !ok {
			continue
		}
		if err := r.applyMatch(ctx, txn, record); err != nil {
			errs = append(errs, err)
			continue
		}
		r.metrics.IncDeposit("matched")
		matched++
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"pending": len(pending),
		"batched": len(batch),
		"matched": matched,
	})
	r.logg.Info(logCtx, "reconcile cycle complete")
	return multierr.Combine(errs...)
}
