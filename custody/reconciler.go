package custody

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/ruteri/key-custody-backend/metrics"
)

const (
	// DefaultStaleAfter is how old a PendingRotation record must be before
	// the reconciler touches it.
	DefaultStaleAfter = 10 * time.Minute
	// DefaultReconcileSchedule is the cron schedule of background reconciliation.
	DefaultReconcileSchedule = "@every 5m"
)

// ReconcileReport lists the record ids handled by one reconciliation run.
type ReconcileReport struct {
	Promoted  []string
	Discarded []string
	Skipped   []string
}

// Reconciler settles PendingRotation records left behind by rotations whose
// outcome was not recorded: a lost ledger response, a failed rollback, a
// failed promotion or a crash. The ledger is the source of truth:
//
//   - ledger owner == pending key: the transition landed, promote it
//   - ledger owner == active key: the transition never landed, delete it
//   - anything else: leave it and retry on the next run
//
// Only records older than the staleness threshold are considered, so a
// rotation still waiting on the ledger is never touched. The threshold must
// exceed the coordinator's transition timeout.
type Reconciler struct {
	store      interfaces.RecordStore
	ledger     interfaces.Ledger
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// NewReconciler creates a reconciler. Zero staleAfter selects DefaultStaleAfter.
func NewReconciler(store interfaces.RecordStore, ledger interfaces.Ledger, staleAfter time.Duration, log *slog.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		store:      store,
		ledger:     ledger,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

// Run reconciles every stale PendingRotation record once.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	pending, err := r.store.ListByStatus(ctx, interfaces.StatusPendingRotation)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending rotations: %w", err)
	}

	report := &ReconcileReport{}
	cutoff := r.now().Add(-r.staleAfter)
	for _, record := range pending {
		if record.UpdatedAt.After(cutoff) {
			continue
		}

		action := r.reconcile(ctx, record)
		metrics.Reconciliations.WithLabelValues(action).Inc()
		switch action {
		case "promoted":
			report.Promoted = append(report.Promoted, record.ID)
		case "discarded":
			report.Discarded = append(report.Discarded, record.ID)
		default:
			report.Skipped = append(report.Skipped, record.ID)
		}
	}

	if len(report.Promoted)+len(report.Discarded)+len(report.Skipped) > 0 {
		r.log.Info("Reconciled pending rotations",
			slog.Int("promoted", len(report.Promoted)),
			slog.Int("discarded", len(report.Discarded)),
			slog.Int("skipped", len(report.Skipped)))
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, pending *interfaces.SigningKeyRecord) string {
	log := r.log.With(
		slog.String("wallet_id", pending.WalletID),
		slog.String("pending_id", pending.ID),
		slog.String("active_id", pending.PreviousID))

	owner, err := r.ledger.Owner(ctx, pending.WalletID)
	if err != nil {
		log.Warn("Cannot query ledger owner, will retry", "err", err)
		return "skipped"
	}

	active, err := r.store.Active(ctx, pending.WalletID)
	if err != nil {
		log.Warn("Cannot load active record, will retry", "err", err)
		return "skipped"
	}

	switch {
	case bytes.Equal(owner, pending.PublicKey):
		if err := r.store.Promote(ctx, pending.ID, pending.PreviousID); err != nil {
			log.Error("Failed to promote landed rotation", "err", err)
			return "skipped"
		}
		log.Info("Promoted rotation that landed on the ledger")
		return "promoted"
	case bytes.Equal(owner, active.PublicKey):
		if err := r.store.Delete(ctx, pending.ID); err != nil {
			log.Error("Failed to discard abandoned rotation", "err", err)
			return "skipped"
		}
		log.Info("Discarded rotation that never reached the ledger")
		return "discarded"
	default:
		log.Warn("Ledger owner matches neither the active nor the pending key")
		return "skipped"
	}
}

// Schedule runs the reconciler on a cron schedule until the returned cron is
// stopped. Runs never overlap.
func (r *Reconciler) Schedule(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultReconcileSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.staleAfter)
		defer cancel()
		if _, err := r.Run(ctx); err != nil {
			r.log.Error("Reconciliation run failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}

	c.Start()
	return c, nil
}
