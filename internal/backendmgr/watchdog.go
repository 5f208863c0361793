package backendmgr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
)

// RunWatchdog sweeps the transaction table every checkPeriod, reaping
// entries whose deadline has passed and delivering a synthesized
// transaction_timeout error to each one's originating caller. It blocks
// until ctx is cancelled, grounded on the teacher's time.AfterFunc grace
// period cleanup (internal/v1/session/hub.go's removeRoom), generalized
// from a one-shot per-room timer into a recurring sweep.
func (m *Manager) RunWatchdog(ctx context.Context, checkPeriod time.Duration) {
	ticker := time.NewTicker(checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx, time.Now())
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context, now time.Time) {
	expired := m.table.SweepExpired(now)
	for _, txn := range expired {
		metrics.TransactionsTimedOut.Inc()
		logging.Warn(ctx, "transaction timed out",
			zap.String("kind", txn.Kind),
			zap.String("backend_id", txn.BackendID.String()),
		)
		m.deliverError(ctx, txn, apperr.New(apperr.KindTransactionTimeout, "backend did not respond in time", nil))
	}
}
