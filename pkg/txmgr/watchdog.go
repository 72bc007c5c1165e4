package txmgr

import (
	"context"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
)

func (m *Manager) startWatchdog() {
	txlog.Zero.Debug().
		Str("manager", m.id).
		Dur("interval", m.cfg.WatchdogInterval).
		Msg("txmgr: starting watchdog")

	go m.watchdog(m.ctx)
}

func (m *Manager) watchdog(ctx context.Context) {
	defer close(m.watchdogDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.WatchdogInterval):
			m.ReapStale(ctx)
		}
	}
}

// ReapStale runs one watchdog cycle over a snapshot of the registry. It
// warns once about transactions open longer than the warn threshold and
// rolls back those open longer than the force close threshold. It returns
// how many transactions were force closed.
func (m *Manager) ReapStale(ctx context.Context) int {
	now := m.clock.Now()
	reaped := 0

	for _, t := range m.snapshot() {
		age := now.Sub(t.openedAt)

		if age > m.cfg.ForceCloseThreshold {
			owner, stack := t.Diagnostics()
			txlog.Zero.Error().
				Str("manager", m.id).
				Uint32("tx", t.id).
				Str("state", t.TxStatus().String()).
				Dur("age", age).
				Str("owner", owner).
				Str("stack", stack).
				Msg("txmgr: force closing stale transaction")

			if t.abort(context.WithoutCancel(ctx), txerror.Newf(txerror.TX_ILLEGAL_STATE,
				"transaction %d open for %v, force closed", t.id, age)) {
				m.forced.Inc()
				reaped++
			}
			continue
		}

		if age > m.cfg.WarnThreshold && t.warned.CompareAndSwap(false, true) {
			owner, stack := t.Diagnostics()
			txlog.Zero.Warn().
				Str("manager", m.id).
				Uint32("tx", t.id).
				Str("state", t.TxStatus().String()).
				Dur("age", age).
				Str("owner", owner).
				Str("stack", stack).
				Msg("txmgr: transaction is open for too long")
		}
	}
	return reaped
}
