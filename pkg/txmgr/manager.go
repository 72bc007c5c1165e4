package txmgr

import (
	"context"
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/errcounter"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Manager owns every piece of process-wide transaction state: the registry
// of open transactions, command pools, connection counters and the watchdog.
// One Manager is built at startup and passed to whoever opens transactions.
type Manager struct {
	id     string
	cfg    config.TxManager
	source ConnectionSource
	clock  clock.Clock

	txid      *atomic.Uint32
	openConns *atomic.Int64
	connsHWM  *atomic.Int64
	forced    *atomic.Int64

	mu       sync.Mutex
	registry map[*Transaction]struct{}

	pools *CommandPool
	errs  *errcounter.Counter

	lifetimeMu sync.Mutex
	lifetimes  *tdigest.TDigest

	ctx    context.Context
	cancel context.CancelFunc

	watchdogOnce sync.Once
	watchdogDone chan struct{}
	stopped      *atomic.Bool
}

type Option func(m *Manager)

// WithClock overrides the clock used for transaction ages and the watchdog.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

func NewManager(source ConnectionSource, cfg config.TxManager, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, txerror.New(txerror.TX_CONFIGURATION, "transaction manager requires a connection source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lifetimes, err := tdigest.New()
	if err != nil {
		return nil, err
	}
	uid, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:           uid.String(),
		cfg:          cfg,
		source:       source,
		clock:        clock.WallClock,
		txid:         atomic.NewUint32(0),
		openConns:    atomic.NewInt64(0),
		connsHWM:     atomic.NewInt64(0),
		forced:       atomic.NewInt64(0),
		registry:     map[*Transaction]struct{}{},
		pools:        NewCommandPool(cfg.CommandPoolCapacity),
		errs:         errcounter.New("txmgr"),
		lifetimes:    lifetimes,
		ctx:          ctx,
		cancel:       cancel,
		watchdogDone: make(chan struct{}),
		stopped:      atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(m)
	}

	txlog.Zero.Info().
		Str("manager", m.id).
		Dur("warn threshold", cfg.WarnThreshold).
		Dur("force close threshold", cfg.ForceCloseThreshold).
		Msg("txmgr: transaction manager created")
	return m, nil
}

func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) Pools() *CommandPool {
	return m.pools
}

// Begin creates a transaction. No connection is opened until the first
// Execute. The watchdog is started with the first transaction.
func (m *Manager) Begin(mode Mode) (*Transaction, error) {
	if m.stopped.Load() {
		return nil, txerror.New(txerror.TX_ILLEGAL_STATE, "transaction manager is shut down")
	}
	m.watchdogOnce.Do(m.startWatchdog)

	/* ids wrap around at max uint32 */
	return newTransaction(m, m.txid.Inc(), mode), nil
}

func (m *Manager) register(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[t] = struct{}{}
}

func (m *Manager) unregister(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, t)
}

// snapshot copies the registry so that callers can act without the lock.
func (m *Manager) snapshot() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	ret := make([]*Transaction, 0, len(m.registry))
	for t := range m.registry {
		ret = append(ret, t)
	}
	return ret
}

// Registered reports whether t is in the open transaction registry.
func (m *Manager) Registered(t *Transaction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registry[t]
	return ok
}

func (m *Manager) OpenTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

func (m *Manager) connOpened() {
	v := m.openConns.Inc()
	for {
		hwm := m.connsHWM.Load()
		if v <= hwm || m.connsHWM.CompareAndSwap(hwm, v) {
			return
		}
	}
}

func (m *Manager) connClosed() {
	m.openConns.Dec()
}

func (m *Manager) OpenConnections() int64 {
	return m.openConns.Load()
}

// HighWaterMark is the largest number of simultaneously open connections seen.
func (m *Manager) HighWaterMark() int64 {
	return m.connsHWM.Load()
}

func (m *Manager) ForcedCloses() int64 {
	return m.forced.Load()
}

// ErrorCounts returns Execute and Commit failures keyed by error code.
func (m *Manager) ErrorCounts() map[string]uint64 {
	return m.errs.ErrorCounts()
}

func (m *Manager) recordLifetime(d time.Duration) {
	m.lifetimeMu.Lock()
	defer m.lifetimeMu.Unlock()
	if err := m.lifetimes.Add(d.Seconds()); err != nil {
		txlog.Zero.Debug().Err(err).Msg("txmgr: failed to record transaction lifetime")
	}
}

type Stats struct {
	OpenConnections  int64
	HighWaterMark    int64
	OpenTransactions int
	ForcedCloses     int64
	CommandPools     map[string]int

	// LifetimeQuantiles maps 0.5, 0.9 and 0.99 to lifetimes of closed transactions.
	LifetimeQuantiles map[float64]time.Duration
	LifetimeSamples   uint64
}

var lifetimeQuantiles = []float64{0.5, 0.9, 0.99}

func (m *Manager) Stats() Stats {
	st := Stats{
		OpenConnections:   m.OpenConnections(),
		HighWaterMark:     m.HighWaterMark(),
		OpenTransactions:  m.OpenTransactions(),
		ForcedCloses:      m.ForcedCloses(),
		CommandPools:      m.pools.Sizes(),
		LifetimeQuantiles: map[float64]time.Duration{},
	}

	m.lifetimeMu.Lock()
	defer m.lifetimeMu.Unlock()
	st.LifetimeSamples = m.lifetimes.Count()
	if st.LifetimeSamples > 0 {
		for _, q := range lifetimeQuantiles {
			st.LifetimeQuantiles[q] = time.Duration(m.lifetimes.Quantile(q) * float64(time.Second))
		}
	}
	return st
}

// Shutdown stops the watchdog and rolls back every open transaction.
// In-flight commands see their context cancelled. Shutdown is idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	/* the watchdog may never have started; make sure it never will */
	m.watchdogOnce.Do(func() { close(m.watchdogDone) })
	m.cancel()

	select {
	case <-m.watchdogDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	open := m.snapshot()
	txlog.Zero.Info().
		Str("manager", m.id).
		Int("open transactions", len(open)).
		Msg("txmgr: shutting down")

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range open {
		g.Go(func() error {
			t.abort(gctx, txerror.New(txerror.TX_ILLEGAL_STATE, "transaction manager shut down"))
			return nil
		})
	}
	return g.Wait()
}
