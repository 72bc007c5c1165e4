package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/errcounter"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pg-sharding/txseq/qdb"
	"github.com/prometheus/client_golang/prometheus"
)

// SeqAM is the access method of a single named sequence.
type SeqAM interface {
	// CurrVal returns the last value issued by this process.
	CurrVal() (int64, error)
	NextVal(ctx context.Context) (int64, error)
}

type SeqState struct {
	Name     string
	Cursor   int64
	Boundary int64
}

// Sequencer caches one Allocator per sequence name for the process lifetime.
type Sequencer struct {
	mu         sync.Mutex
	allocators map[string]*Allocator

	store qdb.SequenceStore
	cfg   config.Sequencer
	clock clock.Clock
	errs  *errcounter.Counter
}

type Option func(s *Sequencer)

// WithClock overrides the clock used for last_update tokens.
func WithClock(clk clock.Clock) Option {
	return func(s *Sequencer) {
		s.clock = clk
	}
}

func NewSequencer(store qdb.SequenceStore, cfg config.Sequencer, opts ...Option) (*Sequencer, error) {
	if store == nil {
		return nil, txerror.New(txerror.TX_CONFIGURATION, "sequencer requires a sequence store")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sequencer{
		allocators: map[string]*Allocator{},
		store:      store,
		cfg:        cfg,
		clock:      clock.WallClock,
		errs:       errcounter.New("sequence"),
	}
	for _, opt := range opts {
		opt(s)
	}

	txlog.Zero.Debug().
		Str("store", cfg.Store).
		Int64("block size", cfg.BlockSize).
		Uint64("max retries", cfg.MaxCASRetries).
		Msg("sequencer: created")
	return s, nil
}

// Allocator returns the allocator for name, creating it on first use.
func (s *Sequencer) Allocator(name string) (*Allocator, error) {
	if name == "" {
		return nil, txerror.New(txerror.TX_CONFIGURATION, "empty sequence name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocators[name]
	if !ok {
		a = newAllocator(name, s.store, &s.cfg, s.clock)
		s.allocators[name] = a
	}
	return a, nil
}

func (s *Sequencer) NextVal(ctx context.Context, name string) (int64, error) {
	a, err := s.Allocator(name)
	if err != nil {
		s.errs.Report(err)
		return -1, err
	}
	v, err := a.NextVal(ctx)
	s.errs.Report(err)
	return v, err
}

func (s *Sequencer) CurrVal(name string) (int64, error) {
	a, err := s.Allocator(name)
	if err != nil {
		s.errs.Report(err)
		return -1, err
	}
	v, err := a.CurrVal()
	s.errs.Report(err)
	return v, err
}

// ErrorCounts returns NextVal and CurrVal failures keyed by error code.
func (s *Sequencer) ErrorCounts() map[string]uint64 {
	return s.errs.ErrorCounts()
}

// List returns the names of all sequences used by this process, sorted.
func (s *Sequencer) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]string, 0, len(s.allocators))
	for name := range s.allocators {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

func (s *Sequencer) snapshot() []*Allocator {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]*Allocator, 0, len(s.allocators))
	for _, a := range s.allocators {
		ret = append(ret, a)
	}
	return ret
}

var (
	reseedsDesc = prometheus.NewDesc(
		"txseq_sequence_reseeds_total",
		"Successful block reservations against the sequence store",
		[]string{"sequence"}, nil)
	conflictsDesc = prometheus.NewDesc(
		"txseq_sequence_cas_conflicts_total",
		"Optimistic updates lost to another process",
		[]string{"sequence"}, nil)
)

var _ prometheus.Collector = &Sequencer{}

func (s *Sequencer) Describe(ch chan<- *prometheus.Desc) {
	ch <- reseedsDesc
	ch <- conflictsDesc
	s.errs.Describe(ch)
}

func (s *Sequencer) Collect(ch chan<- prometheus.Metric) {
	for _, a := range s.snapshot() {
		ch <- prometheus.MustNewConstMetric(reseedsDesc, prometheus.CounterValue, float64(a.Reseeds()), a.name)
		ch <- prometheus.MustNewConstMetric(conflictsDesc, prometheus.CounterValue, float64(a.Conflicts()), a.name)
	}
	s.errs.Collect(ch)
}
