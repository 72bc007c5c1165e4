package sequencer

import (
	"context"
	"errors"
	"sync"

	"github.com/juju/clock"
	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pg-sharding/txseq/qdb"
	retry "github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

// Allocator issues values of one sequence. Values come from a block
// [cursor, boundary) reserved in the store; a new block is reserved
// once the current one is used up.
type Allocator struct {
	mu       sync.Mutex
	name     string
	cursor   int64
	boundary int64
	issued   bool

	store qdb.SequenceStore
	cfg   *config.Sequencer
	clock clock.Clock

	reseeds   *atomic.Int64
	conflicts *atomic.Int64
}

var _ SeqAM = &Allocator{}

func newAllocator(name string, store qdb.SequenceStore, cfg *config.Sequencer, clk clock.Clock) *Allocator {
	return &Allocator{
		name:      name,
		store:     store,
		cfg:       cfg,
		clock:     clk,
		reseeds:   atomic.NewInt64(0),
		conflicts: atomic.NewInt64(0),
	}
}

func (a *Allocator) Name() string {
	return a.name
}

// NextVal returns the next value. Store I/O happens only when the local
// block is exhausted. On error the local state is left untouched.
func (a *Allocator) NextVal(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.issued && a.cursor+1 < a.boundary {
		a.cursor++
		return a.cursor, nil
	}

	cursor, boundary, err := a.reseed(ctx)
	if err != nil {
		return -1, err
	}
	a.cursor, a.boundary, a.issued = cursor, boundary, true
	return cursor, nil
}

func (a *Allocator) CurrVal() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.issued {
		return -1, txerror.Newf(txerror.TX_ILLEGAL_STATE, "sequence %q: no value issued yet in this process", a.name)
	}
	return a.cursor, nil
}

func (a *Allocator) State() SeqState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return SeqState{
		Name:     a.name,
		Cursor:   a.cursor,
		Boundary: a.boundary,
	}
}

func (a *Allocator) Reseeds() int64 {
	return a.reseeds.Load()
}

func (a *Allocator) Conflicts() int64 {
	return a.conflicts.Load()
}

func (a *Allocator) reseed(ctx context.Context) (int64, int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sequencer.reseed")
	defer span.Finish()
	span.SetTag("sequence", a.name)

	if a.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.OpTimeout)
		defer cancel()
	}

	var cursor, boundary int64
	attempts, lost := 0, 0

	b := retry.NewExponential(a.cfg.CASBackoff)
	b = retry.WithJitterPercent(20, b)
	if a.cfg.MaxCASBackoff > 0 {
		b = retry.WithCappedDuration(a.cfg.MaxCASBackoff, b)
	}
	b = retry.WithMaxRetries(a.cfg.MaxCASRetries, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		c, bd, err := a.tryReseed(ctx)
		if err != nil {
			if errors.Is(err, txerror.ErrConcurrencyConflict) {
				lost++
				a.conflicts.Inc()
				txlog.Zero.Debug().
					Str("sequence", a.name).
					Int("attempt", attempts).
					Err(err).
					Msg("sequencer: lost optimistic update, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		cursor, boundary = c, bd
		return nil
	})
	if err != nil {
		span.SetTag("error", true)
		if errors.Is(err, txerror.ErrConcurrencyConflict) {
			txlog.Zero.Error().
				Str("sequence", a.name).
				Int("attempts", attempts).
				Msg("sequencer: optimistic update retries exhausted")
			return 0, 0, txerror.Newf(txerror.TX_CONCURRENCY_EXHAUSTED,
				"sequence %q: lost optimistic update %d times", a.name, attempts)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			/* retry.Do hands back a bare ctx error when it stops waiting */
			if lost > 0 {
				return 0, 0, txerror.Newf(txerror.TX_CONCURRENCY_EXHAUSTED,
					"sequence %q: gave up after %d lost optimistic updates: %w", a.name, lost, err)
			}
			return 0, 0, txerror.Wrap(txerror.TX_CONNECTION, err)
		}
		return 0, 0, err
	}

	a.reseeds.Inc()
	txlog.Zero.Debug().
		Str("sequence", a.name).
		Int64("cursor", cursor).
		Int64("boundary", boundary).
		Int("attempts", attempts).
		Msg("sequencer: reserved block")
	return cursor, boundary, nil
}

// tryReseed makes one read-then-CAS round on a fresh session.
func (a *Allocator) tryReseed(ctx context.Context) (int64, int64, error) {
	sess, err := a.store.Session(ctx)
	if err != nil {
		return 0, 0, txerror.Wrap(txerror.TX_CONNECTION, err)
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			txlog.Zero.Error().Err(err).Str("sequence", a.name).Msg("sequencer: failed to close session")
		}
	}()

	row, err := sess.GetSequence(ctx, a.name)
	if err != nil {
		return 0, 0, txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
	}

	if row == nil {
		row = &qdb.SequenceRow{
			Name:         a.name,
			Spacing:      a.cfg.BlockSize,
			NextBoundary: a.cfg.StartBoundary,
			LastUpdate:   a.now(0),
		}
		ok, err := sess.CreateSequence(ctx, row)
		if err != nil {
			return 0, 0, txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
		}
		if !ok {
			return 0, 0, txerror.Newf(txerror.TX_CONCURRENCY_CONFLICT, "sequence %q was created concurrently", a.name)
		}
		if err := sess.Commit(ctx); err != nil {
			return 0, 0, txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
		}
		/* the creator owns the block just below the start boundary */
		return row.NextBoundary - row.Spacing, row.NextBoundary, nil
	}

	if row.Spacing <= 0 {
		return 0, 0, txerror.Newf(txerror.TX_STORE_EXECUTION, "sequence %q has invalid spacing %d", a.name, row.Spacing)
	}

	cursor := row.NextBoundary
	boundary := cursor + row.Spacing
	ok, err := sess.UpdateSequence(ctx, row, qdb.Version{
		NextBoundary: boundary,
		LastUpdate:   a.now(row.LastUpdate),
	})
	if err != nil {
		return 0, 0, txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
	}
	if !ok {
		return 0, 0, txerror.Newf(txerror.TX_CONCURRENCY_CONFLICT,
			"sequence %q moved past boundary %d", a.name, row.NextBoundary)
	}
	if err := sess.Commit(ctx); err != nil {
		return 0, 0, txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
	}
	return cursor, boundary, nil
}

// now returns epoch millis, never below prev so the token keeps moving forward.
func (a *Allocator) now(prev int64) int64 {
	ms := a.clock.Now().UnixMilli()
	if ms <= prev {
		return prev + 1
	}
	return ms
}
