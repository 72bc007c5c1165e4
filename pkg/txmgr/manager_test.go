package txmgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txmgr"
	"github.com/pg-sharding/txseq/pkg/txmgr/mock"
	"github.com/pg-sharding/txseq/pkg/txstatus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

func TestShutdownRollsBackOpenTransactions(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mock.NewMockConnection(ctrl)
	src := mock.NewMockConnectionSource(ctrl)
	src.EXPECT().Resolve(gomock.Any(), "main", false).Return(conn, nil).Times(2)
	conn.EXPECT().Begin(gomock.Any(), false).Return(nil).Times(2)
	conn.EXPECT().Exec(gomock.Any(), updateSQL, 1).Return(int64(1), nil).Times(2)
	conn.EXPECT().Rollback(gomock.Any()).Return(nil).Times(2)
	conn.EXPECT().Close(gomock.Any()).Return(nil).Times(2)

	m := newManager(t, src, txConfig(), testclock.NewClock(time.Unix(0, 0)))

	var txs []*txmgr.Transaction
	for range 2 {
		tx, err := m.Begin(txmgr.ReadWrite)
		require.NoError(t, err)
		_, err = tx.Execute(ctx, &echoCommand{}, txmgr.Params{"v": 1}, "")
		require.NoError(t, err)
		txs = append(txs, tx)
	}
	assert.Equal(2, m.OpenTransactions())
	assert.Equal(int64(2), m.HighWaterMark())

	require.NoError(t, m.Shutdown(ctx))
	for _, tx := range txs {
		assert.Equal(txstatus.TXCLOSED, tx.TxStatus())
	}
	assert.Equal(0, m.OpenTransactions())
	assert.Equal(int64(0), m.OpenConnections())
	/* shutdown is not a watchdog decision */
	assert.Equal(int64(0), m.ForcedCloses())

	_, err := m.Begin(txmgr.ReadWrite)
	assert.ErrorIs(err, txerror.ErrIllegalState)

	assert.NoError(m.Shutdown(ctx))
}

func TestShutdownWithoutTransactions(t *testing.T) {
	ctrl := gomock.NewController(t)
	m, err := txmgr.NewManager(mock.NewMockConnectionSource(ctrl), txConfig())
	require.NoError(t, err)

	assert.NoError(t, m.Shutdown(context.Background()))
	assert.NotEmpty(t, m.ID())
}

func TestStatsAndCollector(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mock.NewMockConnection(ctrl)
	src := mock.NewMockConnectionSource(ctrl)
	src.EXPECT().Resolve(gomock.Any(), "main", false).Return(conn, nil)
	conn.EXPECT().Begin(gomock.Any(), false).Return(nil)
	conn.EXPECT().Exec(gomock.Any(), updateSQL, 1).Return(int64(1), nil)
	conn.EXPECT().Commit(gomock.Any()).Return(nil)
	conn.EXPECT().Close(gomock.Any()).Return(nil)

	clk := testclock.NewClock(time.Unix(0, 0))
	m := newManager(t, src, txConfig(), clk)

	st := m.Stats()
	assert.Zero(st.LifetimeSamples)
	assert.Empty(st.LifetimeQuantiles)
	assert.Equal(4, testutil.CollectAndCount(m))

	tx, err := m.Begin(txmgr.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, &echoCommand{}, txmgr.Params{"v": 1}, "")
	require.NoError(t, err)

	st = m.Stats()
	assert.Equal(int64(1), st.OpenConnections)
	assert.Equal(1, st.OpenTransactions)

	clk.Advance(2 * time.Second)
	require.NoError(t, tx.Commit(ctx))

	st = m.Stats()
	assert.Equal(int64(0), st.OpenConnections)
	assert.Equal(int64(1), st.HighWaterMark)
	assert.Equal(0, st.OpenTransactions)
	assert.Equal(map[string]int{"*txmgr_test.echoCommand": 1}, st.CommandPools)
	assert.Equal(uint64(1), st.LifetimeSamples)
	assert.InDelta(float64(2*time.Second), float64(st.LifetimeQuantiles[0.5]), float64(time.Millisecond))

	assert.Equal(5, testutil.CollectAndCount(m))
	assert.Equal(1, testutil.CollectAndCount(m, "txseq_command_pool_size"))
}

func TestConcurrentTransactions(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	const workers = 16

	conn := mock.NewMockConnection(ctrl)
	src := mock.NewMockConnectionSource(ctrl)
	src.EXPECT().Resolve(gomock.Any(), "main", false).Return(conn, nil).Times(workers)
	conn.EXPECT().Begin(gomock.Any(), false).Return(nil).Times(workers)
	conn.EXPECT().Exec(gomock.Any(), updateSQL, gomock.Any()).Return(int64(1), nil).Times(workers)
	conn.EXPECT().Commit(gomock.Any()).Return(nil).Times(workers)
	conn.EXPECT().Close(gomock.Any()).Return(nil).Times(workers)

	m := newManager(t, src, txConfig(), testclock.NewClock(time.Unix(0, 0)))

	var mu sync.Mutex
	ids := map[uint32]struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			tx, err := m.Begin(txmgr.ReadWrite)
			if err != nil {
				return err
			}
			mu.Lock()
			ids[tx.ID()] = struct{}{}
			mu.Unlock()

			cmd := txmgr.AcquireCommand(m.Pools(), func() *echoCommand { return &echoCommand{} })
			if _, err := tx.Execute(gctx, cmd, txmgr.Params{"v": i}, ""); err != nil {
				return err
			}
			return tx.Commit(gctx)
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(ids, workers)
	assert.Equal(int64(0), m.OpenConnections())
	assert.Equal(0, m.OpenTransactions())
	assert.LessOrEqual(m.HighWaterMark(), int64(workers))
	assert.GreaterOrEqual(m.HighWaterMark(), int64(1))
	assert.LessOrEqual(m.Pools().Len(echoType), txConfig().CommandPoolCapacity)
}
