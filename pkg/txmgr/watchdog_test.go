package txmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txmgr"
	"github.com/pg-sharding/txseq/pkg/txmgr/mock"
	"github.com/pg-sharding/txseq/pkg/txstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestReapStaleWarnsThenForceCloses(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mock.NewMockConnection(ctrl)
	src := mock.NewMockConnectionSource(ctrl)
	src.EXPECT().Resolve(gomock.Any(), "main", false).Return(conn, nil)
	conn.EXPECT().Begin(gomock.Any(), false).Return(nil)
	conn.EXPECT().Exec(gomock.Any(), updateSQL, 1).Return(int64(1), nil)
	conn.EXPECT().Rollback(gomock.Any()).Return(nil).Times(1)
	conn.EXPECT().Close(gomock.Any()).Return(nil).Times(1)

	clk := testclock.NewClock(time.Unix(1700000000, 0))
	m := newManager(t, src, txConfig(), clk)

	tx, err := m.Begin(txmgr.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, &echoCommand{}, txmgr.Params{"v": 1}, "")
	require.NoError(t, err)
	assert.Equal(clk.Now(), tx.OpenedAt())

	clk.Advance(5 * time.Second)
	assert.Equal(0, m.ReapStale(ctx))

	/* past the warn threshold the transaction is only reported */
	clk.Advance(10 * time.Second)
	assert.Equal(0, m.ReapStale(ctx))
	assert.Equal(0, m.ReapStale(ctx))
	assert.True(m.Registered(tx))
	assert.Equal(txstatus.TXAWAITCOMMIT, tx.TxStatus())

	clk.Advance(10 * time.Minute)
	assert.Equal(1, m.ReapStale(ctx))
	assert.Equal(int64(1), m.ForcedCloses())
	assert.Equal(int64(0), m.OpenConnections())
	assert.False(m.Registered(tx))
	assert.Equal(txstatus.TXCLOSED, tx.TxStatus())

	assert.Equal(0, m.ReapStale(ctx))
	assert.ErrorIs(tx.Commit(ctx), txerror.ErrIllegalState)
}

func TestReapStaleIgnoresUnopened(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := testclock.NewClock(time.Unix(0, 0))
	m := newManager(t, mock.NewMockConnectionSource(ctrl), txConfig(), clk)

	tx, err := m.Begin(txmgr.ReadWrite)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	assert.Equal(t, 0, m.ReapStale(context.Background()))
	assert.Equal(t, txstatus.TXNEW, tx.TxStatus())
}

type blockingCommand struct {
	echoCommand
	started chan struct{}
}

func (c *blockingCommand) Execute(ctx context.Context, _ txmgr.TxContext, _ txmgr.Params) (txmgr.Result, error) {
	close(c.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestForceCloseInterruptsRunningCommand(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mock.NewMockConnection(ctrl)
	src := mock.NewMockConnectionSource(ctrl)
	src.EXPECT().Resolve(gomock.Any(), "main", false).Return(conn, nil)
	conn.EXPECT().Begin(gomock.Any(), false).Return(nil)
	conn.EXPECT().Rollback(gomock.Any()).Return(nil).Times(1)
	conn.EXPECT().Close(gomock.Any()).Return(nil).Times(1)

	clk := testclock.NewClock(time.Unix(0, 0))
	m := newManager(t, src, txConfig(), clk)
	tx, err := m.Begin(txmgr.ReadWrite)
	require.NoError(t, err)

	cmd := &blockingCommand{started: make(chan struct{})}
	errCh := make(chan error, 1)
	go func() {
		_, err := tx.Execute(ctx, cmd, nil, "")
		errCh <- err
	}()
	<-cmd.started

	assert.Equal(txstatus.TXEXECUTING, tx.TxStatus())
	owner, stack := tx.Diagnostics()
	assert.Contains(owner, "goroutine")
	assert.Contains(stack, "(*Transaction).Execute")

	clk.Advance(11 * time.Minute)
	assert.Equal(1, m.ReapStale(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(err, txerror.ErrIllegalState)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not interrupted")
	}

	assert.Equal(txstatus.TXCLOSED, tx.TxStatus())
	assert.Equal(int64(0), m.OpenConnections())
	assert.Equal(int64(1), m.ForcedCloses())

	owner, stack = tx.Diagnostics()
	assert.Empty(owner)
	assert.Empty(stack)
}

func TestWatchdogLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	conn := mock.NewMockConnection(ctrl)
	src := mock.NewMockConnectionSource(ctrl)
	src.EXPECT().Resolve(gomock.Any(), "main", false).Return(conn, nil)
	conn.EXPECT().Begin(gomock.Any(), false).Return(nil)
	conn.EXPECT().Exec(gomock.Any(), updateSQL, 1).Return(int64(1), nil)
	conn.EXPECT().Rollback(gomock.Any()).Return(nil)
	conn.EXPECT().Close(gomock.Any()).Return(nil)

	cfg := txConfig()
	cfg.WatchdogInterval = time.Second
	cfg.WarnThreshold = 500 * time.Millisecond
	cfg.ForceCloseThreshold = 2 * time.Second

	clk := testclock.NewClock(time.Unix(0, 0))
	m := newManager(t, src, cfg, clk)

	tx, err := m.Begin(txmgr.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, &echoCommand{}, txmgr.Params{"v": 1}, "")
	require.NoError(t, err)

	require.NoError(t, clk.WaitAdvance(3*time.Second, 5*time.Second, 1))

	assert.Eventually(t, func() bool {
		return m.ForcedCloses() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return tx.TxStatus() == txstatus.TXCLOSED
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), m.OpenConnections())
}
