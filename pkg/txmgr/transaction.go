package txmgr

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pg-sharding/txseq/pkg/txstatus"
	"go.uber.org/atomic"
)

const capturedStackLimit = 16 << 10

// Transaction is a unit of work bound to at most one connection. A
// Transaction must be driven by one goroutine at a time; only the watchdog
// may touch it concurrently.
type Transaction struct {
	id   uint32
	mode Mode
	mgr  *Manager

	// mu serializes state transitions and connection use.
	mu       sync.Mutex
	conn     Connection
	executed []Command
	dirty    bool
	openedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state   *atomic.Uint32
	warned  *atomic.Bool
	aborted *atomic.Bool

	diagMu sync.Mutex
	owner  string
	stack  []byte
}

var _ txstatus.TxStatusMgr = &Transaction{}

func newTransaction(m *Manager, id uint32, mode Mode) *Transaction {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Transaction{
		id:      id,
		mode:    mode,
		mgr:     m,
		ctx:     ctx,
		cancel:  cancel,
		state:   atomic.NewUint32(uint32(txstatus.TXNEW)),
		warned:  atomic.NewBool(false),
		aborted: atomic.NewBool(false),
	}
}

func (t *Transaction) ID() uint32 {
	return t.id
}

func (t *Transaction) Mode() Mode {
	return t.mode
}

func (t *Transaction) TxStatus() txstatus.TXStatus {
	return txstatus.TXStatus(t.state.Load())
}

// SetTxStatus must be called with mu held.
func (t *Transaction) SetTxStatus(status txstatus.TXStatus) {
	prev := t.TxStatus()
	if prev != status && !prev.CanTransit(status) {
		txlog.Zero.Error().
			Uint32("tx", t.id).
			Str("from", prev.String()).
			Str("to", status.String()).
			Msg("txmgr: unexpected transaction state transition")
	}
	t.state.Store(uint32(status))
}

// OpenedAt returns when the connection was opened, zero before that.
func (t *Transaction) OpenedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openedAt
}

// Diagnostics returns the goroutine running the current command and the
// stack captured when it started. Both are empty between commands.
func (t *Transaction) Diagnostics() (string, string) {
	t.diagMu.Lock()
	defer t.diagMu.Unlock()
	return t.owner, string(t.stack)
}

func (t *Transaction) setDiagnostics(owner string, stack []byte) {
	t.diagMu.Lock()
	defer t.diagMu.Unlock()
	t.owner, t.stack = owner, stack
}

// Execute runs cmd on the transaction's connection, opening it first if
// needed. dataSource falls back to cmd.DataSourceName() and then to the
// manager default. Any failure rolls the transaction back; the command is
// owned by the transaction from here on and goes back to the pool on close.
func (t *Transaction) Execute(ctx context.Context, cmd Command, params Params, dataSource string) (Result, error) {
	res, err := t.execute(ctx, cmd, params, dataSource)
	t.mgr.errs.Report(err)
	return res, err
}

func (t *Transaction) execute(ctx context.Context, cmd Command, params Params, dataSource string) (Result, error) {
	if cmd == nil {
		return nil, txerror.New(txerror.TX_ILLEGAL_STATE, "nil command")
	}

	t.mu.Lock()
	if err := t.checkUsableLocked("execute"); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if t.mode == ReadOnly && !cmd.ReadOnly() {
		err := txerror.Newf(txerror.TX_ILLEGAL_STATE,
			"transaction %d is read-only, command %T writes", t.id, cmd)
		t.rollbackLocked(context.WithoutCancel(ctx), err)
		t.mu.Unlock()
		t.mgr.pools.Put(cmd)
		return nil, err
	}
	if t.conn == nil {
		if err := t.openLocked(ctx, cmd, dataSource); err != nil {
			t.rollbackLocked(context.WithoutCancel(ctx), err)
			t.mu.Unlock()
			t.mgr.pools.Put(cmd)
			return nil, err
		}
	}

	t.SetTxStatus(txstatus.TXEXECUTING)
	t.setDiagnostics(captureOwner())
	conn := t.conn
	t.mu.Unlock()

	res, err := t.run(ctx, conn, cmd, params)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.setDiagnostics("", nil)

	if t.TxStatus() != txstatus.TXEXECUTING || t.aborted.Load() {
		/* closed underneath us by the watchdog or shutdown */
		err := txerror.Newf(txerror.TX_ILLEGAL_STATE,
			"transaction %d was closed while executing %T", t.id, cmd)
		t.rollbackLocked(context.WithoutCancel(ctx), err)
		t.mgr.pools.Put(cmd)
		return nil, err
	}
	if err != nil {
		err = txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
		t.rollbackLocked(context.WithoutCancel(ctx), err)
		t.mgr.pools.Put(cmd)
		return nil, err
	}

	t.executed = append(t.executed, cmd)
	t.SetTxStatus(txstatus.TXAWAITCOMMIT)
	return res, nil
}

// run executes cmd bound to both the caller context and the transaction
// context, turning panics into errors.
func (t *Transaction) run(ctx context.Context, conn Connection, cmd Command, params Params) (res Result, err error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "txmgr.execute")
	defer span.Finish()
	span.SetTag("tx", t.id)
	span.SetTag("command", fmt.Sprintf("%T", cmd))

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = txerror.Newf(txerror.TX_UNEXPECTED, "command %T panicked: %v", cmd, r)
		}
		if err != nil {
			span.SetTag("error", true)
		}
	}()

	txlog.Zero.Debug().
		Uint32("tx", t.id).
		Type("command", cmd).
		Msg("txmgr: executing command")

	return cmd.Execute(execCtx, &txContext{t: t, conn: conn}, params)
}

func (t *Transaction) openLocked(ctx context.Context, cmd Command, dataSource string) error {
	t.SetTxStatus(txstatus.TXOPENING)

	name := dataSource
	if name == "" {
		name = cmd.DataSourceName()
	}
	if name == "" {
		name = t.mgr.cfg.DefaultDataSource
	}
	if name == "" {
		return txerror.Newf(txerror.TX_CONFIGURATION, "no data source for command %T", cmd)
	}

	readOnly := t.mode == ReadOnly
	conn, err := t.mgr.source.Resolve(ctx, name, readOnly)
	if err != nil {
		return txerror.Wrap(txerror.TX_CONNECTION, err)
	}
	if err := conn.Begin(ctx, readOnly); err != nil {
		if cerr := conn.Close(context.WithoutCancel(ctx)); cerr != nil {
			txlog.Zero.Error().Err(cerr).Uint32("tx", t.id).Msg("txmgr: failed to close connection after begin failure")
		}
		return txerror.Wrap(txerror.TX_CONNECTION, err)
	}

	t.conn = conn
	t.openedAt = t.mgr.clock.Now()
	t.SetTxStatus(txstatus.TXCONNECTED)
	t.mgr.connOpened()
	t.mgr.register(t)

	txlog.Zero.Debug().
		Uint32("tx", t.id).
		Str("data source", name).
		Str("mode", t.mode.String()).
		Msg("txmgr: connection opened")
	return nil
}

// Commit commits and closes the connection. Committing a transaction that
// never opened a connection does nothing.
func (t *Transaction) Commit(ctx context.Context) error {
	err := t.commit(ctx)
	t.mgr.errs.Report(err)
	return err
}

func (t *Transaction) commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkUsableLocked("commit"); err != nil {
		return err
	}
	if t.conn == nil {
		return nil
	}

	t.SetTxStatus(txstatus.TXCOMMITTING)
	if err := t.conn.Commit(ctx); err != nil {
		err = txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
		t.rollbackLocked(context.WithoutCancel(ctx), err)
		return err
	}
	if err := t.conn.Close(ctx); err != nil {
		txlog.Zero.Error().Err(err).Uint32("tx", t.id).Msg("txmgr: failed to close connection after commit")
	}
	t.conn = nil
	t.mgr.connClosed()

	txlog.Zero.Debug().Uint32("tx", t.id).Msg("txmgr: committed")
	t.closeLocked()
	return nil
}

// Rollback is best-effort and idempotent. Failures are logged; a rolled back
// transaction can no longer commit.
func (t *Transaction) Rollback(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollbackLocked(ctx, nil)
}

// abort is the watchdog and shutdown path: the transaction context is
// cancelled first so that a command stuck in I/O gives the connection up.
// It reports whether this call initiated the close.
func (t *Transaction) abort(ctx context.Context, reason error) bool {
	if t.TxStatus() == txstatus.TXCLOSED || !t.aborted.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollbackLocked(ctx, reason)
	return true
}

func (t *Transaction) rollbackLocked(ctx context.Context, reason error) {
	t.dirty = true
	if t.TxStatus() == txstatus.TXCLOSED {
		return
	}

	if t.conn != nil {
		t.SetTxStatus(txstatus.TXROLLINGBACK)
		if err := t.conn.Rollback(ctx); err != nil {
			txlog.Zero.Warn().Err(err).Uint32("tx", t.id).Msg("txmgr: rollback failed")
		}
		if err := t.conn.Close(ctx); err != nil {
			txlog.Zero.Warn().Err(err).Uint32("tx", t.id).Msg("txmgr: failed to close connection after rollback")
		}
		t.conn = nil
		t.mgr.connClosed()
	}

	if reason != nil {
		txlog.Zero.Info().Err(reason).Uint32("tx", t.id).Msg("txmgr: rolled back")
	} else {
		txlog.Zero.Debug().Uint32("tx", t.id).Msg("txmgr: rolled back")
	}

	t.closeLocked()
}

// closeLocked is the teardown shared by commit, rollback and the watchdog.
func (t *Transaction) closeLocked() {
	for i := len(t.executed) - 1; i >= 0; i-- {
		t.mgr.pools.Put(t.executed[i])
		t.executed[i] = nil
	}
	t.executed = t.executed[:0]

	t.SetTxStatus(txstatus.TXCLOSED)
	t.mgr.unregister(t)
	t.setDiagnostics("", nil)
	t.cancel()

	if !t.openedAt.IsZero() {
		t.mgr.recordLifetime(t.mgr.clock.Now().Sub(t.openedAt))
	}
}

func (t *Transaction) checkUsableLocked(op string) error {
	st := t.TxStatus()
	switch {
	case st == txstatus.TXCLOSED || t.dirty:
		return txerror.Newf(txerror.TX_ILLEGAL_STATE, "%s on closed transaction %d", op, t.id)
	case st == txstatus.TXEXECUTING:
		return txerror.Newf(txerror.TX_ILLEGAL_STATE, "%s while transaction %d is executing a command", op, t.id)
	}
	return nil
}

// captureOwner returns the current goroutine label and its stack.
func captureOwner() (string, []byte) {
	buf := make([]byte, capturedStackLimit)
	buf = buf[:runtime.Stack(buf, false)]

	owner := ""
	if i := bytes.IndexByte(buf, '['); i > 0 {
		owner = strings.TrimSpace(string(buf[:i]))
	}
	return owner, buf
}

type txContext struct {
	t    *Transaction
	conn Connection
}

var _ TxContext = &txContext{}

func (c *txContext) ID() uint32 {
	return c.t.id
}

func (c *txContext) ReadOnly() bool {
	return c.t.mode == ReadOnly
}

func (c *txContext) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *txContext) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return c.conn.Query(ctx, sql, args...)
}
