package pool

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txmgr"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// pgxConnection serializes all use of the underlying connection, so a
// rollback issued by the watchdog waits for a cancelled query to return.
type pgxConnection struct {
	mu   sync.Mutex
	conn *pgxpool.Conn
	tx   pgx.Tx
}

var _ txmgr.Connection = &pgxConnection{}

func newPgxConnection(conn *pgxpool.Conn) *pgxConnection {
	return &pgxConnection{conn: conn}
}

func (c *pgxConnection) querierLocked() (pgxQuerier, error) {
	if c.conn == nil {
		return nil, txerror.New(txerror.TX_ILLEGAL_STATE, "connection is released")
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.conn, nil
}

func (c *pgxConnection) Begin(ctx context.Context, readOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return txerror.New(txerror.TX_ILLEGAL_STATE, "connection is released")
	}
	if c.tx != nil {
		return txerror.New(txerror.TX_ILLEGAL_STATE, "transaction block already started")
	}

	opts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *pgxConnection) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.querierLocked()
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConnection) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.querierLocked()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

func (c *pgxConnection) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return txerror.New(txerror.TX_ILLEGAL_STATE, "commit outside of a transaction block")
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	return err
}

// Rollback outside of a transaction block is a no-op.
func (c *pgxConnection) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rollbackLocked(ctx)
}

func (c *pgxConnection) rollbackLocked(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	return err
}

// Close releases the connection back to its pool, rolling back a
// transaction block left open. Closing twice is allowed.
func (c *pgxConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.rollbackLocked(ctx)
	c.conn.Release()
	c.conn = nil
	return err
}
