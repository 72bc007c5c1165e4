package qdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pkg/errors"
)

// SQLQDB keeps sequences in a relational table, one row per name.
type SQLQDB struct {
	db    *sqlx.DB
	table string

	selectQuery string
	insertQuery string
	updateQuery string
}

var _ SequenceStore = &SQLQDB{}

// NewSQLQDB opens a pool for driver ("postgres" or "pgx") and makes sure the
// sequence table exists.
func NewSQLQDB(ctx context.Context, driver, connString, table string) (*SQLQDB, error) {
	db, err := sqlx.Open(driver, connString)
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONFIGURATION, err)
	}
	q := NewSQLQDBFromDB(db, table)
	if err := q.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	txlog.Zero.Debug().
		Str("driver", driver).
		Str("table", table).
		Msg("sqlqdb: NewSQLQDB")
	return q, nil
}

// NewSQLQDBFromDB wraps an already opened pool.
func NewSQLQDBFromDB(db *sqlx.DB, table string) *SQLQDB {
	t := pgx.Identifier{table}.Sanitize()
	return &SQLQDB{
		db:    db,
		table: t,

		selectQuery: fmt.Sprintf(`SELECT name, spacing, next_boundary, last_update FROM %s WHERE name = $1`, t),
		insertQuery: fmt.Sprintf(`INSERT INTO %s (name, spacing, next_boundary, last_update) VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING`, t),
		updateQuery: fmt.Sprintf(`UPDATE %s SET next_boundary = $1, last_update = $2 WHERE name = $3 AND next_boundary = $4 AND last_update = $5`, t),
	}
}

func (q *SQLQDB) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name          TEXT PRIMARY KEY,
	spacing       BIGINT NOT NULL,
	next_boundary BIGINT NOT NULL,
	last_update   BIGINT NOT NULL
)`, q.table))
	if err != nil {
		return txerror.Wrap(txerror.TX_CONNECTION, errors.Wrapf(err, "create table %s", q.table))
	}
	return nil
}

func (q *SQLQDB) Session(ctx context.Context) (SequenceSession, error) {
	tx, err := q.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONNECTION, errors.Wrap(err, "begin sequence session"))
	}
	return &sqlSession{q: q, tx: tx}, nil
}

func (q *SQLQDB) Close() error {
	return q.db.Close()
}

type sqlSession struct {
	q    *SQLQDB
	tx   *sqlx.Tx
	done bool
}

func (s *sqlSession) GetSequence(ctx context.Context, name string) (*SequenceRow, error) {
	txlog.Zero.Debug().Str("sequence", name).Msg("sqlqdb: get sequence")

	row := &SequenceRow{}
	if err := s.tx.GetContext(ctx, row, s.q.selectQuery, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, txerror.Wrap(txerror.TX_STORE_EXECUTION, errors.Wrapf(err, "read sequence %q", name))
	}
	return row, nil
}

func (s *sqlSession) CreateSequence(ctx context.Context, row *SequenceRow) (bool, error) {
	txlog.Zero.Debug().Interface("row", row).Msg("sqlqdb: create sequence")

	res, err := s.tx.ExecContext(ctx, s.q.insertQuery, row.Name, row.Spacing, row.NextBoundary, row.LastUpdate)
	if err != nil {
		return false, txerror.Wrap(txerror.TX_STORE_EXECUTION, errors.Wrapf(err, "create sequence %q", row.Name))
	}
	return affectedOne(res)
}

func (s *sqlSession) UpdateSequence(ctx context.Context, prev *SequenceRow, next Version) (bool, error) {
	txlog.Zero.Debug().
		Str("sequence", prev.Name).
		Int64("prev boundary", prev.NextBoundary).
		Int64("next boundary", next.NextBoundary).
		Msg("sqlqdb: update sequence")

	res, err := s.tx.ExecContext(ctx, s.q.updateQuery,
		next.NextBoundary, next.LastUpdate,
		prev.Name, prev.NextBoundary, prev.LastUpdate)
	if err != nil {
		return false, txerror.Wrap(txerror.TX_STORE_EXECUTION, errors.Wrapf(err, "update sequence %q", prev.Name))
	}
	return affectedOne(res)
}

func (s *sqlSession) Commit(ctx context.Context) error {
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return txerror.Wrap(txerror.TX_STORE_EXECUTION, errors.Wrap(err, "commit sequence session"))
	}
	return nil
}

func (s *sqlSession) Close(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, txerror.Wrap(txerror.TX_STORE_EXECUTION, err)
	}
	return n == 1, nil
}
