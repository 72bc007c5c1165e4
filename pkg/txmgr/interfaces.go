package txmgr

//go:generate mockgen -source=interfaces.go -destination=mock/txmgr.go -package=mock

import (
	"context"
)

type Params map[string]any

type Result map[string]any

type Mode int

const (
	ReadWrite = Mode(iota)
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read-only"
	}
	return "read-write"
}

type Querier interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// Query runs a statement and returns every row keyed by column name.
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
}

// Connection is a physical connection owned by exactly one Transaction.
type Connection interface {
	Querier

	// Begin turns auto-commit off in the requested access mode.
	Begin(ctx context.Context, readOnly bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close hands the physical connection back to its pool.
	Close(ctx context.Context) error
}

// ConnectionSource resolves a logical data source name to a connection.
type ConnectionSource interface {
	Resolve(ctx context.Context, dataSource string, readOnly bool) (Connection, error)
}

// TxContext is what a Command sees of the transaction running it.
type TxContext interface {
	Querier

	ID() uint32
	ReadOnly() bool
}

// Command is a unit of parameterized work. Instances are recycled through a
// CommandPool after the owning transaction closes, so implementations must be
// pointer types and must not keep per-call state past Reset.
type Command interface {
	Execute(ctx context.Context, tx TxContext, params Params) (Result, error)
	// DataSourceName is used when the caller does not name a data source.
	DataSourceName() string
	ReadOnly() bool
}

// Resetter is implemented by commands that clear state before pooling.
type Resetter interface {
	Reset()
}
