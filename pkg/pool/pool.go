package pool

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pg-sharding/txseq/pkg/txmgr"
)

// DBPool resolves logical data source names to pooled PostgreSQL
// connections. Physical pools are created on first use, one per data source
// and access mode.
type DBPool struct {
	mu      sync.Mutex
	sources map[string]config.DataSource
	pools   map[poolKey]*pgxpool.Pool
	closed  bool
}

type poolKey struct {
	name     string
	readOnly bool
}

var _ txmgr.ConnectionSource = &DBPool{}

func NewDBPool(sources []config.DataSource) (*DBPool, error) {
	p := &DBPool{
		sources: make(map[string]config.DataSource, len(sources)),
		pools:   map[poolKey]*pgxpool.Pool{},
	}
	for _, ds := range sources {
		if err := ds.Validate(); err != nil {
			return nil, err
		}
		if _, ok := p.sources[ds.Name]; ok {
			return nil, txerror.Newf(txerror.TX_CONFIGURATION, "duplicate data source %q", ds.Name)
		}
		p.sources[ds.Name] = ds
	}
	return p, nil
}

// Resolve acquires a connection for the data source. Read-only requests are
// served from the replica connstring when one is configured.
func (p *DBPool) Resolve(ctx context.Context, dataSource string, readOnly bool) (txmgr.Connection, error) {
	pl, err := p.poolFor(ctx, dataSource, readOnly)
	if err != nil {
		return nil, err
	}

	conn, err := pl.Acquire(ctx)
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONNECTION, err)
	}

	txlog.Zero.Debug().
		Str("data source", dataSource).
		Bool("read only", readOnly).
		Int32("acquired", pl.Stat().AcquiredConns()).
		Msg("pool: connection acquired")
	return newPgxConnection(conn), nil
}

func (p *DBPool) poolFor(ctx context.Context, name string, readOnly bool) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, txerror.New(txerror.TX_ILLEGAL_STATE, "pool is closed")
	}
	ds, ok := p.sources[name]
	if !ok {
		return nil, txerror.Newf(txerror.TX_CONFIGURATION, "unknown data source %q", name)
	}

	connString := ds.ConnString
	if readOnly && ds.ReadOnlyConnString != "" {
		connString = ds.ReadOnlyConnString
	} else {
		/* without a replica both modes share the primary pool */
		readOnly = false
	}

	key := poolKey{name: name, readOnly: readOnly}
	if pl, ok := p.pools[key]; ok {
		return pl, nil
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONFIGURATION, err)
	}
	if ds.MaxConns > 0 {
		cfg.MaxConns = ds.MaxConns
	}
	pl, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONNECTION, err)
	}
	p.pools[key] = pl

	txlog.Zero.Info().
		Str("data source", name).
		Bool("replica", readOnly).
		Int32("max conns", cfg.MaxConns).
		Msg("pool: created connection pool")
	return pl, nil
}

// Stats returns acquired connection counts keyed by data source name.
func (p *DBPool) Stats() map[string]int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ret := map[string]int32{}
	for key, pl := range p.pools {
		ret[key.name] += pl.Stat().AcquiredConns()
	}
	return ret
}

// Close closes every physical pool. Connections still held are closed when
// they are released.
func (p *DBPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for key, pl := range p.pools {
		pl.Close()
		delete(p.pools, key)
	}
}
