package qdb

import (
	"context"

	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
)

// SequenceStore persists SequenceRows. Each reseed opens its own Session.
type SequenceStore interface {
	Session(ctx context.Context) (SequenceSession, error)
	Close() error
}

// SequenceSession is a short-lived connection to the store.
type SequenceSession interface {
	// GetSequence returns nil and no error when the row is absent.
	GetSequence(ctx context.Context, name string) (*SequenceRow, error)
	// CreateSequence inserts row unless a row with that name exists.
	// It reports whether the insert took effect.
	CreateSequence(ctx context.Context, row *SequenceRow) (bool, error)
	// UpdateSequence moves prev to next only if the stored token still equals
	// prev.Version(). It reports whether exactly one row was updated.
	UpdateSequence(ctx context.Context, prev *SequenceRow, next Version) (bool, error)

	Commit(ctx context.Context) error
	// Close releases the session, discarding uncommitted changes.
	Close(ctx context.Context) error
}

// NewSequenceStore builds the store backend selected by cfg.
func NewSequenceStore(ctx context.Context, in *config.Sequencer) (SequenceStore, error) {
	cfg := *in
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Store {
	case config.StoreMemory:
		return RestoreMemQDB(cfg.MemQDBBackupPath)
	case config.StoreSQL:
		return NewSQLQDB(ctx, cfg.Driver, cfg.StorageConnString, cfg.Table)
	case config.StoreEtcd:
		return NewEtcdQDB(cfg.EtcdAddr)
	default:
		return nil, txerror.Newf(txerror.TX_CONFIGURATION, "unknown sequence store %q", cfg.Store)
	}
}
