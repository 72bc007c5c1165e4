package config

import (
	"time"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
)

const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
	StoreEtcd   = "etcd"

	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

const (
	DefaultBlockSize      = 100
	DefaultMaxCASRetries  = 8
	DefaultCASBackoff     = 10 * time.Millisecond
	DefaultMaxCASBackoff  = time.Second
	DefaultSequenceTable  = "sequences"
	DefaultStoreOpTimeout = 5 * time.Second
)

type Sequencer struct {
	// Store is one of memory, sql, etcd.
	Store string `json:"store" toml:"store" yaml:"store"`
	// Driver selects the database/sql driver for the sql store: postgres (lib/pq) or pgx.
	Driver            string `json:"driver" toml:"driver" yaml:"driver"`
	StorageConnString string `json:"storage_connstring" toml:"storage_connstring" yaml:"storage_connstring"`
	Table             string `json:"table" toml:"table" yaml:"table"`
	EtcdAddr          string `json:"etcd_addr" toml:"etcd_addr" yaml:"etcd_addr"`
	// MemQDBBackupPath makes the memory store survive restarts.
	MemQDBBackupPath string `json:"memqdb_backup_path" toml:"memqdb_backup_path" yaml:"memqdb_backup_path"`

	BlockSize int64 `json:"block_size" toml:"block_size" yaml:"block_size"`
	// StartBoundary is the next_boundary written when a row is created.
	// Zero means 2*BlockSize.
	StartBoundary int64 `json:"start_boundary" toml:"start_boundary" yaml:"start_boundary"`

	MaxCASRetries uint64        `json:"max_cas_retries" toml:"max_cas_retries" yaml:"max_cas_retries"`
	CASBackoff    time.Duration `json:"cas_backoff" toml:"cas_backoff" yaml:"cas_backoff"`
	MaxCASBackoff time.Duration `json:"max_cas_backoff" toml:"max_cas_backoff" yaml:"max_cas_backoff"`
	OpTimeout     time.Duration `json:"op_timeout" toml:"op_timeout" yaml:"op_timeout"`
}

// SetDefaults fills zero fields. Negative values are left for Validate to reject.
func (s *Sequencer) SetDefaults() {
	if s.Store == "" {
		s.Store = StoreMemory
	}
	if s.Driver == "" {
		s.Driver = DriverPostgres
	}
	if s.Table == "" {
		s.Table = DefaultSequenceTable
	}
	if s.BlockSize == 0 {
		s.BlockSize = DefaultBlockSize
	}
	if s.StartBoundary == 0 {
		s.StartBoundary = 2 * s.BlockSize
	}
	if s.MaxCASRetries == 0 {
		s.MaxCASRetries = DefaultMaxCASRetries
	}
	if s.CASBackoff == 0 {
		s.CASBackoff = DefaultCASBackoff
	}
	if s.MaxCASBackoff == 0 {
		s.MaxCASBackoff = DefaultMaxCASBackoff
	}
	if s.OpTimeout == 0 {
		s.OpTimeout = DefaultStoreOpTimeout
	}
}

// DefaultSequencer returns a memory-backed sequencer config with defaults applied.
func DefaultSequencer() Sequencer {
	s := Sequencer{}
	s.SetDefaults()
	return s
}

func (s *Sequencer) Validate() error {
	if s.BlockSize <= 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "sequencer block_size must be positive, got %d", s.BlockSize)
	}
	if s.StartBoundary < s.BlockSize {
		return txerror.Newf(txerror.TX_CONFIGURATION, "sequencer start_boundary %d is below block_size %d", s.StartBoundary, s.BlockSize)
	}
	if s.CASBackoff <= 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "sequencer cas_backoff must be positive, got %s", s.CASBackoff)
	}
	if s.MaxCASBackoff < 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "sequencer max_cas_backoff must not be negative, got %s", s.MaxCASBackoff)
	}
	if s.OpTimeout < 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "sequencer op_timeout must not be negative, got %s", s.OpTimeout)
	}
	switch s.Store {
	case StoreMemory:
	case StoreSQL:
		if s.StorageConnString == "" {
			return txerror.New(txerror.TX_CONFIGURATION, "sequencer storage_connstring is required for sql store")
		}
		if s.Driver != DriverPostgres && s.Driver != DriverPgx {
			return txerror.Newf(txerror.TX_CONFIGURATION, "unknown sql driver %q", s.Driver)
		}
	case StoreEtcd:
		if s.EtcdAddr == "" {
			return txerror.New(txerror.TX_CONFIGURATION, "sequencer etcd_addr is required for etcd store")
		}
	default:
		return txerror.Newf(txerror.TX_CONFIGURATION, "unknown sequence store %q", s.Store)
	}
	return nil
}
