package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCfg(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadTOML(t *testing.T) {
	assert := assert.New(t)

	path := writeCfg(t, "txseq.toml", `
log_level = "debug"

[sequencer]
store = "sql"
driver = "pgx"
storage_connstring = "postgres://localhost/seq"
block_size = 50

[tx_manager]
warn_threshold = "5s"
force_close_threshold = "1m"

[[data_sources]]
name = "main"
connstring = "postgres://localhost/main"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal("debug", cfg.LogLevel)
	assert.Equal(StoreSQL, cfg.Sequencer.Store)
	assert.Equal(DriverPgx, cfg.Sequencer.Driver)
	assert.Equal(int64(50), cfg.Sequencer.BlockSize)
	assert.Equal(int64(100), cfg.Sequencer.StartBoundary)
	assert.Equal(DefaultSequenceTable, cfg.Sequencer.Table)
	assert.Equal(5*time.Second, cfg.TxManager.WarnThreshold)
	assert.Equal(time.Minute, cfg.TxManager.ForceCloseThreshold)
	assert.Equal(DefaultWatchdogInterval, cfg.TxManager.WatchdogInterval)
	assert.Equal(DefaultCommandPoolCapacity, cfg.TxManager.CommandPoolCapacity)
	assert.Len(cfg.DataSources, 1)
}

func TestLoadYAML(t *testing.T) {
	path := writeCfg(t, "txseq.yaml", `
sequencer:
  store: etcd
  etcd_addr: localhost:2379
  block_size: 10
  start_boundary: 1000
data_sources:
  - name: main
    connstring: postgres://localhost/main
    readonly_connstring: postgres://replica/main
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreEtcd, cfg.Sequencer.Store)
	assert.Equal(t, int64(1000), cfg.Sequencer.StartBoundary)
	assert.Equal(t, "postgres://replica/main", cfg.DataSources[0].ReadOnlyConnString)
}

func TestLoadJSON(t *testing.T) {
	assert := assert.New(t)

	path := writeCfg(t, "txseq.json", `{
	"log_level": "error",
	"sequencer": {
		"store": "memory",
		"block_size": 20,
		"cas_backoff": "25ms",
		"op_timeout": 3000000000
	},
	"tx_manager": {
		"warn_threshold": "10s",
		"force_close_threshold": "2m"
	},
	"data_sources": [
		{"name": "main", "connstring": "postgres://localhost/main"}
	]
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal("error", cfg.LogLevel)
	assert.Equal(int64(20), cfg.Sequencer.BlockSize)
	assert.Equal(25*time.Millisecond, cfg.Sequencer.CASBackoff)
	assert.Equal(3*time.Second, cfg.Sequencer.OpTimeout)
	assert.Equal(10*time.Second, cfg.TxManager.WarnThreshold)
	assert.Equal(2*time.Minute, cfg.TxManager.ForceCloseThreshold)
	assert.Equal("main", cfg.DataSources[0].Name)
}

func TestLoadRejectsNegativeBackoff(t *testing.T) {
	path := writeCfg(t, "txseq.toml", `
[sequencer]
cas_backoff = "-1s"
`)

	_, err := Load(path)
	assert.ErrorIs(t, err, txerror.ErrConfiguration)
}

func TestLoadRejectsUnknownSuffix(t *testing.T) {
	path := writeCfg(t, "txseq.ini", "x=1")

	_, err := Load(path)
	assert.ErrorIs(t, err, txerror.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "negative block size",
			mutate:  func(c *Config) { c.Sequencer.BlockSize = -1 },
			wantErr: true,
		},
		{
			name:    "zero cas backoff",
			mutate:  func(c *Config) { c.Sequencer.CASBackoff = 0 },
			wantErr: true,
		},
		{
			name:    "negative cas backoff",
			mutate:  func(c *Config) { c.Sequencer.CASBackoff = -time.Second },
			wantErr: true,
		},
		{
			name:    "negative max cas backoff",
			mutate:  func(c *Config) { c.Sequencer.MaxCASBackoff = -time.Second },
			wantErr: true,
		},
		{
			name:    "negative op timeout",
			mutate:  func(c *Config) { c.Sequencer.OpTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "sql store without connstring",
			mutate:  func(c *Config) { c.Sequencer.Store = StoreSQL },
			wantErr: true,
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Sequencer.Store = "riak" },
			wantErr: true,
		},
		{
			name:    "force close below warn",
			mutate:  func(c *Config) { c.TxManager.ForceCloseThreshold = time.Second },
			wantErr: true,
		},
		{
			name: "duplicate data source",
			mutate: func(c *Config) {
				c.DataSources = []DataSource{
					{Name: "a", ConnString: "postgres://x"},
					{Name: "a", ConnString: "postgres://y"},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, txerror.ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
