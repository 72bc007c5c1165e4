package config

import (
	"github.com/pg-sharding/txseq/pkg/models/txerror"
)

// DataSource maps a logical data source name to physical pools.
// ReadOnlyConnString is optional; read-only transactions use it when set.
type DataSource struct {
	Name               string `json:"name" toml:"name" yaml:"name"`
	ConnString         string `json:"connstring" toml:"connstring" yaml:"connstring"`
	ReadOnlyConnString string `json:"readonly_connstring" toml:"readonly_connstring" yaml:"readonly_connstring"`
	MaxConns           int32  `json:"max_conns" toml:"max_conns" yaml:"max_conns"`
}

func (d *DataSource) Validate() error {
	if d.Name == "" {
		return txerror.New(txerror.TX_CONFIGURATION, "data source without name")
	}
	if d.ConnString == "" {
		return txerror.Newf(txerror.TX_CONFIGURATION, "data source %q has no connstring", d.Name)
	}
	if d.MaxConns < 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "data source %q has negative max_conns", d.Name)
	}
	return nil
}
