package config

import (
	"time"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
)

const (
	DefaultWatchdogInterval    = time.Second
	DefaultWarnThreshold       = 10 * time.Second
	DefaultForceCloseThreshold = 600 * time.Second
	DefaultCommandPoolCapacity = 10
)

type TxManager struct {
	WatchdogInterval    time.Duration `json:"watchdog_interval" toml:"watchdog_interval" yaml:"watchdog_interval"`
	WarnThreshold       time.Duration `json:"warn_threshold" toml:"warn_threshold" yaml:"warn_threshold"`
	ForceCloseThreshold time.Duration `json:"force_close_threshold" toml:"force_close_threshold" yaml:"force_close_threshold"`
	CommandPoolCapacity int           `json:"command_pool_capacity" toml:"command_pool_capacity" yaml:"command_pool_capacity"`
	// DefaultDataSource is used when neither the caller nor the command names one.
	DefaultDataSource string `json:"default_data_source" toml:"default_data_source" yaml:"default_data_source"`
}

func (t *TxManager) setDefaults() {
	if t.WatchdogInterval == 0 {
		t.WatchdogInterval = DefaultWatchdogInterval
	}
	if t.WarnThreshold == 0 {
		t.WarnThreshold = DefaultWarnThreshold
	}
	if t.ForceCloseThreshold == 0 {
		t.ForceCloseThreshold = DefaultForceCloseThreshold
	}
	if t.CommandPoolCapacity == 0 {
		t.CommandPoolCapacity = DefaultCommandPoolCapacity
	}
}

// DefaultTxManager returns a manager config with defaults applied.
func DefaultTxManager() TxManager {
	t := TxManager{}
	t.setDefaults()
	return t
}

func (t *TxManager) Validate() error {
	if t.WatchdogInterval <= 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "watchdog_interval must be positive, got %v", t.WatchdogInterval)
	}
	if t.WarnThreshold <= 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "warn_threshold must be positive, got %v", t.WarnThreshold)
	}
	if t.ForceCloseThreshold <= t.WarnThreshold {
		return txerror.Newf(txerror.TX_CONFIGURATION, "force_close_threshold %v must exceed warn_threshold %v",
			t.ForceCloseThreshold, t.WarnThreshold)
	}
	if t.CommandPoolCapacity < 0 {
		return txerror.Newf(txerror.TX_CONFIGURATION, "command_pool_capacity must not be negative, got %d", t.CommandPoolCapacity)
	}
	return nil
}
