package config

import (
	"encoding/json"
	"os"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
)

type Config struct {
	LogLevel    string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFileName string `json:"log_filename" toml:"log_filename" yaml:"log_filename"`
	PrettyLog   bool   `json:"pretty_log" toml:"pretty_log" yaml:"pretty_log"`
	MetricsAddr string `json:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`

	JaegerConfig JaegerConfig `json:"jaeger" toml:"jaeger" yaml:"jaeger"`

	Sequencer   Sequencer    `json:"sequencer" toml:"sequencer" yaml:"sequencer"`
	TxManager   TxManager    `json:"tx_manager" toml:"tx_manager" yaml:"tx_manager"`
	DataSources []DataSource `json:"data_sources" toml:"data_sources" yaml:"data_sources"`
}

// Default returns a config with every tunable set to its default value.
func Default() *Config {
	cfg := &Config{
		LogLevel:    "info",
		MetricsAddr: ":7070",
	}
	cfg.Sequencer.SetDefaults()
	cfg.TxManager.setDefaults()
	return cfg
}

// Load reads the config at cfgPath, fills in defaults and validates it.
func Load(cfgPath string) (*Config, error) {
	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONFIGURATION, err)
	}
	defer file.Close()

	cfg := &Config{}
	if err := initConfig(file, cfg); err != nil {
		return nil, txerror.Wrap(txerror.TX_CONFIGURATION, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Sequencer.SetDefaults()
	cfg.TxManager.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	txlog.Zero.Debug().RawJSON("config", configBytes).Msg("running config")
	return cfg, nil
}

// JaegerConfig enables span reporting when JaegerUrl is set.
type JaegerConfig struct {
	JaegerUrl string `json:"jaeger_url" toml:"jaeger_url" yaml:"jaeger_url"`
}

func (c *Config) Validate() error {
	if err := c.Sequencer.Validate(); err != nil {
		return err
	}
	if err := c.TxManager.Validate(); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, ds := range c.DataSources {
		if err := ds.Validate(); err != nil {
			return err
		}
		if _, ok := seen[ds.Name]; ok {
			return txerror.Newf(txerror.TX_CONFIGURATION, "data source %q declared twice", ds.Name)
		}
		seen[ds.Name] = struct{}{}
	}
	return nil
}
