package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pg-sharding/txseq/pkg"
	"github.com/pg-sharding/txseq/pkg/command"
	"github.com/pg-sharding/txseq/pkg/config"
	"github.com/pg-sharding/txseq/pkg/metrics"
	"github.com/pg-sharding/txseq/pkg/pool"
	"github.com/pg-sharding/txseq/pkg/tracing"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pg-sharding/txseq/pkg/txmgr"
	"github.com/pg-sharding/txseq/qdb"
	"github.com/pg-sharding/txseq/sequencer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgPath string

	nextvalCount int

	execDataSource string
	execSQL        string
	execArgs       []string
	execReadOnly   bool
)

var rootCmd = &cobra.Command{
	Use:   "txseq",
	Short: "txseq",
	Long:  "Block sequence allocator and transaction manager",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Version:       pkg.TxseqVersionRevision,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file, defaults are used when empty")

	nextvalCmd.Flags().IntVarP(&nextvalCount, "count", "n", 1, "number of values to allocate")

	execCmd.Flags().StringVarP(&execDataSource, "datasource", "d", "", "data source to run the statement on")
	execCmd.Flags().StringVarP(&execSQL, "sql", "s", "", "statement to run")
	execCmd.Flags().StringArrayVarP(&execArgs, "arg", "a", nil, "positional statement argument, may be repeated")
	execCmd.Flags().BoolVar(&execReadOnly, "readonly", false, "run in a read-only transaction")
	_ = execCmd.MarkFlagRequired("sql")

	rootCmd.AddCommand(nextvalCmd, execCmd, serveCmd)
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return nil, err
		}
	}
	txlog.ReloadLogger(cfg.LogFileName, cfg.LogLevel, cfg.PrettyLog)
	return cfg, nil
}

var nextvalCmd = &cobra.Command{
	Use:   "nextval <sequence>",
	Short: "allocate values from a sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := qdb.NewSequenceStore(ctx, &cfg.Sequencer)
		if err != nil {
			return errors.Wrap(err, "failed to open sequence store")
		}
		defer func() {
			if err := store.Close(); err != nil {
				txlog.Zero.Error().Err(err).Msg("failed to close sequence store")
			}
		}()

		seq, err := sequencer.NewSequencer(store, cfg.Sequencer)
		if err != nil {
			return err
		}
		for range nextvalCount {
			v, err := seq.NextVal(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec --sql <statement>",
	Short: "run one statement in a transaction and commit it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		dbpool, err := pool.NewDBPool(cfg.DataSources)
		if err != nil {
			return err
		}
		defer dbpool.Close()

		mgr, err := txmgr.NewManager(dbpool, cfg.TxManager)
		if err != nil {
			return err
		}
		defer func() {
			if err := mgr.Shutdown(context.WithoutCancel(ctx)); err != nil {
				txlog.Zero.Error().Err(err).Msg("failed to shut down transaction manager")
			}
		}()

		mode := txmgr.ReadWrite
		if execReadOnly {
			mode = txmgr.ReadOnly
		}
		tx, err := mgr.Begin(mode)
		if err != nil {
			return err
		}

		stmtArgs := make([]any, 0, len(execArgs))
		for _, a := range execArgs {
			stmtArgs = append(stmtArgs, a)
		}
		sqlCmd := command.Acquire(mgr.Pools(), execDataSource, execSQL, !execReadOnly)

		res, err := tx.Execute(ctx, sqlCmd, txmgr.Params{command.ParamArgs: stmtArgs}, "")
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the sequencer and transaction manager with metrics exposed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if cfg.JaegerConfig.JaegerUrl != "" {
			closer, err := tracing.InitJaegerTracer("txseq", cfg.JaegerConfig)
			if err != nil {
				return errors.Wrap(err, "failed to init tracing")
			}
			defer func() {
				if err := closer.Close(); err != nil {
					txlog.Zero.Error().Err(err).Msg("failed to flush spans")
				}
			}()
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-sigs:
					txlog.Zero.Info().Str("signal", s.String()).Msg("received signal")
					switch s {
					case syscall.SIGHUP:
						/* only logging settings are reloadable */
						if cfgPath == "" {
							continue
						}
						newCfg, err := config.Load(cfgPath)
						if err != nil {
							txlog.Zero.Error().Err(err).Msg("failed to reload config")
							continue
						}
						txlog.ReloadLogger(newCfg.LogFileName, newCfg.LogLevel, newCfg.PrettyLog)
					default:
						cancel()
						return
					}
				}
			}
		}()

		store, err := qdb.NewSequenceStore(ctx, &cfg.Sequencer)
		if err != nil {
			return errors.Wrap(err, "failed to open sequence store")
		}
		defer func() {
			if err := store.Close(); err != nil {
				txlog.Zero.Error().Err(err).Msg("failed to close sequence store")
			}
		}()

		seq, err := sequencer.NewSequencer(store, cfg.Sequencer)
		if err != nil {
			return err
		}

		dbpool, err := pool.NewDBPool(cfg.DataSources)
		if err != nil {
			return err
		}
		defer dbpool.Close()

		mgr, err := txmgr.NewManager(dbpool, cfg.TxManager)
		if err != nil {
			return err
		}

		srv, err := metrics.NewServer(cfg.MetricsAddr, seq, mgr)
		if err != nil {
			return errors.Wrap(err, "failed to start metrics server")
		}

		txlog.Zero.Info().
			Str("manager", mgr.ID()).
			Str("store", cfg.Sequencer.Store).
			Str("metrics", srv.Addr()).
			Msg("txseq is up")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			return mgr.Shutdown(context.WithoutCancel(gctx))
		})
		return g.Wait()
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		txlog.Zero.Error().Err(err).Msg("")
		os.Exit(1)
	}
}
