// Command raftnode runs one member of a replication group over gRPC. Committed commands build a key-value store that
// is served over HTTP together with the node's metrics and health.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"partitionlog/internal/logger"
)

type options struct {
	configPath       string
	id               string
	bindAddress      string
	httpAddress      string
	peers            []string
	dataDir          string
	logLevel         string
	logFormat        string
	snapshotInterval time.Duration
	reportPath       string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "raftnode",
		Short:        "Run a replicated key-value node",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := loadOptions()
			log, err := logger.New(os.Stderr, opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, log)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "TOML file with the node configuration")
	flags.String("id", "", "Node id, generated when empty and not set in the config file")
	flags.String("bind-address", "127.0.0.1:7000", "Address the gRPC server listens on")
	flags.String("http-address", "127.0.0.1:7001", "Address serving /kv, /status, /health and /metrics")
	flags.StringSlice("peers", nil, "Other members as id=address, overriding the config file")
	flags.String("data-dir", "./data", "Directory holding the log and the snapshots")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "console", "Log format: console or json")
	flags.Duration("snapshot-interval", 30*time.Second, "How often the key-value state is snapshotted, 0 disables it")
	flags.String("metrics-report", "", "File the metrics report is written to on shutdown")

	// Every flag can also be set through a RAFTNODE_ prefixed variable, with dashes turned into underscores
	viper.SetEnvPrefix("RAFTNODE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, name := range []string{
		"config", "id", "bind-address", "http-address", "peers", "data-dir",
		"log-level", "log-format", "snapshot-interval", "metrics-report",
	} {
		mustBindPFlag(name, cmd)
	}

	return cmd
}

func mustBindPFlag(key string, cmd *cobra.Command) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
		panic(fmt.Errorf("failed to bind flag %s: %w", key, err))
	}
}

func loadOptions() options {
	return options{
		configPath:       viper.GetString("config"),
		id:               viper.GetString("id"),
		bindAddress:      viper.GetString("bind-address"),
		httpAddress:      viper.GetString("http-address"),
		peers:            viper.GetStringSlice("peers"),
		dataDir:          viper.GetString("data-dir"),
		logLevel:         viper.GetString("log-level"),
		logFormat:        viper.GetString("log-format"),
		snapshotInterval: viper.GetDuration("snapshot-interval"),
		reportPath:       viper.GetString("metrics-report"),
	}
}

// shutdownTimeout bounds how long in-flight HTTP requests may take once the node is asked to stop.
const shutdownTimeout = 5 * time.Second

func withShutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
