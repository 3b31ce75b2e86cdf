package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskqueue/config"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/queue"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "taskqueue",
	Short: "Operate a shared task queue",
	Long: `taskqueue publishes, inspects and maintains tasks in a queue shared by
many untrusted clients through a NATS JetStream key-value bucket.

Configuration is read from --config, ./taskqueue.toml or
~/.config/taskqueue/config.toml, in that order.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

var (
	configPath string

	cfg      config.Config
	log      *logging.Logger
	provider *telemetry.Provider
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is ./taskqueue.toml, then ~/.config/taskqueue/config.toml)")
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return err
	}

	log = logging.New()
	log.SetOutput(cmd.ErrOrStderr())
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if cfg.Telemetry.Enabled {
		provider, err = telemetry.InitProvider(cmd.Context(), cfg.ProviderConfig())
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return provider.Shutdown(ctx)
}

// openCoordinator connects to NATS and returns a coordinator with a
// function that releases the store and the connection.
func openCoordinator() (*queue.Coordinator, func(), error) {
	conn, err := store.Connect(cfg.ConnectConfig())
	if err != nil {
		return nil, nil, err
	}

	s, err := store.NewNATSStore(store.NATSStoreConfig{
		Conn:   conn,
		Bucket: cfg.NATS.Bucket,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	qc := cfg.QueueConfig()
	qc.Logger = log
	c, err := queue.New(s, qc)
	if err != nil {
		s.Close()
		conn.Close()
		return nil, nil, err
	}

	closeFn := func() {
		s.Close()
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	return c, closeFn, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
