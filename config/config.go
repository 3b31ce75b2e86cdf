// Package config loads the taskqueue operator configuration from TOML.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/queue"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// Config is the full operator configuration.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Queue     QueueConfig     `toml:"queue"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// NATSConfig holds the connection and bucket settings.
type NATSConfig struct {
	URL            string        `toml:"url"`
	Name           string        `toml:"name"`
	Token          string        `toml:"token"`
	User           string        `toml:"user"`
	Password       string        `toml:"password"`
	Bucket         string        `toml:"bucket"`
	ReconnectWait  time.Duration `toml:"reconnect_wait"`
	MaxReconnects  int           `toml:"max_reconnects"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
}

// QueueConfig holds coordinator settings.
type QueueConfig struct {
	Root          string        `toml:"root"`
	StaleAfter    time.Duration `toml:"stale_after"`
	RepairLimit   int           `toml:"repair_limit"`
	IdleTime      time.Duration `toml:"idle_time"`
	DispatchOrder string        `toml:"dispatch_order"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
	Debug       bool   `toml:"debug"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	conn := store.DefaultConnectConfig()
	qc := queue.DefaultConfig()
	return Config{
		NATS: NATSConfig{
			URL:            conn.URL,
			Bucket:         store.DefaultNATSStoreConfig().Bucket,
			ReconnectWait:  conn.ReconnectWait,
			MaxReconnects:  conn.MaxReconnects,
			ConnectTimeout: conn.ConnectTimeout,
		},
		Queue: QueueConfig{
			Root:          qc.Root,
			StaleAfter:    qc.StaleAfter,
			RepairLimit:   qc.RepairLimit,
			IdleTime:      qc.IdleTime,
			DispatchOrder: string(qc.DispatchOrder),
			SweepInterval: queue.DefaultSweeperConfig().Interval,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"taskqueue.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskqueue", "config.toml"))
	}

	return paths
}

// Load reads the first config file found in StandardPaths. When none
// exists it returns the defaults and an empty path.
func Load() (Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile reads path over the defaults and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, qerrors.Wrapf(err, "reading %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, qerrors.InvalidInput("unknown config key " + undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NATS.URL == "" {
		return qerrors.InvalidInput("nats.url is required")
	}
	if c.NATS.Bucket == "" {
		return qerrors.InvalidInput("nats.bucket is required")
	}
	if c.Queue.SweepInterval < 0 {
		return qerrors.InvalidInput("queue.sweep_interval must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return qerrors.InvalidInput("log.level: " + err.Error())
	}
	qc := c.QueueConfig()
	if err := qc.Validate(); err != nil {
		return err
	}
	if c.Telemetry.Enabled {
		if err := c.ProviderConfig().Validate(); err != nil {
			return qerrors.InvalidInput("telemetry: " + err.Error())
		}
	}
	return nil
}

// QueueConfig returns the coordinator configuration. Clock, logger and
// tracer are left for the caller.
func (c Config) QueueConfig() queue.Config {
	qc := queue.DefaultConfig()
	qc.Root = c.Queue.Root
	qc.StaleAfter = c.Queue.StaleAfter
	qc.RepairLimit = c.Queue.RepairLimit
	qc.IdleTime = c.Queue.IdleTime
	qc.DispatchOrder = queue.DispatchOrder(c.Queue.DispatchOrder)
	return qc
}

// SweeperConfig returns the sweeper configuration.
func (c Config) SweeperConfig() queue.SweeperConfig {
	return queue.SweeperConfig{
		Interval:    c.Queue.SweepInterval,
		StaleAfter:  c.Queue.StaleAfter,
		RepairLimit: c.Queue.RepairLimit,
	}
}

// ConnectConfig returns the NATS connection settings.
func (c Config) ConnectConfig() store.ConnectConfig {
	return store.ConnectConfig{
		URL:            c.NATS.URL,
		Name:           c.NATS.Name,
		Token:          c.NATS.Token,
		User:           c.NATS.User,
		Password:       c.NATS.Password,
		ReconnectWait:  c.NATS.ReconnectWait,
		MaxReconnects:  c.NATS.MaxReconnects,
		ConnectTimeout: c.NATS.ConnectTimeout,
	}
}

// ProviderConfig returns the tracing provider settings.
func (c Config) ProviderConfig() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		Insecure:    c.Telemetry.Insecure,
		ServiceName: c.Telemetry.ServiceName,
		Debug:       c.Telemetry.Debug,
	}
}
