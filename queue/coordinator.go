package queue

import (
	"context"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/logging"
	"github.com/vinayprograms/taskqueue/store"
	"github.com/vinayprograms/taskqueue/telemetry"
)

// DispatchOrder selects how a Dispatcher drains its buffer.
type DispatchOrder string

const (
	// DispatchFIFO runs entries in arrival order.
	DispatchFIFO DispatchOrder = "fifo"

	// DispatchLIFO runs the most recent arrival first.
	DispatchLIFO DispatchOrder = "lifo"
)

// Config configures a Coordinator.
type Config struct {
	// Root is the top-level path of the queue.
	// Default: "queue"
	Root string

	// TimestampToken is written wherever a store-assigned timestamp is
	// wanted. The store resolves it at write time.
	// Default: store.ServerTimestamp()
	TimestampToken any

	// StaleAfter is how long a task may stay active before ReclaimStale
	// requeues it.
	// Default: 4 minutes
	StaleAfter time.Duration

	// RepairLimit bounds how many available tasks RepairOrphans inspects.
	// Default: 100
	RepairLimit int

	// IdleTime is the MonitorForIdle settle window.
	// Default: 60 seconds
	IdleTime time.Duration

	// DispatchOrder is the drain order of serial watchers.
	// Default: DispatchFIFO
	DispatchOrder DispatchOrder

	// Clock is compared against stored timestamps by ReclaimStale.
	// Default: time.Now
	Clock func() time.Time

	// Logger receives queue events.
	// Default: logging.New() with component "queue"
	Logger *logging.Logger

	// Tracer records spans for queue operations.
	// Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Root:           "queue",
		TimestampToken: store.ServerTimestamp(),
		StaleAfter:     4 * time.Minute,
		RepairLimit:    100,
		IdleTime:       60 * time.Second,
		DispatchOrder:  DispatchFIFO,
		Clock:          time.Now,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := store.ValidatePath(c.Root); err != nil {
		return qerrors.InvalidInput("invalid root path " + c.Root)
	}
	if c.StaleAfter < 0 {
		return qerrors.InvalidInput("stale_after must not be negative")
	}
	if c.RepairLimit < 0 {
		return qerrors.InvalidInput("repair_limit must not be negative")
	}
	if c.IdleTime < 0 {
		return qerrors.InvalidInput("idle_time must not be negative")
	}
	switch c.DispatchOrder {
	case "", DispatchFIFO, DispatchLIFO:
	default:
		return qerrors.InvalidInput("dispatch order must be fifo or lifo")
	}
	return nil
}

// Coordinator runs the task lifecycle against a shared store. It holds no
// task state of its own; every method reads and writes the store.
type Coordinator struct {
	store  store.Store
	cfg    Config
	index  *Index
	log    *logging.Logger
	tracer *telemetry.Tracer
}

// New creates a coordinator. Zero fields of cfg take their defaults.
func New(s store.Store, cfg Config) (*Coordinator, error) {
	if s == nil {
		return nil, qerrors.InvalidInput("store required")
	}

	defaults := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = defaults.Root
	}
	if cfg.TimestampToken == nil {
		cfg.TimestampToken = defaults.TimestampToken
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.RepairLimit == 0 {
		cfg.RepairLimit = defaults.RepairLimit
	}
	if cfg.IdleTime == 0 {
		cfg.IdleTime = defaults.IdleTime
	}
	if cfg.DispatchOrder == "" {
		cfg.DispatchOrder = defaults.DispatchOrder
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Coordinator{
		store:  s,
		cfg:    cfg,
		index:  NewIndex(s, cfg.Root),
		log:    cfg.Logger.WithComponent("queue"),
		tracer: cfg.Tracer,
	}, nil
}

// Index returns the status index manager.
func (c *Coordinator) Index() *Index {
	return c.index
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Store returns the underlying store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// taskPath returns the master record path of key.
func (c *Coordinator) taskPath(key string) string {
	return store.Join(c.cfg.Root, "tasks", key)
}

// now returns the coordinator clock.
func (c *Coordinator) now() time.Time {
	return c.cfg.Clock()
}

// load reads and decodes the master record of key.
// Returns store.ErrNotFound unwrapped when the record is absent.
func (c *Coordinator) load(ctx context.Context, key string) (*Task, error) {
	v, err := c.store.Read(ctx, c.taskPath(key))
	if err != nil {
		return nil, err
	}
	return decodeTask(key, v)
}
