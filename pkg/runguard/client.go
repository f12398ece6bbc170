package runguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/jvs-project/runguard/internal/audit"
	"github.com/jvs-project/runguard/internal/guard"
	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/config"
	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/lockkey"
	"github.com/jvs-project/runguard/pkg/logging"
	"github.com/jvs-project/runguard/pkg/metrics"
	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/webhook"
)

type (
	// Descriptor declares a command; see guard.Descriptor.
	Descriptor = guard.Descriptor
	// Command is a registered command.
	Command = guard.Command
	// Invocation is one execution of a command.
	Invocation = guard.Invocation
	// Observer receives guard events.
	Observer = guard.Observer
)

// TTLProvider may be implemented by a command type to choose its own lease
// TTL.
type TTLProvider interface {
	LockTTL() time.Duration
}

// DescribeType returns a lockable descriptor for the Go type of v.
func DescribeType(v any) Descriptor {
	desc := Descriptor{Identity: lockkey.IdentityOf(v), Lockable: true}
	if p, ok := v.(TTLProvider); ok {
		desc.LockTTL = p.LockTTL()
	}
	return desc
}

// IsBlocked reports whether err is a denial caused by a live lease.
func IsBlocked(err error) bool {
	return errors.Is(err, errclass.ErrLockPresent)
}

// Options configures Open.
type Options struct {
	// ConfigPath is the YAML file to load; empty means runguard.yaml in
	// the working directory. Ignored when Config is set.
	ConfigPath string
	// Config is used as is when non-nil.
	Config *config.Config
	// Observers are notified in addition to the configured sinks.
	Observers []Observer
	Logger    *logging.Logger
	Clock     clock.PassiveClock
}

// Client provides guarded execution over one lockfile directory.
type Client struct {
	cfg   *config.Config
	store *lease.Store
	guard *guard.Guard
}

// Open loads configuration and prepares a client.
func Open(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("runguard open: %w", err)
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runguard open: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.Global()
	}

	storeOpts := []lease.Option{
		lease.WithMode(cfg.AcquireMode),
		lease.WithHolder(cfg.Holder()),
		lease.WithLogger(log),
	}
	guardOpts := []guard.Option{guard.WithLogger(log)}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, lease.WithClock(opts.Clock))
		guardOpts = append(guardOpts, guard.WithClock(opts.Clock))
	}
	store := lease.NewStore(cfg.Directory(), storeOpts...)

	observers := []Observer{metrics.Default()}
	if p := cfg.AuditPath(); p != "" {
		observers = append(observers, audit.NewFileAppender(p))
	}
	if cfg.Webhooks.Enabled {
		observers = append(observers, webhook.NewClient(&cfg.Webhooks))
	}
	observers = append(observers, opts.Observers...)
	guardOpts = append(guardOpts, guard.WithObservers(observers...))

	return &Client{
		cfg:   cfg,
		store: store,
		guard: guard.New(store, cfg.LeaseConfig(), guardOpts...),
	}, nil
}

// Config returns the configuration in use.
func (c *Client) Config() *config.Config { return c.cfg }

// Register declares a command.
func (c *Client) Register(desc Descriptor) (*Command, error) {
	return c.guard.Register(desc)
}

// Run executes fn under cmd's lease and flushes metrics afterwards.
func (c *Client) Run(ctx context.Context, cmd *Command, fn func(ctx context.Context) error) error {
	defer c.flushMetrics(cmd)
	return c.guard.Run(ctx, cmd, fn)
}

func (c *Client) flushMetrics(cmd *Command) {
	if path := c.cfg.MetricsTextfile(cmd.Name(), cmd.Key()); path != "" {
		if err := metrics.Default().WriteTextfile(path); err != nil {
			logging.Warn("metrics textfile not written", map[string]any{"path": path, "error": err.Error()})
		}
	}
}

// Status reports the lease of cmd.
func (c *Client) Status(cmd *Command) (model.LeaseStatus, error) {
	return c.store.Status(cmd.Key(), cmd.TTL())
}

// List reports every lease record in the lockfile directory.
func (c *Client) List() ([]model.LeaseStatus, error) {
	return c.store.List(c.ttlOf)
}

// Release force-releases the lease named by a lock key or by a job name
// given as Descriptor.Name.
func (c *Client) Release(nameOrKey string) error {
	return c.store.Release(lockkey.Resolve(nameOrKey))
}

func (c *Client) ttlOf(key model.LockKey) time.Duration {
	lc := c.cfg.LeaseConfig()
	if short, _, ok := lockkey.Split(key); ok {
		return lc.TTLFor(short)
	}
	return lc.DefaultTTL
}
