// Package guard wraps command executions in a lease so that at most one
// execution of a command is in flight across processes on a host.
//
// A command is registered once; each execution then goes through
//
//	Idle -> Checking -> Running -> ReleasedOK | ReleasedError
//	                 \-> Blocked
//
// Blocked executions never touch the lease again.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/lockkey"
	"github.com/jvs-project/runguard/pkg/logging"
	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/pathutil"
)

// Descriptor declares a command to the guard.
type Descriptor struct {
	// Identity is the fully qualified command identity the key is derived
	// from (a Go type identity, an executable path, a job name).
	Identity string
	// Name selects per-command configuration, labels events and replaces
	// the short name in the key. Defaults to the short name of Identity.
	Name string
	// LockTTL overrides every configured TTL when positive.
	LockTTL time.Duration
	// Lockable opts the command in; other commands pass through untouched.
	Lockable bool
}

// Observer receives every guard transition. Observer errors are logged and
// never change the outcome of an execution.
type Observer interface {
	Observe(ctx context.Context, ev model.GuardEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev model.GuardEvent) error

func (f ObserverFunc) Observe(ctx context.Context, ev model.GuardEvent) error { return f(ctx, ev) }

// ErrorRecorder is implemented by observers that count guard failures.
type ErrorRecorder interface {
	RecordError(job string, err error)
}

// Hooks is the call-in surface a command runtime (cobra hooks, a
// scheduler) drives around one execution. *Command implements it; the
// returned *Invocation carries the after-run hooks.
type Hooks interface {
	BeforeRun(ctx context.Context) (*Invocation, error)
}

var _ Hooks = (*Command)(nil)

// Guard owns the lease store and the registry of known commands.
type Guard struct {
	store     *lease.Store
	cfg       model.LeaseConfig
	observers []Observer
	log       *logging.Logger
	clock     clock.PassiveClock
	newID     func() string

	mu     sync.Mutex
	keys   sets.Set[model.LockKey]
	owners map[model.LockKey]string
}

// Option configures a Guard.
type Option func(*Guard)

// WithObservers appends observers notified of every transition.
func WithObservers(obs ...Observer) Option {
	return func(g *Guard) { g.observers = append(g.observers, obs...) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithClock sets the clock used to stamp events.
func WithClock(c clock.PassiveClock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithIDGenerator replaces the invocation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(g *Guard) { g.newID = fn }
}

// New creates a guard over store. cfg supplies the default and per-command
// TTLs.
func New(store *lease.Store, cfg model.LeaseConfig, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		cfg:    cfg,
		log:    logging.Nop(),
		clock:  clock.RealClock{},
		newID:  uuid.NewString,
		keys:   sets.New[model.LockKey](),
		owners: make(map[model.LockKey]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store returns the underlying lease store.
func (g *Guard) Store() *lease.Store { return g.store }

// Keys returns the keys of all registered lockable commands, sorted.
func (g *Guard) Keys() []model.LockKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sets.List(g.keys)
}

// Register checks desc once and resolves its key and TTL. Registering the
// same identity twice returns an equivalent command; two identities that
// derive the same key are refused.
func (g *Guard) Register(desc Descriptor) (*Command, error) {
	if desc.Identity == "" {
		return nil, errclass.ErrNameInvalid.WithMessage("command identity must not be empty")
	}

	// A derived name is the sanitized short part of the key, "command" when
	// nothing of the identity survives. Only a caller-supplied name of a
	// lockable command is validated: it names files and config entries.
	name := desc.Name
	var key model.LockKey
	if name == "" {
		key = lockkey.Derive(desc.Identity)
		name, _, _ = lockkey.Split(key)
	} else {
		if desc.Lockable {
			if err := pathutil.ValidateName(name); err != nil {
				return nil, err
			}
		}
		key = lockkey.DeriveNamed(name, desc.Identity)
	}

	cmd := &Command{
		g:        g,
		identity: desc.Identity,
		name:     name,
		key:      key,
		ttl:      g.resolveTTL(name, desc.LockTTL),
		lockable: desc.Lockable,
	}
	if !cmd.lockable {
		return cmd, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys.Has(cmd.key) && g.owners[cmd.key] != desc.Identity {
		return nil, errclass.ErrNameInvalid.WithMessagef(
			"lock key %s of %q collides with %q", cmd.key, desc.Identity, g.owners[cmd.key])
	}
	g.keys.Insert(cmd.key)
	g.owners[cmd.key] = desc.Identity
	return cmd, nil
}

// resolveTTL applies descriptor > per-command config > default.
func (g *Guard) resolveTTL(name string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return g.cfg.TTLFor(name)
}

// Run executes fn under the command's lease. A live lease returns the
// *lease.PresentError without calling fn. fn's error is returned as is.
func (g *Guard) Run(ctx context.Context, cmd *Command, fn func(ctx context.Context) error) (err error) {
	inv, err := cmd.BeforeRun(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			inv.AfterError(ctx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		inv.AfterError(ctx, err)
		return err
	}
	inv.AfterSuccess(ctx)
	return nil
}

func (g *Guard) emit(ctx context.Context, ev model.GuardEvent) {
	if ev.Time.IsZero() {
		ev.Time = g.clock.Now()
	}
	for _, o := range g.observers {
		if err := o.Observe(ctx, ev); err != nil {
			g.log.Warn("observer failed", map[string]any{
				"event": string(ev.Type),
				"job":   ev.Job,
				"error": err.Error(),
			})
		}
	}
}

func (g *Guard) recordError(job string, err error) {
	for _, o := range g.observers {
		if r, ok := o.(ErrorRecorder); ok {
			r.RecordError(job, err)
		}
	}
}

// Command is a registered command.
type Command struct {
	g        *Guard
	identity string
	name     string
	key      model.LockKey
	ttl      time.Duration
	lockable bool
}

// Identity returns the identity the key is derived from.
func (c *Command) Identity() string { return c.identity }

// Name returns the configuration name of the command.
func (c *Command) Name() string { return c.name }

// Key returns the derived lock key.
func (c *Command) Key() model.LockKey { return c.key }

// TTL returns the resolved lease TTL.
func (c *Command) TTL() time.Duration { return c.ttl }

// Lockable reports whether executions take the lease.
func (c *Command) Lockable() bool { return c.lockable }

// BeforeRun checks the lease before an execution. On a live lease the
// invocation is Blocked and the returned error wraps errclass.ErrLockPresent.
// Setup and write failures return a nil invocation.
func (c *Command) BeforeRun(ctx context.Context) (*Invocation, error) {
	inv := &Invocation{ID: c.g.newID(), cmd: c, state: StateIdle}
	if !c.lockable {
		inv.state = StateRunning
		inv.passthrough = true
		return inv, nil
	}

	inv.state = StateChecking
	log := c.g.log.WithFields(map[string]any{
		"job":           c.name,
		"key":           string(c.key),
		"invocation_id": inv.ID,
	})

	if err := c.g.store.EnsureDirectory(); err != nil {
		c.g.recordError(c.name, err)
		log.ErrorErr("lock directory setup failed", err)
		return nil, err
	}

	res, err := c.g.store.TryAcquire(c.key, c.ttl)
	inv.result = res
	if err != nil {
		var present *lease.PresentError
		if errors.As(err, &present) {
			inv.state = StateBlocked
			log.Info("execution blocked by live lease", map[string]any{
				"remaining_seconds": present.RemainingSeconds(),
				"holder":            present.Holder,
			})
			c.g.emit(ctx, inv.event(model.EventTypeLeaseRejected, res.Remaining))
			return inv, err
		}
		c.g.recordError(c.name, err)
		log.ErrorErr("lease acquisition failed", err)
		return nil, err
	}

	inv.state = StateRunning
	evType := model.EventTypeLeaseAcquired
	if res.Reclaimed {
		evType = model.EventTypeLeaseReclaimed
		log.Info("reclaimed stale lease")
	} else {
		log.Debug("lease acquired")
	}
	c.g.emit(ctx, inv.event(evType, 0))
	return inv, nil
}
