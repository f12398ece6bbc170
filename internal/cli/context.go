package cli

import (
	"context"
	"time"

	"github.com/jvs-project/runguard/internal/audit"
	"github.com/jvs-project/runguard/internal/guard"
	"github.com/jvs-project/runguard/internal/lease"
	"github.com/jvs-project/runguard/pkg/lockkey"
	"github.com/jvs-project/runguard/pkg/metrics"
	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/webhook"
)

// newStore opens the lease store described by the configuration.
func (a *app) newStore() *lease.Store {
	return lease.NewStore(a.cfg.Directory(),
		lease.WithMode(a.cfg.AcquireMode),
		lease.WithHolder(a.cfg.Holder()),
		lease.WithLogger(a.log),
	)
}

// observers returns the sinks guard events are reported to.
func (a *app) observers() []guard.Observer {
	obs := []guard.Observer{metrics.Default()}
	if p := a.cfg.AuditPath(); p != "" {
		obs = append(obs, audit.NewFileAppender(p))
	}
	if a.cfg.Webhooks.Enabled {
		obs = append(obs, webhook.NewClient(&a.cfg.Webhooks))
	}
	return obs
}

// notify reports an event raised outside the guard (operator release).
func (a *app) notify(ctx context.Context, ev model.GuardEvent) {
	for _, o := range a.observers() {
		if err := o.Observe(ctx, ev); err != nil {
			a.log.Warn("observer failed", map[string]any{"event": string(ev.Type), "error": err.Error()})
		}
	}
}

// ttlOf resolves the TTL of a record from the short name in its key.
func (a *app) ttlOf(key model.LockKey) time.Duration {
	lc := a.cfg.LeaseConfig()
	if short, _, ok := lockkey.Split(key); ok {
		return lc.TTLFor(short)
	}
	return lc.DefaultTTL
}

// writeMetrics flushes the metrics registry to the configured textfile.
func (a *app) writeMetrics(job string, key model.LockKey) {
	path := a.cfg.MetricsTextfile(job, key)
	if path == "" {
		return
	}
	if err := metrics.Default().WriteTextfile(path); err != nil {
		a.log.Warn("metrics textfile not written", map[string]any{"path": path, "error": err.Error()})
	}
}
