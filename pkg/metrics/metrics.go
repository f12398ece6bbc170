// Package metrics exports guard decisions as Prometheus metrics. A cron job
// does not live long enough to be scraped, so the registry is flushed to a
// node_exporter textfile after each run.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/model"
)

const namespace = "runguard"

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Registry holds all runguard metrics on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	acquired *prometheus.CounterVec
	rejected *prometheus.CounterVec
	released *prometheus.CounterVec
	errors   *prometheus.CounterVec
	lastRun  *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_acquired_total",
			Help:      "Leases granted, split by whether a stale record was reclaimed.",
		}, []string{"job", "reclaimed"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_rejected_total",
			Help:      "Invocations denied because a live lease was present.",
		}, []string{"job"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_released_total",
			Help:      "Leases released, by run outcome.",
		}, []string{"job", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_errors_total",
			Help:      "Guard failures by error class.",
		}, []string{"job", "class"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the job last released its lease.",
		}, []string{"job"}),
	}
	r.reg.MustRegister(r.acquired, r.rejected, r.released, r.errors, r.lastRun)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Observe records ev. It satisfies guard.Observer.
func (r *Registry) Observe(_ context.Context, ev model.GuardEvent) error {
	switch ev.Type {
	case model.EventTypeLeaseAcquired:
		r.acquired.WithLabelValues(ev.Job, "false").Inc()
	case model.EventTypeLeaseReclaimed:
		r.acquired.WithLabelValues(ev.Job, "true").Inc()
	case model.EventTypeLeaseRejected:
		r.rejected.WithLabelValues(ev.Job).Inc()
	case model.EventTypeLeaseReleased:
		outcome := string(ev.Outcome)
		if outcome == "" {
			outcome = string(model.OutcomeSuccess)
		}
		r.released.WithLabelValues(ev.Job, outcome).Inc()
		if !ev.Time.IsZero() {
			r.lastRun.WithLabelValues(ev.Job).Set(float64(ev.Time.Unix()))
		}
	case model.EventTypeLeaseForced:
		r.released.WithLabelValues(ev.Job, "forced").Inc()
	}
	return nil
}

// RecordError counts a guard failure under the error's class code.
func (r *Registry) RecordError(job string, err error) {
	if err == nil {
		return
	}
	r.errors.WithLabelValues(job, errclass.CodeOf(err)).Inc()
}

// WriteTextfile writes the current metric values in the text exposition
// format. The file is replaced atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create textfile dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
