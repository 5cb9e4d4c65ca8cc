// Package metrics collects this emulator's runtime counters — JIT exit
// reasons and translation/invalidation counts, plus two scheduler
// occupancy gauges — behind one prometheus.Registry, exposed over HTTP
// by cmd/x64emu's --profile flag. The gauges change only through
// SetWorkersBusy and SetThreadsLive, which nothing in this module
// calls, so they report 0.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n-stott/x64emulator-sub005/pkg/jit"
)

// Registry bundles every collector this emulator exposes.
type Registry struct {
	reg *prometheus.Registry

	workersBusy prometheus.Gauge
	threadsLive prometheus.Gauge
}

// New constructs a Registry, registering jitStats's own collectors
// alongside the scheduler occupancy gauges this package owns directly.
func New(jitStats *jit.Stats) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x64emu_scheduler_workers_busy",
			Help: "Number of worker goroutines currently running a thread's quantum.",
		}),
		threadsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x64emu_scheduler_threads_live",
			Help: "Number of emulated threads that have not yet exited.",
		}),
	}
	r.reg.MustRegister(r.workersBusy, r.threadsLive)
	if jitStats != nil {
		for _, c := range jitStats.Collectors() {
			r.reg.MustRegister(c)
		}
	}
	return r
}

// SetWorkersBusy records the current count of workers mid-quantum.
func (r *Registry) SetWorkersBusy(n int) { r.workersBusy.Set(float64(n)) }

// SetThreadsLive records the current count of non-exited threads.
func (r *Registry) SetThreadsLive(n int) { r.threadsLive.Set(float64(n)) }

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
