package jit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ExitReason records why a compiled block's native path stopped
// running and returned control to the Go-level dispatcher.
type ExitReason int

const (
	ExitRet ExitReason = iota
	ExitCallIndirect
	ExitJmpIndirect
	ExitSyscall
	ExitFault
	ExitChainMiss
)

func (r ExitReason) String() string {
	switch r {
	case ExitRet:
		return "ret"
	case ExitCallIndirect:
		return "call_indirect"
	case ExitJmpIndirect:
		return "jmp_indirect"
	case ExitSyscall:
		return "syscall"
	case ExitFault:
		return "fault"
	case ExitChainMiss:
		return "chain_miss"
	default:
		return "unknown"
	}
}

// Stats counts block exits by reason and tracks how many blocks are
// currently resident in the arena, exposed as Prometheus collectors so
// pkg/metrics can register them alongside the scheduler's own gauges.
type Stats struct {
	exits       *prometheus.CounterVec
	translated  prometheus.Counter
	invalidated prometheus.Counter
	resident    prometheus.Gauge
}

// NewStats constructs a fresh, unregistered Stats. Callers register its
// Collectors() with a prometheus.Registerer of their choosing.
func NewStats() *Stats {
	return &Stats{
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x64emu_jit_block_exits_total",
			Help: "Number of times a compiled block exited back to the dispatcher, by reason.",
		}, []string{"reason"}),
		translated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x64emu_jit_blocks_translated_total",
			Help: "Number of basic blocks translated.",
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x64emu_jit_blocks_invalidated_total",
			Help: "Number of resident blocks dropped by an invalidation event.",
		}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x64emu_jit_blocks_resident",
			Help: "Number of blocks currently cached and eligible to run.",
		}),
	}
}

// Collectors returns every metric this Stats owns, for bulk
// registration.
func (s *Stats) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.exits, s.translated, s.invalidated, s.resident}
}

// RecordExit accounts one block exit by reason, called by the runner
// each time a Block.Run call returns.
func (s *Stats) RecordExit(r ExitReason) {
	s.exits.WithLabelValues(r.String()).Inc()
}

func (s *Stats) recordTranslation() {
	s.translated.Inc()
	s.resident.Inc()
}

func (s *Stats) recordInvalidation(n int) {
	s.invalidated.Add(float64(n))
	s.resident.Sub(float64(n))
}
