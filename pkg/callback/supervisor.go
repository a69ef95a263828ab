// Package callback isolates subscriber callbacks from one another: a callback
// that fails or panics is logged and counted, and its siblings still run.
package callback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/util"
)

// Supervisor runs named callbacks and keeps per-name failure counts.
type Supervisor struct {
	component string
	log       *zap.SugaredLogger
	failures  metric.Int64Counter

	mu     sync.Mutex
	counts map[string]int64
}

// NewSupervisor creates a supervisor for component (used as a metric
// attribute and log field).
func NewSupervisor(component string, log *zap.SugaredLogger) *Supervisor {
	s := &Supervisor{
		component: component,
		log:       util.OrNop(log),
		counts:    make(map[string]int64),
	}
	s.failures, _ = otel.Meter("perplink/callback").Int64Counter("perplink_callback_failures",
		metric.WithDescription("Subscriber callbacks that returned an error or panicked"),
		metric.WithUnit("{failure}"))
	return s
}

// Run invokes fn under name. Errors and panics are recorded, never propagated.
func (s *Supervisor) Run(name string, fn func() error) {
	if s == nil {
		_ = safeCall(fn)
		return
	}
	if err := safeCall(fn); err != nil {
		s.record(name, err)
	}
}

// Failures returns a copy of the per-callback failure counts.
func (s *Supervisor) Failures() map[string]int64 {
	if s == nil {
		return map[string]int64{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// TotalFailures sums all failure counts.
func (s *Supervisor) TotalFailures() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, v := range s.counts {
		total += v
	}
	return total
}

// Names returns the callback names that have failed at least once, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.counts))
	for k := range s.counts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) record(name string, err error) {
	s.mu.Lock()
	s.counts[name]++
	n := s.counts[name]
	s.mu.Unlock()

	s.log.Warnw("callback_failed", "component", s.component, "callback", name, "failures", n, "err", err)
	if s.failures != nil {
		s.failures.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("component", s.component),
			attribute.String("callback", name),
		))
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
