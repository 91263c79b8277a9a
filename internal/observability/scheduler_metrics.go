package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes the scheduler loop's Prometheus metrics: how
// long each dispatch takes, how deep the deferred-call queue runs, how many
// times the processor has made the history-to-live handover, and
// how far virtual time has drifted from wall-clock while live.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	DispatchDuration    prometheus.Histogram
	DeferredQueueDepth  prometheus.Gauge
	LiveTransitionsTotal prometheus.Counter
	ClockSkewSeconds    prometheus.Gauge
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	dispatchHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vtsched_dispatch_duration_seconds",
		Help:    "Wall-clock duration of a single scheduler dispatch (one measured-work scope).",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	dispatchHistogram, err := registerHistogram(reg, dispatchHistogram, "vtsched_dispatch_duration_seconds")
	if err != nil {
		return nil, err
	}

	queueGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vtsched_deferred_queue_depth",
		Help: "Number of pending entries in the deferred-call heap.",
	})
	queueGauge, err = registerGauge(reg, queueGauge, "vtsched_deferred_queue_depth")
	if err != nil {
		return nil, err
	}

	liveTransitions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vtsched_live_transitions_total",
		Help: "Cumulative number of history to live handovers completed by the processor.",
	})
	liveTransitions, err = registerCounter(reg, liveTransitions, "vtsched_live_transitions_total")
	if err != nil {
		return nil, err
	}

	skewGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vtsched_clock_skew_seconds",
		Help: "Virtual time minus wall-clock while the processor is live; should track near zero.",
	})
	skewGauge, err = registerGauge(reg, skewGauge, "vtsched_clock_skew_seconds")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:             gatherer,
		DispatchDuration:     dispatchHistogram,
		DeferredQueueDepth:   queueGauge,
		LiveTransitionsTotal: liveTransitions,
		ClockSkewSeconds:     skewGauge,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveDispatch records how long a single dispatch took.
func (c *SchedulerCollector) ObserveDispatch(d time.Duration) {
	if c == nil || c.DispatchDuration == nil {
		return
	}
	c.DispatchDuration.Observe(d.Seconds())
}

// SetDeferredQueueDepth updates the deferred-call queue depth gauge.
func (c *SchedulerCollector) SetDeferredQueueDepth(n int) {
	if c == nil || c.DeferredQueueDepth == nil {
		return
	}
	c.DeferredQueueDepth.Set(float64(n))
}

// IncLiveTransitions increments the history-to-live handover counter.
func (c *SchedulerCollector) IncLiveTransitions() {
	if c == nil || c.LiveTransitionsTotal == nil {
		return
	}
	c.LiveTransitionsTotal.Inc()
}

// SetClockSkew records the current virtual-time/wall-clock delta.
func (c *SchedulerCollector) SetClockSkew(d time.Duration) {
	if c == nil || c.ClockSkewSeconds == nil {
		return
	}
	c.ClockSkewSeconds.Set(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
