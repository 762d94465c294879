// Package metrics exposes this proxy's Prometheus instrumentation: a live
// worker-count gauge and per-(channel type, session id) byte/time
// counters, fed by a buffered sample queue each session.Worker pushes onto
// and the supervisor drains.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sample is one periodic report a session.Worker pushes onto the shared
// queue; the supervisor drains it into the Prometheus counters below.
type Sample struct {
	ChannelType string
	SessionID   string
	BytesSent   int64
	BytesRecv   int64
	Seconds     float64
}

// Registry bundles this proxy's Prometheus collectors. One instance is
// created at startup and shared by the supervisor (which updates Workers
// and drains samples) and the worker goroutines (which only read Workers
// indirectly through corelog.ConnStats).
type Registry struct {
	Workers      prometheus.Gauge
	BytesProxied *prometheus.CounterVec
	ProxyTime    *prometheus.CounterVec
}

// NewRegistry creates and registers a fresh Registry against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workers",
			Help: "Number of live proxy session worker goroutines.",
		}),
		BytesProxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bytes_proxied",
			Help: "Total bytes forwarded, by channel type and session id.",
		}, []string{"type", "session_id"}),
		ProxyTime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_time",
			Help: "Total seconds spent proxying, by channel type and session id.",
		}, []string{"type", "session_id"}),
	}
	reg.MustRegister(r.Workers, r.BytesProxied, r.ProxyTime)
	return r
}

// Apply folds one Sample into the counters.
func (r *Registry) Apply(s Sample) {
	r.BytesProxied.WithLabelValues(s.ChannelType, s.SessionID).Add(float64(s.BytesSent + s.BytesRecv))
	r.ProxyTime.WithLabelValues(s.ChannelType, s.SessionID).Add(s.Seconds)
}

// Queue is the buffered channel Worker goroutines push Samples onto and
// the supervisor drains on its maintenance tick. Buffered generously so a
// slow maintenance tick never blocks a worker's forwarding loop.
type Queue chan Sample

// NewQueue creates a Queue with the given buffer depth.
func NewQueue(depth int) Queue {
	return make(Queue, depth)
}

// Push enqueues s, dropping it (rather than blocking the worker) if the
// queue is full — a missed sample is a minor metrics gap, not a reason to
// stall the forwarding loop.
func (q Queue) Push(s Sample) {
	select {
	case q <- s:
	default:
	}
}

// Drain empties every currently-queued Sample into reg. Called by the
// supervisor's maintenance tick.
func (q Queue) Drain(reg *Registry) {
	for {
		select {
		case s := <-q:
			reg.Apply(s)
		default:
			return
		}
	}
}
