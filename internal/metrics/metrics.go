// Package metrics exposes the poller's counters as Prometheus series.
//
// The Recorder mirrors the poller's in-process stats; those remain the source
// of truth for status responses, these series exist for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry *prometheus.Registry

	polls   prometheus.Counter
	seen    prometheus.Counter
	queued  prometheus.Counter
	errors  prometheus.Counter
	pending prometheus.Gauge
	cycle   prometheus.Histogram
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackwatch_polls_total",
			Help: "Completed poll cycles.",
		}),
		seen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackwatch_messages_seen_total",
			Help: "Messages evaluated by the classifier.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackwatch_messages_queued_total",
			Help: "Messages that matched and were enqueued.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slackwatch_poll_errors_total",
			Help: "Errors counted by the poll loop (cycle- and channel-level).",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slackwatch_pending_messages",
			Help: "Pending queue depth at the last status read.",
		}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slackwatch_poll_cycle_seconds",
			Help:    "Duration of a full poll-all-channels cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.polls, r.seen, r.queued, r.errors, r.pending, r.cycle)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func (r *Recorder) IncPolls()        { r.polls.Inc() }
func (r *Recorder) AddSeen(n int)    { r.seen.Add(float64(n)) }
func (r *Recorder) IncQueued()       { r.queued.Inc() }
func (r *Recorder) IncErrors()       { r.errors.Inc() }
func (r *Recorder) SetPending(n int) { r.pending.Set(float64(n)) }
func (r *Recorder) ObserveCycle(d time.Duration) {
	r.cycle.Observe(d.Seconds())
}

// Handler serves the private registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
