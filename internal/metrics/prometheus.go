package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "livescore_dash"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

var counterHelp = []struct {
	name string
	help string
}{
	{"events_received_total", "Total number of stream events dispatched."},
	{"stream_reconnects_total", "Total number of stream reconnect attempts."},
	{"stream_resets_total", "Total number of stream-reset instructions, including detected gaps."},
	{"handler_failures_total", "Total number of stream handlers that returned an error or panicked."},
	{"snapshots_applied_total", "Total number of full snapshots applied to the market state."},
	{"trades_applied_total", "Total number of trades appended to the trade list."},
	{"trades_buffered_total", "Total number of trades buffered while awaiting a snapshot."},
	{"trades_deduped_total", "Total number of trades dropped as already covered by a snapshot."},
	{"resync_failures_total", "Total number of snapshot resyncs that exhausted their retries."},
	{"action_failures_total", "Total number of failed one-shot dashboard actions."},
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := make(map[string]prometheus.Counter, len(counterHelp))
	for _, c := range counterHelp {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      c.name,
			Help:      c.help,
		})
		registry.MustRegister(counter)
		counters[c.name] = counter
	}
	wrap := func(name string) Counter { return promCounter{counters[name]} }
	m := &Metrics{
		EventsReceived:   wrap("events_received_total"),
		Reconnects:       wrap("stream_reconnects_total"),
		StreamResets:     wrap("stream_resets_total"),
		HandlerFailures:  wrap("handler_failures_total"),
		SnapshotsApplied: wrap("snapshots_applied_total"),
		TradesApplied:    wrap("trades_applied_total"),
		TradesBuffered:   wrap("trades_buffered_total"),
		TradesDeduped:    wrap("trades_deduped_total"),
		ResyncFailures:   wrap("resync_failures_total"),
		ActionFailures:   wrap("action_failures_total"),
	}
	return &Prometheus{
		Metrics:  m,
		registry: registry,
		counters: counters,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
