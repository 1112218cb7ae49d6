package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	EventsReceived   Counter
	Reconnects       Counter
	StreamResets     Counter
	HandlerFailures  Counter
	SnapshotsApplied Counter
	TradesApplied    Counter
	TradesBuffered   Counter
	TradesDeduped    Counter
	ResyncFailures   Counter
	ActionFailures   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		EventsReceived:   n,
		Reconnects:       n,
		StreamResets:     n,
		HandlerFailures:  n,
		SnapshotsApplied: n,
		TradesApplied:    n,
		TradesBuffered:   n,
		TradesDeduped:    n,
		ResyncFailures:   n,
		ActionFailures:   n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
