package marketstate

type Phase int

const (
	// PhaseEmpty: no snapshot applied yet. Trades are buffered.
	PhaseEmpty Phase = iota
	PhaseLive
	// PhaseResyncing: a reset discarded incremental state and a fresh
	// snapshot is outstanding. Trades are buffered.
	PhaseResyncing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseLive:
		return "live"
	case PhaseResyncing:
		return "resyncing"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Awaiting reports whether the phase buffers trades until a snapshot.
func (p Phase) Awaiting() bool {
	return p == PhaseEmpty || p == PhaseResyncing
}

type phaseEvent int

const (
	eventSnapshot phaseEvent = iota
	eventReset
	eventClose
)

func nextPhase(current Phase, event phaseEvent) Phase {
	if event == eventClose {
		return PhaseClosed
	}
	switch current {
	case PhaseEmpty, PhaseResyncing:
		if event == eventSnapshot {
			return PhaseLive
		}
		if event == eventReset {
			return PhaseResyncing
		}
	case PhaseLive:
		if event == eventReset {
			return PhaseResyncing
		}
	}
	return current
}
