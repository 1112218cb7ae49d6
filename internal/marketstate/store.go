package marketstate

import (
	"errors"
	"sort"
	"sync"

	"livescore-dash/internal/market"
	"livescore-dash/internal/metrics"
	"livescore-dash/internal/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNoState = errors.New("no market state loaded")
	ErrClosed  = errors.New("market state store closed")
)

// Snapshot is what listeners receive after every change. State is nil
// until the first snapshot (or seed) and must be treated as read-only.
type Snapshot struct {
	State   *market.MarketState
	Version uint64
	Stale   bool
	Phase   Phase
}

type Listener func(Snapshot)

type Option func(*Store)

// WithMaxBuffered bounds the trades held while awaiting a snapshot. On
// overflow the buffer is dropped and a resync requested. Zero means
// unbounded.
func WithMaxBuffered(n int) Option {
	return func(s *Store) { s.maxBuffered = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the single owner of a session's MarketState. Every entry point
// is safe to call from the stream goroutine and the snapshot fetch
// goroutine at the same time.
type Store struct {
	log         *zap.Logger
	metrics     *metrics.Metrics
	maxBuffered int

	mu           sync.Mutex
	phase        Phase
	state        *market.MarketState
	stale        bool
	buffer       []market.Trade
	seenIDs      map[string]struct{}
	epoch        uint64
	version      uint64
	nextListener uint64
	listeners    map[uint64]Listener
	resync       chan struct{}

	notifyMu  sync.Mutex
	delivered uint64
}

// New returns an empty store with one resync already requested, so the
// owner's fetch loop loads the initial snapshot.
func New(log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		log:       log,
		phase:     PhaseEmpty,
		seenIDs:   make(map[string]struct{}),
		listeners: make(map[uint64]Listener),
		resync:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrNoop(s.metrics)
	s.resync <- struct{}{}
	return s
}

// Subscribe registers l for change notifications and returns a func that
// removes it. Notifications are delivered in version order and a version
// is never delivered twice.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ResyncRequests yields a value whenever a fresh snapshot is required.
// Requests coalesce. The channel is closed by Close.
func (s *Store) ResyncRequests() <-chan struct{} {
	return s.resync
}

func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Epoch identifies the current resync round. It advances on every reset.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// ApplyFullSnapshot replaces the state unconditionally, then replays any
// trades buffered while the snapshot was outstanding.
func (s *Store) ApplyFullSnapshot(state market.MarketState) {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	snap, listeners := s.applySnapshotLocked(state)
	s.mu.Unlock()
	s.emit(snap, listeners)
}

// ApplyResyncSnapshot applies a snapshot fetched for resync round epoch.
// It reports false and changes nothing when that round is over, either
// because a newer reset started another or because a streamed snapshot
// already healed the state.
func (s *Store) ApplyResyncSnapshot(epoch uint64, state market.MarketState) bool {
	s.mu.Lock()
	if !s.phase.Awaiting() || epoch != s.epoch {
		s.log.Debug("discarding outdated resync snapshot",
			zap.Uint64("epoch", epoch),
			zap.Uint64("current_epoch", s.epoch),
			zap.Stringer("phase", s.phase))
		s.mu.Unlock()
		return false
	}
	snap, listeners := s.applySnapshotLocked(state)
	s.mu.Unlock()
	s.emit(snap, listeners)
	return true
}

// ApplyTrade appends trade when a snapshot is live and buffers it
// otherwise.
func (s *Store) ApplyTrade(trade market.Trade) {
	s.mu.Lock()
	switch {
	case s.phase == PhaseClosed:
		s.mu.Unlock()
		return
	case s.phase.Awaiting():
		if s.bufferLocked(trade) {
			s.mu.Unlock()
			return
		}
		snap, listeners := s.changedLocked()
		s.mu.Unlock()
		s.emit(snap, listeners)
		return
	}
	if trade.ID != "" {
		if _, seen := s.seenIDs[trade.ID]; seen {
			s.metrics.TradesDeduped.Inc()
			s.log.Debug("dropping duplicate trade", zap.String("trade_id", trade.ID))
			s.mu.Unlock()
			return
		}
		s.seenIDs[trade.ID] = struct{}{}
	}
	s.state.TradeList = append(s.state.TradeList, market.CloneTrades([]market.Trade{trade})...)
	s.metrics.TradesApplied.Inc()
	snap, listeners := s.changedLocked()
	s.mu.Unlock()
	s.emit(snap, listeners)
}

// OnReset discards buffered trades and asks for a fresh snapshot. The
// last applied state stays visible, marked stale, until that snapshot
// arrives.
func (s *Store) OnReset() {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	snap, listeners := s.changedLocked()
	s.mu.Unlock()
	s.emit(snap, listeners)
}

// Seed shows a cached state, marked stale, until the first real snapshot.
// It does nothing once any state is loaded.
func (s *Store) Seed(state market.MarketState) {
	s.mu.Lock()
	if s.phase == PhaseClosed || s.state != nil {
		s.mu.Unlock()
		return
	}
	seeded := state.Clone()
	s.state = &seeded
	s.stale = true
	snap, listeners := s.changedLocked()
	s.mu.Unlock()
	s.emit(snap, listeners)
}

// ApplySettlement settles the current trade list at price and writes the
// per-side pnl back onto the trades. Running it again with a new price or
// more trades recomputes from scratch.
func (s *Store) ApplySettlement(price decimal.Decimal) (settlement.Result, error) {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return settlement.Result{}, ErrClosed
	}
	if s.state == nil {
		s.mu.Unlock()
		return settlement.Result{}, ErrNoState
	}
	res, err := settlement.Settle(s.state.TradeList, price)
	if err != nil {
		s.mu.Unlock()
		return settlement.Result{}, err
	}
	s.state.TradeList = settlement.Enrich(s.state.TradeList, res)
	snap, listeners := s.changedLocked()
	s.mu.Unlock()
	s.emit(snap, listeners)
	return res, nil
}

// Close drops every listener and turns all entry points into no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = nextPhase(s.phase, eventClose)
	s.buffer = nil
	s.listeners = make(map[uint64]Listener)
	close(s.resync)
}

func (s *Store) applySnapshotLocked(state market.MarketState) (Snapshot, []Listener) {
	next := state.Clone()
	s.replayLocked(&next)
	s.state = &next
	s.stale = false
	s.phase = nextPhase(s.phase, eventSnapshot)
	s.metrics.SnapshotsApplied.Inc()
	return s.changedLocked()
}

// replayLocked appends buffered trades to next, skipping those the
// snapshot already contains: a buffered prefix that matches the tail of
// the snapshot's trade list, and any trade whose id the snapshot carries.
func (s *Store) replayLocked(next *market.MarketState) {
	buffered := s.buffer
	s.buffer = nil
	ids := make(map[string]struct{})
	for _, trade := range next.TradeList {
		if trade.ID != "" {
			ids[trade.ID] = struct{}{}
		}
	}
	overlap := snapshotOverlap(next.TradeList, buffered)
	deduped := overlap
	for _, trade := range buffered[overlap:] {
		if trade.ID != "" {
			if _, seen := ids[trade.ID]; seen {
				deduped++
				continue
			}
			ids[trade.ID] = struct{}{}
		}
		next.TradeList = append(next.TradeList, trade)
		s.metrics.TradesApplied.Inc()
	}
	for i := 0; i < deduped; i++ {
		s.metrics.TradesDeduped.Inc()
	}
	if len(buffered) > 0 {
		s.log.Debug("replayed buffered trades",
			zap.Int("buffered", len(buffered)),
			zap.Int("deduped", deduped))
	}
	s.seenIDs = ids
}

// snapshotOverlap returns the largest k such that the first k buffered
// trades are the last k trades of the snapshot. Without feed ids a new
// trade identical to the snapshot's tail is indistinguishable from a
// replay and is dropped.
func snapshotOverlap(snapshot, buffered []market.Trade) int {
	k := min(len(snapshot), len(buffered))
	for ; k > 0; k-- {
		tail := snapshot[len(snapshot)-k:]
		match := true
		for i := 0; i < k; i++ {
			if !tail[i].SameExecution(buffered[i]) {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

// bufferLocked reports false when the buffer overflowed and was reset
// instead.
func (s *Store) bufferLocked(trade market.Trade) bool {
	if s.maxBuffered > 0 && len(s.buffer) >= s.maxBuffered {
		s.log.Warn("trade buffer overflow, requesting resync", zap.Int("max_buffered", s.maxBuffered))
		s.resetLocked()
		return false
	}
	s.buffer = append(s.buffer, market.CloneTrades([]market.Trade{trade})...)
	s.metrics.TradesBuffered.Inc()
	return true
}

func (s *Store) resetLocked() {
	s.buffer = nil
	s.epoch++
	s.phase = nextPhase(s.phase, eventReset)
	s.stale = s.state != nil
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *Store) changedLocked() (Snapshot, []Listener) {
	s.version++
	snap := s.snapshotLocked()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	return snap, listeners
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Version: s.version, Stale: s.stale, Phase: s.phase}
	if s.state != nil {
		state := s.state.Clone()
		snap.State = &state
	}
	return snap
}

func (s *Store) emit(snap Snapshot, listeners []Listener) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.Version <= s.delivered {
		return
	}
	s.delivered = snap.Version
	for _, l := range listeners {
		s.call(l, snap)
	}
}

func (s *Store) call(l Listener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("state listener panicked", zap.Any("panic", r), zap.Uint64("version", snap.Version))
		}
	}()
	l(snap)
}
