package marketstate

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"livescore-dash/internal/market"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func trade(buyer, seller string, price int64) market.Trade {
	p := decimal.NewFromInt(price)
	return market.Trade{
		Buyer:   buyer,
		Seller:  seller,
		Price:   p,
		Message: fmt.Sprintf("%s bought @ %s from %s", buyer, p, seller),
	}
}

func snapshotWith(trades ...market.Trade) market.MarketState {
	return market.MarketState{
		Book: market.Book{Levels: []market.Level{
			{Price: decimal.NewFromInt(100), Bids: []market.Order{{User: "a"}}},
		}},
		TradeList: trades,
	}
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(zap.NewNop(), opts...)
	drainResync(s)
	return s
}

func drainResync(s *Store) bool {
	select {
	case <-s.ResyncRequests():
		return true
	default:
		return false
	}
}

func assertState(t *testing.T, s *Store, want market.MarketState) {
	t.Helper()
	got := s.Current().State
	if got == nil {
		t.Fatalf("expected state, got none")
	}
	if diff := cmp.Diff(want, *got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("unexpected state (-want +got):\n%s", diff)
	}
}

func TestNewRequestsInitialSnapshot(t *testing.T) {
	s := New(zap.NewNop())
	if !drainResync(s) {
		t.Fatalf("expected initial resync request")
	}
	if s.Phase() != PhaseEmpty || s.Current().State != nil {
		t.Fatalf("expected empty store")
	}
}

func TestTradesAppendAfterSnapshotInOrder(t *testing.T) {
	s := newStore(t)
	initial := []market.Trade{trade("a", "b", 100)}
	s.ApplyFullSnapshot(snapshotWith(initial...))
	applied := []market.Trade{trade("c", "d", 101), trade("a", "c", 99), trade("c", "d", 101)}
	for _, tr := range applied {
		s.ApplyTrade(tr)
	}
	want := snapshotWith(append(append([]market.Trade{}, initial...), applied...)...)
	assertState(t, s, want)
}

func TestTradesBeforeFirstSnapshotAreReplayed(t *testing.T) {
	s := newStore(t)
	early := trade("x", "y", 105)
	s.ApplyTrade(early)
	if s.Current().State != nil {
		t.Fatalf("expected no state before snapshot")
	}
	s.ApplyFullSnapshot(snapshotWith(trade("a", "b", 100)))
	assertState(t, s, snapshotWith(trade("a", "b", 100), early))
}

func TestBufferedTradesAlreadyInSnapshotAreDropped(t *testing.T) {
	s := newStore(t)
	t1, t2, t3 := trade("a", "b", 100), trade("c", "d", 101), trade("e", "f", 102)
	s.ApplyTrade(t2)
	s.ApplyTrade(t3)
	// The snapshot was taken after t2 but before t3.
	s.ApplyFullSnapshot(snapshotWith(t1, t2))
	assertState(t, s, snapshotWith(t1, t2, t3))
}

func TestBufferedTradesDedupByID(t *testing.T) {
	s := newStore(t)
	t1 := trade("a", "b", 100)
	t1.ID = "1"
	t2 := trade("c", "d", 101)
	t2.ID = "2"
	s.ApplyTrade(t2)
	s.ApplyTrade(t1)
	s.ApplyFullSnapshot(snapshotWith(t1))
	assertState(t, s, snapshotWith(t1, t2))

	s.ApplyTrade(t2)
	assertState(t, s, snapshotWith(t1, t2))
}

func TestIdenticalTradeAtSnapshotBoundary(t *testing.T) {
	s := newStore(t)
	repeat := trade("a", "b", 100)
	s.ApplyTrade(repeat)
	s.ApplyFullSnapshot(snapshotWith(repeat))
	assertState(t, s, snapshotWith(repeat))

	withIDs := newStore(t)
	first, second := trade("a", "b", 100), trade("a", "b", 100)
	first.ID, second.ID = "1", "2"
	withIDs.ApplyTrade(second)
	withIDs.ApplyFullSnapshot(snapshotWith(first))
	assertState(t, withIDs, snapshotWith(first, second))
}

func TestResetThenSnapshotEqualsSnapshot(t *testing.T) {
	s := newStore(t)
	s.ApplyFullSnapshot(snapshotWith(trade("a", "b", 100)))
	s.ApplyTrade(trade("c", "d", 101))
	s.OnReset()
	s.ApplyTrade(trade("stale", "x", 1))
	s.OnReset()

	want := snapshotWith(trade("q", "r", 90))
	s.ApplyFullSnapshot(want)
	assertState(t, s, want)
	if s.Current().Stale {
		t.Fatalf("expected fresh state after snapshot")
	}
}

func TestResetKeepsLastKnownGoodMarkedStale(t *testing.T) {
	s := newStore(t)
	state := snapshotWith(trade("a", "b", 100))
	s.ApplyFullSnapshot(state)
	s.OnReset()

	if !drainResync(s) {
		t.Fatalf("expected resync request after reset")
	}
	cur := s.Current()
	if !cur.Stale || cur.Phase != PhaseResyncing {
		t.Fatalf("expected stale resyncing snapshot, got %+v", cur)
	}
	assertState(t, s, state)

	s.ApplyTrade(trade("c", "d", 101))
	assertState(t, s, state)
}

func TestResyncSnapshotIgnoredWhenOutdated(t *testing.T) {
	s := newStore(t)
	s.ApplyFullSnapshot(snapshotWith())
	s.OnReset()
	epoch := s.Epoch()
	s.OnReset()

	if s.ApplyResyncSnapshot(epoch, snapshotWith(trade("old", "x", 1))) {
		t.Fatalf("expected snapshot for superseded epoch to be discarded")
	}
	if !s.ApplyResyncSnapshot(s.Epoch(), snapshotWith(trade("new", "x", 2))) {
		t.Fatalf("expected snapshot for current epoch to apply")
	}
	assertState(t, s, snapshotWith(trade("new", "x", 2)))
}

func TestResyncSnapshotIgnoredAfterStreamedSnapshot(t *testing.T) {
	s := newStore(t)
	epoch := s.Epoch()
	streamed := snapshotWith(trade("a", "b", 100))
	s.ApplyFullSnapshot(streamed)
	s.ApplyTrade(trade("c", "d", 101))

	if s.ApplyResyncSnapshot(epoch, snapshotWith()) {
		t.Fatalf("expected fetched snapshot to lose to the streamed one")
	}
	assertState(t, s, snapshotWith(trade("a", "b", 100), trade("c", "d", 101)))
}

func TestNotificationsAreMonotonic(t *testing.T) {
	s := newStore(t)
	var versions []uint64
	var stale []bool
	s.Subscribe(func(snap Snapshot) {
		versions = append(versions, snap.Version)
		stale = append(stale, snap.Stale)
	})
	s.ApplyFullSnapshot(snapshotWith())
	s.ApplyTrade(trade("a", "b", 1))
	s.OnReset()
	s.ApplyFullSnapshot(snapshotWith())

	if len(versions) != 4 {
		t.Fatalf("expected 4 notifications, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("expected increasing versions, got %v", versions)
		}
	}
	if diff := cmp.Diff([]bool{false, false, true, false}, stale); diff != "" {
		t.Fatalf("unexpected stale flags (-want +got):\n%s", diff)
	}
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	s := newStore(t)
	s.Subscribe(func(Snapshot) { panic("boom") })
	calls := 0
	s.Subscribe(func(Snapshot) { calls++ })
	s.ApplyFullSnapshot(snapshotWith())
	if calls != 1 {
		t.Fatalf("expected second listener to run, got %d calls", calls)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newStore(t)
	calls := 0
	off := s.Subscribe(func(Snapshot) { calls++ })
	s.ApplyFullSnapshot(snapshotWith())
	off()
	s.ApplyTrade(trade("a", "b", 1))
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestNotificationCarriesCopy(t *testing.T) {
	s := newStore(t)
	var got *market.MarketState
	s.Subscribe(func(snap Snapshot) { got = snap.State })
	s.ApplyFullSnapshot(snapshotWith(trade("a", "b", 100)))
	got.TradeList[0].Buyer = "mutated"
	got.Book.Levels[0].Bids[0].User = "mutated"
	assertState(t, s, snapshotWith(trade("a", "b", 100)))
}

func TestBufferOverflowRequestsResync(t *testing.T) {
	s := newStore(t, WithMaxBuffered(2))
	s.ApplyFullSnapshot(snapshotWith())
	s.OnReset()
	drainResync(s)
	epoch := s.Epoch()

	s.ApplyTrade(trade("a", "b", 1))
	s.ApplyTrade(trade("a", "b", 2))
	s.ApplyTrade(trade("a", "b", 3))

	if !drainResync(s) {
		t.Fatalf("expected overflow to request resync")
	}
	if s.Epoch() == epoch {
		t.Fatalf("expected overflow to start a new resync round")
	}
	s.ApplyFullSnapshot(snapshotWith(trade("z", "y", 9)))
	assertState(t, s, snapshotWith(trade("z", "y", 9)))
}

func TestSeedIsStaleUntilSnapshot(t *testing.T) {
	s := newStore(t)
	cached := snapshotWith(trade("cached", "x", 1))
	s.Seed(cached)
	if cur := s.Current(); !cur.Stale || cur.State == nil {
		t.Fatalf("expected stale seeded state, got %+v", cur)
	}
	s.ApplyTrade(trade("a", "b", 2))
	assertState(t, s, cached)

	live := snapshotWith()
	s.ApplyFullSnapshot(live)
	assertState(t, s, snapshotWith(trade("a", "b", 2)))
	s.Seed(cached)
	if s.Current().Stale {
		t.Fatalf("expected seed to be ignored once live")
	}
}

func TestApplySettlement(t *testing.T) {
	s := newStore(t)
	if _, err := s.ApplySettlement(decimal.NewFromInt(110)); !errors.Is(err, ErrNoState) {
		t.Fatalf("expected ErrNoState, got %v", err)
	}
	s.ApplyFullSnapshot(snapshotWith(trade("A", "B", 100)))
	if _, err := s.ApplySettlement(decimal.Zero); !errors.Is(err, market.ErrNotPositive) {
		t.Fatalf("expected ErrNotPositive, got %v", err)
	}
	res, err := s.ApplySettlement(decimal.NewFromInt(110))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.ByUser["A"].PnL.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected result %+v", res.ByUser)
	}
	got := s.Current().State.TradeList[0]
	if got.PnLBuyer == nil || !got.PnLBuyer.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected enriched buyer pnl, got %v", got.PnLBuyer)
	}

	again, err := s.ApplySettlement(decimal.NewFromInt(90))
	if err != nil {
		t.Fatalf("settle again: %v", err)
	}
	if !again.ByUser["A"].PnL.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("expected recomputed result, got %+v", again.ByUser)
	}
}

func TestCloseMakesStoreInert(t *testing.T) {
	s := newStore(t)
	calls := 0
	s.Subscribe(func(Snapshot) { calls++ })
	s.ApplyFullSnapshot(snapshotWith())
	s.Close()
	s.Close()

	s.ApplyTrade(trade("a", "b", 1))
	s.OnReset()
	s.ApplyFullSnapshot(snapshotWith(trade("x", "y", 2)))
	if calls != 1 {
		t.Fatalf("expected no notifications after close, got %d", calls)
	}
	if _, ok := <-s.ResyncRequests(); ok {
		t.Fatalf("expected resync channel closed")
	}
	if _, err := s.ApplySettlement(decimal.NewFromInt(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if s.Phase() != PhaseClosed {
		t.Fatalf("expected closed phase, got %s", s.Phase())
	}
}

func TestConcurrentFetchAndStreamLoseNoTrades(t *testing.T) {
	s := newStore(t)
	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			tr := trade("a", "b", int64(i))
			tr.ID = fmt.Sprint(i)
			s.ApplyTrade(tr)
		}
	}()
	go func() {
		defer wg.Done()
		s.ApplyResyncSnapshot(s.Epoch(), snapshotWith())
	}()
	wg.Wait()

	state := s.Current().State
	if state == nil || len(state.TradeList) != n {
		t.Fatalf("expected %d trades, got %+v", n, state)
	}
	for i, tr := range state.TradeList {
		if tr.ID != fmt.Sprint(i) {
			t.Fatalf("expected trade %d in order, got id %s", i, tr.ID)
		}
	}
}
