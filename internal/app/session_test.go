package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livescore-dash/internal/config"
	"livescore-dash/internal/market"
	"livescore-dash/internal/marketstate"
	"livescore-dash/internal/metrics"
	"livescore-dash/internal/rest"
	"livescore-dash/internal/stream"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var testResync = config.ResyncConfig{
	MaxRetries:      2,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc() { c.n.Add(1) }

func testTrade(id, buyer, seller string, price int64) market.Trade {
	p := decimal.NewFromInt(price)
	return market.Trade{
		ID:      id,
		Buyer:   buyer,
		Seller:  seller,
		Price:   p,
		Message: fmt.Sprintf("%s bought @ %s from %s", buyer, p, seller),
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func writeStateJSON(t *testing.T, w http.ResponseWriter, trades []market.Trade) {
	if trades == nil {
		trades = []market.Trade{}
	}
	state := market.MarketState{Book: market.Book{Levels: []market.Level{}}, TradeList: trades}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(mustJSON(t, state)))
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func tradeIDs(snap marketstate.Snapshot) []string {
	if snap.State == nil {
		return nil
	}
	ids := make([]string, len(snap.State.TradeList))
	for i, tr := range snap.State.TradeList {
		ids[i] = tr.ID
	}
	return ids
}

func startSession(t *testing.T, server *httptest.Server, notifier *recordingNotifier, m *metrics.Metrics) (*Session, *stream.Client) {
	t.Helper()
	client := stream.New(server.URL+"/events/", 5*time.Millisecond, zap.NewNop(), stream.WithMetrics(m))
	source := rest.New(server.URL, time.Second, zap.NewNop())
	session := NewSession(client, source, notifier, testResync, 64, zap.NewNop(), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		session.Close()
	})
	return session, client
}

func TestSessionReconnectReplayDoesNotDuplicate(t *testing.T) {
	t1 := testTrade("t1", "a", "b", 100)
	t2 := testTrade("t2", "c", "a", 101)
	t3 := testTrade("t3", "b", "c", 99)

	var mu sync.Mutex
	var published []market.Trade
	publish := func(trades ...market.Trade) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, trades...)
	}
	var conns atomic.Int32
	stop := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/state/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		trades := append([]market.Trade(nil), published...)
		mu.Unlock()
		writeStateJSON(t, w, trades)
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		switch conns.Add(1) {
		case 1:
			publish(t1, t2)
			fmt.Fprintf(w, "id: 1\nevent: trade\ndata: %s\n\n", mustJSON(t, t1))
			fmt.Fprintf(w, "id: 2\nevent: trade\ndata: %s\n\n", mustJSON(t, t2))
			flusher.Flush()
			return
		case 2:
			publish(t3)
			fmt.Fprintf(w, "id: 2\nevent: trade\ndata: %s\n\n", mustJSON(t, t2))
			fmt.Fprintf(w, "id: 3\nevent: trade\ndata: %s\n\n", mustJSON(t, t3))
			flusher.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(stop) })

	session, client := startSession(t, server, &recordingNotifier{}, nil)
	store := session.Store()
	eventually(t, 3*time.Second, func() bool {
		snap := store.Current()
		return client.LastEventID() == "3" && snap.Phase == marketstate.PhaseLive && len(tradeIDs(snap)) >= 3
	}, "waiting for replayed feed to settle")

	got := strings.Join(tradeIDs(store.Current()), ",")
	if got != "t1,t2,t3" {
		t.Fatalf("expected each trade once, got %s", got)
	}
	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns.Load())
	}
}

func TestSessionResyncGivesUpAndNotifies(t *testing.T) {
	stop := make(chan struct{})
	var fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/state/", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(stop) })

	notifier := &recordingNotifier{}
	failures := &countingCounter{}
	m := metrics.NewNoop()
	m.ResyncFailures = failures
	session, _ := startSession(t, server, notifier, m)

	eventually(t, 3*time.Second, func() bool { return len(notifier.Messages()) > 0 }, "waiting for resync failure notification")
	msg := notifier.Messages()[0]
	if !strings.Contains(msg, "after 3 attempts") || !strings.Contains(msg, "stale") {
		t.Fatalf("unexpected notification %q", msg)
	}
	if fetches.Load() != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", fetches.Load())
	}
	if failures.n.Load() != 1 {
		t.Fatalf("expected one resync failure, got %d", failures.n.Load())
	}
	if session.Store().Phase() != marketstate.PhaseEmpty {
		t.Fatalf("expected store still awaiting a snapshot, got %s", session.Store().Phase())
	}
}

func TestSessionUndecodableEventTriggersResync(t *testing.T) {
	recovered := testTrade("t9", "x", "y", 42)
	stop := make(chan struct{})
	firstServed := make(chan struct{})
	var once sync.Once
	var fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/state/", func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			writeStateJSON(t, w, nil)
			once.Do(func() { close(firstServed) })
			return
		}
		writeStateJSON(t, w, []market.Trade{recovered})
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher.Flush()
		select {
		case <-firstServed:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "event: trade\ndata: {\"buyer\": \n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(stop) })

	session, _ := startSession(t, server, &recordingNotifier{}, nil)
	eventually(t, 3*time.Second, func() bool {
		snap := session.Store().Current()
		return snap.Phase == marketstate.PhaseLive && strings.Join(tradeIDs(snap), ",") == "t9"
	}, "waiting for resync after undecodable trade")
	if fetches.Load() < 2 {
		t.Fatalf("expected a second snapshot fetch, got %d", fetches.Load())
	}
}

func TestSessionStreamResetKeepsStaleView(t *testing.T) {
	stop := make(chan struct{})
	resetSent := make(chan struct{})
	release := make(chan struct{})
	var fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/state/", func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) > 1 {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		writeStateJSON(t, w, []market.Trade{testTrade("t1", "a", "b", 1)})
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher.Flush()
		select {
		case <-resetSent:
			fmt.Fprint(w, "event: stream-reset\ndata: {}\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(stop) })

	session, _ := startSession(t, server, &recordingNotifier{}, nil)
	store := session.Store()
	eventually(t, 3*time.Second, func() bool { return store.Phase() == marketstate.PhaseLive }, "waiting for initial snapshot")

	close(resetSent)
	eventually(t, 3*time.Second, func() bool { return store.Phase() == marketstate.PhaseResyncing }, "waiting for reset")
	snap := store.Current()
	if !snap.Stale || strings.Join(tradeIDs(snap), ",") != "t1" {
		t.Fatalf("expected last known state kept as stale, got %+v", snap)
	}

	close(release)
	eventually(t, 3*time.Second, func() bool {
		cur := store.Current()
		return cur.Phase == marketstate.PhaseLive && !cur.Stale
	}, "waiting for resync snapshot")
}

func TestSessionCloseDetachesHandlers(t *testing.T) {
	client := stream.New("http://unused", time.Millisecond, zap.NewNop())
	session := NewSession(client, nil, nil, testResync, 0, nil, nil)
	if got := client.HandlerCount(); got != 4 {
		t.Fatalf("expected 4 registrations, got %d", got)
	}
	session.Close()
	session.Close()
	if got := client.HandlerCount(); got != 0 {
		t.Fatalf("expected no registrations after close, got %d", got)
	}
	if session.Store().Phase() != marketstate.PhaseClosed {
		t.Fatalf("expected closed store, got %s", session.Store().Phase())
	}
}
