package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"livescore-dash/internal/alerts"
	"livescore-dash/internal/config"
	"livescore-dash/internal/market"
	"livescore-dash/internal/marketstate"
	"livescore-dash/internal/metrics"
	"livescore-dash/internal/stream"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errResyncSuperseded = errors.New("resync superseded")

// SnapshotSource fetches a full market snapshot out of band.
type SnapshotSource interface {
	State(ctx context.Context) (market.MarketState, error)
}

// Session owns one dashboard's market state and the stream handlers that
// feed it. Closing it detaches every handler it registered.
type Session struct {
	client   *stream.Client
	source   SnapshotSource
	store    *marketstate.Store
	notifier alerts.Notifier
	resync   config.ResyncConfig
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	offs   []func()
	closed bool
}

func NewSession(
	client *stream.Client,
	source SnapshotSource,
	notifier alerts.Notifier,
	resync config.ResyncConfig,
	maxBuffered int,
	log *zap.Logger,
	m *metrics.Metrics,
) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = alerts.NewLogNotifier(log)
	}
	m = metrics.OrNoop(m)
	s := &Session{
		client:   client,
		source:   source,
		notifier: notifier,
		resync:   resync,
		log:      log,
		metrics:  m,
		store: marketstate.New(log.Named("state"),
			marketstate.WithMaxBuffered(maxBuffered),
			marketstate.WithMetrics(m)),
	}
	s.offs = []func(){
		client.On(stream.EventState, s.handleState),
		client.On(stream.EventTrade, s.handleTrade),
		client.On(stream.EventStreamReset, s.handleReset),
		client.OnConnect(s.handleConnect),
	}
	return s
}

func (s *Session) Store() *marketstate.Store {
	return s.store
}

// Run streams events and serves resync requests until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.resyncLoop(ctx)
	}()
	err := s.client.Run(ctx)
	wg.Wait()
	return err
}

// Close detaches the session's handlers and closes its store. Events that
// are still in flight land on a closed store and are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, off := range s.offs {
		off()
	}
	s.offs = nil
	s.store.Close()
}

func (s *Session) handleState(ev stream.Event) error {
	var state market.MarketState
	if err := json.Unmarshal(ev.Data, &state); err != nil {
		s.store.OnReset()
		return fmt.Errorf("decode state event: %w", err)
	}
	s.store.ApplyFullSnapshot(state)
	return nil
}

func (s *Session) handleTrade(ev stream.Event) error {
	var trade market.Trade
	if err := json.Unmarshal(ev.Data, &trade); err != nil {
		s.store.OnReset()
		return fmt.Errorf("decode trade event: %w", err)
	}
	s.store.ApplyTrade(trade)
	return nil
}

func (s *Session) handleReset(stream.Event) error {
	s.log.Info("stream reset, resyncing market state")
	s.store.OnReset()
	return nil
}

// The snapshot is authoritative across a reconnect, so every reconnect
// starts a resync round.
func (s *Session) handleConnect(reconnect bool) {
	if reconnect {
		s.store.OnReset()
	}
}

func (s *Session) resyncLoop(ctx context.Context) {
	requests := s.store.ResyncRequests()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-requests:
			if !ok {
				return
			}
			s.resyncOnce(ctx)
		}
	}
}

// resyncOnce fetches a snapshot for the current resync round with bounded
// exponential backoff. When retries run out the user is told and the last
// known state stays visible, marked stale.
func (s *Session) resyncOnce(ctx context.Context) {
	epoch := s.store.Epoch()
	attempts := 0
	var state market.MarketState
	op := func() error {
		if s.store.Epoch() != epoch || !s.store.Phase().Awaiting() {
			return backoff.Permanent(errResyncSuperseded)
		}
		attempts++
		fetched, err := s.source.State(ctx)
		if err != nil {
			s.log.Warn("snapshot fetch failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		state = fetched
		return nil
	}
	if err := backoff.Retry(op, s.backoff(ctx)); err != nil {
		if errors.Is(err, errResyncSuperseded) || ctx.Err() != nil {
			return
		}
		s.metrics.ResyncFailures.Inc()
		s.log.Error("snapshot resync gave up", zap.Int("attempts", attempts), zap.Error(err))
		msg := fmt.Sprintf("market snapshot unavailable after %d attempts (%v); showing stale data until the feed recovers", attempts, err)
		if nerr := s.notifier.Notify(ctx, msg); nerr != nil {
			s.log.Warn("notify failed", zap.Error(nerr))
		}
		return
	}
	if !s.store.ApplyResyncSnapshot(epoch, state) {
		s.log.Debug("fetched snapshot no longer needed", zap.Uint64("epoch", epoch))
	}
}

func (s *Session) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.resync.InitialInterval
	b.MaxInterval = s.resync.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, s.resync.MaxRetries), ctx)
}
