package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"livescore-dash/internal/alerts"
	"livescore-dash/internal/config"
	"livescore-dash/internal/marketstate"
	"livescore-dash/internal/metrics"
	"livescore-dash/internal/render"
	"livescore-dash/internal/rest"
	"livescore-dash/internal/state"
	"livescore-dash/internal/state/sqlite"
	"livescore-dash/internal/stream"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	cache    state.Store
	rest     *rest.Client
	session  *Session
	view     *View
	actions  *Actions
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	notifier alerts.Notifier
}

// New wires one dashboard session from cfg. Output goes to stdout.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	var cache state.Store
	if cfg.State.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		store, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache = store
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	notifier := NewNotifier(cfg, log)
	restClient := rest.New(cfg.API.BaseURL, cfg.API.Timeout, log.Named("rest"))
	client := NewStreamClient(cfg.Stream, log.Named("stream"), m)
	session := NewSession(client, restClient, notifier, cfg.Resync, cfg.Stream.MaxBuffered, log.Named("session"), m)
	console := render.NewConsole(os.Stdout, true)

	return &App{
		cfg:      cfg,
		log:      log,
		cache:    cache,
		rest:     restClient,
		session:  session,
		view:     NewView(console, cfg.Book.BadgeThreshold, cfg.Trader.Name),
		actions:  NewActions(restClient, session.Store(), notifier, cfg.Trader.QuotePath, log.Named("actions"), m),
		metrics:  m,
		prom:     prom,
		notifier: notifier,
	}, nil
}

// NewStreamClient builds the event stream client for the configured
// transport.
func NewStreamClient(cfg config.StreamConfig, log *zap.Logger, m *metrics.Metrics) *stream.Client {
	opts := []stream.Option{
		stream.WithMetrics(m),
		stream.WithGapDetection(cfg.GapDetectionValue()),
	}
	if cfg.Transport == config.TransportWebSocket {
		opts = append(opts, stream.WithTransport(stream.NewWebSocketTransport(cfg.URL)))
	}
	return stream.New(cfg.URL, cfg.ReconnectDelay, log, opts...)
}

// NewNotifier always logs and also sends to Telegram when enabled.
func NewNotifier(cfg *config.Config, log *zap.Logger) alerts.Notifier {
	notifiers := alerts.Multi{alerts.NewLogNotifier(log.Named("notify"))}
	if cfg.Telegram.Enabled {
		label := cfg.Trader.Name
		if label == "" {
			label = "dashboard"
		}
		notifiers = append(notifiers, alerts.NewTelegram(cfg.Telegram, label, log.Named("telegram")))
	}
	return notifiers
}

func (a *App) Actions() *Actions {
	return a.actions
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	store := a.session.Store()
	store.Subscribe(a.view.Update)
	if a.cache != nil {
		a.seedFromCache(ctx, store)
		store.Subscribe(a.saveSnapshot)
	}
	if a.prom != nil {
		stop := a.serveMetrics()
		defer stop()
	}
	a.log.Info("dashboard running",
		zap.String("api", a.cfg.API.BaseURL),
		zap.String("stream", a.cfg.Stream.URL),
		zap.String("transport", a.cfg.Stream.Transport))
	return a.session.Run(ctx)
}

func (a *App) seedFromCache(ctx context.Context, store *marketstate.Store) {
	cached, ok, err := state.LoadMarketSnapshot(ctx, a.cache)
	if err != nil {
		a.log.Warn("snapshot cache unreadable", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	a.log.Info("showing cached market state until the first snapshot",
		zap.Time("saved_at", cached.SavedAt),
		zap.Int("trades", len(cached.State.TradeList)))
	store.Seed(cached.State)
}

// saveSnapshot keeps the last live state for the next start. Stale views
// are never written back.
func (a *App) saveSnapshot(snap marketstate.Snapshot) {
	if snap.State == nil || snap.Stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := state.SaveMarketSnapshot(ctx, a.cache, *snap.State, time.Now()); err != nil {
		a.log.Warn("snapshot cache write failed", zap.Error(err))
	}
}

func (a *App) serveMetrics() func() {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("metrics listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func (a *App) close() {
	a.session.Close()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("snapshot cache close failed", zap.Error(err))
		}
	}
}
