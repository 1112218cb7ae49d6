package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"livescore-dash/internal/alerts"
	"livescore-dash/internal/market"
	"livescore-dash/internal/marketstate"
	"livescore-dash/internal/metrics"
	"livescore-dash/internal/rest"
	"livescore-dash/internal/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// API is the part of the dashboard HTTP API that user actions call.
type API interface {
	Start(ctx context.Context, tickSize decimal.Decimal) (string, error)
	Settle(ctx context.Context, price decimal.Decimal) (settlement.Result, error)
	SubmitQuote(ctx context.Context, path, bid, ask string) error
	Upload(ctx context.Context, filename string, r io.Reader) error
}

// Actions runs one-shot user actions. None of them is retried; every
// failure is returned and pushed to the notifier.
type Actions struct {
	api       API
	store     *marketstate.Store
	notifier  alerts.Notifier
	quotePath string
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewActions builds the action runner. store may be nil, in which case
// settlement is not mirrored onto a local trade list.
func NewActions(api API, store *marketstate.Store, notifier alerts.Notifier, quotePath string, log *zap.Logger, m *metrics.Metrics) *Actions {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = alerts.NewLogNotifier(log)
	}
	return &Actions{
		api:       api,
		store:     store,
		notifier:  notifier,
		quotePath: quotePath,
		log:       log,
		metrics:   metrics.OrNoop(m),
	}
}

// Start opens the market. It returns the dashboard location the server
// redirected to.
func (a *Actions) Start(ctx context.Context, rawTickSize string) (string, error) {
	tick, err := market.ParsePositive("ticksize", rawTickSize)
	if err != nil {
		return "", a.reject(ctx, "start", err)
	}
	location, err := a.api.Start(ctx, tick)
	if err != nil {
		return "", a.fail(ctx, "start", err)
	}
	a.log.Info("market started", zap.String("tick_size", tick.String()), zap.String("location", location))
	return location, nil
}

// Settle settles the market on the server. With a store attached the
// local trade list is settled at the same price, and a local result that
// disagrees with the server is logged. The server result is returned.
func (a *Actions) Settle(ctx context.Context, rawPrice string) (settlement.Result, error) {
	price, err := market.ParsePositive("price", rawPrice)
	if err != nil {
		return settlement.Result{}, a.reject(ctx, "settle", err)
	}
	res, err := a.api.Settle(ctx, price)
	if err != nil {
		return settlement.Result{}, a.fail(ctx, "settle", err)
	}
	if a.store != nil {
		local, err := a.store.ApplySettlement(price)
		switch {
		case errors.Is(err, marketstate.ErrNoState):
			a.log.Info("settled without a local trade list")
		case err != nil:
			a.log.Warn("local settlement failed", zap.Error(err))
		case !local.Equal(res):
			a.log.Warn("local settlement differs from server",
				zap.Int("server_users", len(res.ByUser)),
				zap.Int("local_users", len(local.ByUser)),
				zap.Int("server_trades", len(res.ByTrade)),
				zap.Int("local_trades", len(local.ByTrade)))
		}
	}
	a.log.Info("market settled", zap.String("price", price.String()), zap.Int("users", len(res.ByUser)))
	return res, nil
}

// Quote submits a bid and ask. Quote validation is left to the server;
// rejected fields come back as rest.FieldErrors and every message is
// notified on its own.
func (a *Actions) Quote(ctx context.Context, bid, ask string) error {
	err := a.api.SubmitQuote(ctx, a.quotePath, bid, ask)
	if err == nil {
		a.log.Info("quotes submitted", zap.String("bid", bid), zap.String("ask", ask))
		return nil
	}
	if fields, ok := rest.AsFieldErrors(err); ok {
		a.metrics.ActionFailures.Inc()
		for _, msg := range fields.Messages() {
			a.notify(ctx, msg)
		}
		return err
	}
	return a.fail(ctx, "quote", err)
}

// Upload sends the file at path.
func (a *Actions) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return a.reject(ctx, "upload", err)
	}
	defer f.Close()
	if err := a.api.Upload(ctx, filepath.Base(path), f); err != nil {
		return a.fail(ctx, "upload", err)
	}
	a.log.Info("file uploaded", zap.String("file", filepath.Base(path)))
	return nil
}

// reject reports an input problem caught before any request was sent.
func (a *Actions) reject(ctx context.Context, action string, err error) error {
	a.log.Info("action rejected", zap.String("action", action), zap.Error(err))
	a.notify(ctx, err.Error())
	return err
}

func (a *Actions) fail(ctx context.Context, action string, err error) error {
	a.metrics.ActionFailures.Inc()
	a.log.Warn("action failed", zap.String("action", action), zap.Error(err))
	a.notify(ctx, fmt.Sprintf("%s failed: %v", action, err))
	return err
}

func (a *Actions) notify(ctx context.Context, msg string) {
	if err := a.notifier.Notify(ctx, msg); err != nil {
		a.log.Warn("notify failed", zap.Error(err))
	}
}
