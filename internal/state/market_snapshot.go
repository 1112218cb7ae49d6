package state

import (
	"context"
	"fmt"
	"time"

	"livescore-dash/internal/market"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const MarketSnapshotKey = "market:last_snapshot"

const snapshotFormat = 1

// MarketSnapshot is the last market state the dashboard saw live. It is
// only ever shown as stale.
type MarketSnapshot struct {
	State   market.MarketState
	SavedAt time.Time
}

type snapshotRecord struct {
	Format    int            `msgpack:"format"`
	SavedAtMS int64          `msgpack:"saved_at_ms"`
	Levels    []levelRecord  `msgpack:"levels"`
	Trades    []tradeRecord  `msgpack:"trades"`
	Bids      map[string]any `msgpack:"bids,omitempty"`
	Asks      map[string]any `msgpack:"asks,omitempty"`
	HasOrders bool           `msgpack:"has_orders"`
}

type levelRecord struct {
	Price string   `msgpack:"price"`
	Bids  []string `msgpack:"bids"`
	Asks  []string `msgpack:"asks"`
}

type tradeRecord struct {
	ID        string `msgpack:"id,omitempty"`
	Buyer     string `msgpack:"buyer"`
	Seller    string `msgpack:"seller"`
	Price     string `msgpack:"price"`
	Message   string `msgpack:"message,omitempty"`
	PnLBuyer  string `msgpack:"pnl_buyer,omitempty"`
	PnLSeller string `msgpack:"pnl_seller,omitempty"`
}

func SaveMarketSnapshot(ctx context.Context, store Store, state market.MarketState, savedAt time.Time) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(toRecord(state, savedAt))
	if err != nil {
		return err
	}
	return store.Put(ctx, MarketSnapshotKey, payload)
}

func LoadMarketSnapshot(ctx context.Context, store Store) (MarketSnapshot, bool, error) {
	if store == nil {
		return MarketSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, MarketSnapshotKey)
	if err != nil {
		return MarketSnapshot{}, false, err
	}
	if !ok || len(raw) == 0 {
		return MarketSnapshot{}, false, nil
	}
	var rec snapshotRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return MarketSnapshot{}, false, fmt.Errorf("decode market snapshot: %w", err)
	}
	if rec.Format != snapshotFormat {
		return MarketSnapshot{}, false, nil
	}
	snap, err := fromRecord(rec)
	if err != nil {
		return MarketSnapshot{}, false, err
	}
	return snap, true, nil
}

func toRecord(state market.MarketState, savedAt time.Time) snapshotRecord {
	rec := snapshotRecord{
		Format:    snapshotFormat,
		SavedAtMS: savedAt.UnixMilli(),
		Levels:    make([]levelRecord, len(state.Book.Levels)),
		Trades:    make([]tradeRecord, len(state.TradeList)),
	}
	for i, level := range state.Book.Levels {
		rec.Levels[i] = levelRecord{
			Price: level.Price.String(),
			Bids:  users(level.Bids),
			Asks:  users(level.Asks),
		}
	}
	for i, t := range state.TradeList {
		rec.Trades[i] = tradeRecord{
			ID:        t.ID,
			Buyer:     t.Buyer,
			Seller:    t.Seller,
			Price:     t.Price.String(),
			Message:   t.Message,
			PnLBuyer:  optionalDecimal(t.PnLBuyer),
			PnLSeller: optionalDecimal(t.PnLSeller),
		}
	}
	if state.Orders != nil {
		rec.HasOrders = true
		rec.Bids = state.Orders.Bid
		rec.Asks = state.Orders.Ask
	}
	return rec
}

func fromRecord(rec snapshotRecord) (MarketSnapshot, error) {
	state := market.MarketState{
		Book:      market.Book{Levels: make([]market.Level, len(rec.Levels))},
		TradeList: make([]market.Trade, len(rec.Trades)),
	}
	for i, level := range rec.Levels {
		price, err := decimal.NewFromString(level.Price)
		if err != nil {
			return MarketSnapshot{}, fmt.Errorf("level %d price: %w", i, err)
		}
		state.Book.Levels[i] = market.Level{Price: price, Bids: orders(level.Bids), Asks: orders(level.Asks)}
	}
	for i, t := range rec.Trades {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return MarketSnapshot{}, fmt.Errorf("trade %d price: %w", i, err)
		}
		trade := market.Trade{ID: t.ID, Buyer: t.Buyer, Seller: t.Seller, Price: price, Message: t.Message}
		if trade.PnLBuyer, err = parseOptional(t.PnLBuyer); err != nil {
			return MarketSnapshot{}, fmt.Errorf("trade %d pnl_buyer: %w", i, err)
		}
		if trade.PnLSeller, err = parseOptional(t.PnLSeller); err != nil {
			return MarketSnapshot{}, fmt.Errorf("trade %d pnl_seller: %w", i, err)
		}
		state.TradeList[i] = trade
	}
	if rec.HasOrders {
		state.Orders = &market.Orders{Bid: rec.Bids, Ask: rec.Asks}
	}
	return MarketSnapshot{State: state, SavedAt: time.UnixMilli(rec.SavedAtMS)}, nil
}

func users(orders []market.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.User
	}
	return out
}

func orders(users []string) []market.Order {
	out := make([]market.Order, len(users))
	for i, u := range users {
		out[i] = market.Order{User: u}
	}
	return out
}

func optionalDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func parseOptional(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
