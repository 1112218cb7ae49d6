package settlement

import (
	"sort"
	"strconv"

	"livescore-dash/internal/market"

	"github.com/shopspring/decimal"
)

type UserPnL struct {
	User string          `json:"user"`
	PnL  decimal.Decimal `json:"pnl"`
}

type TradePnL struct {
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Price     decimal.Decimal `json:"price"`
	PnLBuyer  decimal.Decimal `json:"pnl_buyer"`
	PnLSeller decimal.Decimal `json:"pnl_seller"`
}

// Result is keyed the same way the settle endpoint responds: by_user by
// participant, by_trade by trade key (see TradeKeys).
type Result struct {
	ByUser  map[string]UserPnL  `json:"by_user"`
	ByTrade map[string]TradePnL `json:"by_trade"`
}

// Settle marks every trade to price. The buyer of a trade earns
// price - trade price and the seller the negation; per-user totals add up
// across every trade the user took part in.
func Settle(trades []market.Trade, price decimal.Decimal) (Result, error) {
	if err := market.RequirePositive("price", price); err != nil {
		return Result{}, err
	}
	res := Result{
		ByUser:  make(map[string]UserPnL),
		ByTrade: make(map[string]TradePnL, len(trades)),
	}
	keys := TradeKeys(trades)
	for i, trade := range trades {
		pnlBuyer := price.Sub(trade.Price)
		pnlSeller := pnlBuyer.Neg()
		res.ByTrade[keys[i]] = TradePnL{
			Buyer:     trade.Buyer,
			Seller:    trade.Seller,
			Price:     trade.Price,
			PnLBuyer:  pnlBuyer,
			PnLSeller: pnlSeller,
		}
		res.add(trade.Buyer, pnlBuyer)
		res.add(trade.Seller, pnlSeller)
	}
	return res, nil
}

func (r Result) add(user string, pnl decimal.Decimal) {
	entry, ok := r.ByUser[user]
	if !ok {
		entry = UserPnL{User: user, PnL: decimal.Zero}
	}
	entry.PnL = entry.PnL.Add(pnl)
	r.ByUser[user] = entry
}

// TradeKeys returns the by_trade key of every trade. Feed ids are used
// only when every trade has a distinct one; otherwise all trades are keyed
// by position, so an id such as "1" never collides with an index.
func TradeKeys(trades []market.Trade) []string {
	keys := make([]string, len(trades))
	seen := make(map[string]struct{}, len(trades))
	for i, trade := range trades {
		if _, dup := seen[trade.ID]; trade.ID == "" || dup {
			return indexKeys(keys)
		}
		seen[trade.ID] = struct{}{}
		keys[i] = trade.ID
	}
	return keys
}

func indexKeys(keys []string) []string {
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	return keys
}

// Users returns the per-user totals sorted by user.
func (r Result) Users() []UserPnL {
	out := make([]UserPnL, 0, len(r.ByUser))
	for key, entry := range r.ByUser {
		if entry.User == "" {
			entry.User = key
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Trades returns per-trade rows in key order, numeric keys first and in
// numeric order.
func (r Result) Trades() []TradePnL {
	keys := make([]string, 0, len(r.ByTrade))
	for key := range r.ByTrade {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	out := make([]TradePnL, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.ByTrade[key])
	}
	return out
}

func keyLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// Equal compares two results by value, so a server result can be checked
// against a local computation.
func (r Result) Equal(other Result) bool {
	if len(r.ByUser) != len(other.ByUser) || len(r.ByTrade) != len(other.ByTrade) {
		return false
	}
	for key, a := range r.ByUser {
		b, ok := other.ByUser[key]
		if !ok || !a.PnL.Equal(b.PnL) {
			return false
		}
	}
	for key, a := range r.ByTrade {
		b, ok := other.ByTrade[key]
		if !ok || a.Buyer != b.Buyer || a.Seller != b.Seller ||
			!a.Price.Equal(b.Price) || !a.PnLBuyer.Equal(b.PnLBuyer) || !a.PnLSeller.Equal(b.PnLSeller) {
			return false
		}
	}
	return true
}

// Enrich returns a copy of trades with the per-side pnl from res filled
// in. Trades without an entry in res are copied unchanged.
func Enrich(trades []market.Trade, res Result) []market.Trade {
	out := market.CloneTrades(trades)
	keys := TradeKeys(out)
	for i := range out {
		entry, ok := res.ByTrade[keys[i]]
		if !ok {
			continue
		}
		buyer, seller := entry.PnLBuyer, entry.PnLSeller
		out[i].PnLBuyer = &buyer
		out[i].PnLSeller = &seller
	}
	return out
}
