package projector

import (
	"sync"

	"livescore-dash/internal/market"

	"github.com/shopspring/decimal"
)

// TradeLines renders the tape oldest first, one "buyer bought @ price from
// seller" line per trade.
func TradeLines(trades []market.Trade) []string {
	lines := make([]string, len(trades))
	for i, t := range trades {
		lines[i] = TradeLine(t)
	}
	return lines
}

func TradeLine(t market.Trade) string {
	return t.Buyer + " bought @ " + t.Price.String() + " from " + t.Seller
}

// PriceSeries is the trade price history used by the price chart.
func PriceSeries(trades []market.Trade) []decimal.Decimal {
	series := make([]decimal.Decimal, len(trades))
	for i, t := range trades {
		series[i] = t.Price
	}
	return series
}

// SeriesTracker remembers the last drawn price series.
type SeriesTracker struct {
	mu   sync.Mutex
	last []decimal.Decimal
	seen bool
}

// Changed reports whether series differs elementwise from the previous
// call and records it as the latest.
func (s *SeriesTracker) Changed(series []decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && seriesEqual(s.last, series) {
		return false
	}
	s.last = append([]decimal.Decimal(nil), series...)
	s.seen = true
	return true
}

func seriesEqual(a, b []decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

type Role string

const (
	RoleNone   Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleBoth   Role = "both"
)

// TapeEntry is one line of a participant's trade feed, highlighted when
// the participant took part.
type TapeEntry struct {
	Message string
	Role    Role
}

func TapeEntryFor(t market.Trade, participant string) TapeEntry {
	msg := t.Message
	if msg == "" {
		msg = TradeLine(t)
	}
	entry := TapeEntry{Message: msg}
	if participant == "" {
		return entry
	}
	buyer, seller := t.Buyer == participant, t.Seller == participant
	switch {
	case buyer && seller:
		entry.Role = RoleBoth
	case buyer:
		entry.Role = RoleBuyer
	case seller:
		entry.Role = RoleSeller
	}
	return entry
}

// Quotes reports which sides a participant currently quotes.
type Quotes struct {
	HasBid bool
	HasAsk bool
}

func QuoteStatus(state market.MarketState, participant string) Quotes {
	if state.Orders == nil || participant == "" {
		return Quotes{}
	}
	_, bid := state.Orders.Bid[participant]
	_, ask := state.Orders.Ask[participant]
	return Quotes{HasBid: bid, HasAsk: ask}
}
