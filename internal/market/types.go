package market

import (
	"github.com/shopspring/decimal"
)

type Order struct {
	User string `json:"user"`
}

type Level struct {
	Price decimal.Decimal `json:"price"`
	Bids  []Order         `json:"bids"`
	Asks  []Order         `json:"asks"`
}

// Empty reports whether no orders rest at this level.
func (l Level) Empty() bool {
	return len(l.Bids) == 0 && len(l.Asks) == 0
}

// Book levels keep the order the feed delivered them in.
type Book struct {
	Levels []Level `json:"levels"`
}

// Trade is one execution on the tape. PnLBuyer and PnLSeller are only set
// once the market has been settled. ID is optional and only present when
// the feed assigns trade ids.
type Trade struct {
	ID        string           `json:"id,omitempty"`
	Buyer     string           `json:"buyer"`
	Seller    string           `json:"seller"`
	Price     decimal.Decimal  `json:"price"`
	Message   string           `json:"message,omitempty"`
	PnLBuyer  *decimal.Decimal `json:"pnl_buyer,omitempty"`
	PnLSeller *decimal.Decimal `json:"pnl_seller,omitempty"`
}

// SameExecution compares the execution fields of two trades, ignoring
// settlement enrichment.
func (t Trade) SameExecution(other Trade) bool {
	if t.ID != "" || other.ID != "" {
		return t.ID == other.ID
	}
	return t.Buyer == other.Buyer &&
		t.Seller == other.Seller &&
		t.Price.Equal(other.Price) &&
		t.Message == other.Message
}

// Orders holds resting quotes keyed by participant name.
type Orders struct {
	Bid map[string]any `json:"bid"`
	Ask map[string]any `json:"ask"`
}

type MarketState struct {
	Book      Book    `json:"book"`
	TradeList []Trade `json:"trade_list"`
	Orders    *Orders `json:"orders,omitempty"`
}

// Clone returns a deep copy so the caller can hand it out without sharing
// slices with the owner.
func (s MarketState) Clone() MarketState {
	out := MarketState{
		Book:      s.Book.Clone(),
		TradeList: CloneTrades(s.TradeList),
	}
	if s.Orders != nil {
		out.Orders = &Orders{
			Bid: cloneQuotes(s.Orders.Bid),
			Ask: cloneQuotes(s.Orders.Ask),
		}
	}
	return out
}

func (b Book) Clone() Book {
	if b.Levels == nil {
		return Book{}
	}
	levels := make([]Level, len(b.Levels))
	for i, level := range b.Levels {
		levels[i] = Level{
			Price: level.Price,
			Bids:  append([]Order(nil), level.Bids...),
			Asks:  append([]Order(nil), level.Asks...),
		}
	}
	return Book{Levels: levels}
}

func CloneTrades(trades []Trade) []Trade {
	if trades == nil {
		return nil
	}
	out := make([]Trade, len(trades))
	for i, trade := range trades {
		out[i] = trade.clone()
	}
	return out
}

func (t Trade) clone() Trade {
	out := t
	if t.PnLBuyer != nil {
		v := *t.PnLBuyer
		out.PnLBuyer = &v
	}
	if t.PnLSeller != nil {
		v := *t.PnLSeller
		out.PnLSeller = &v
	}
	return out
}

func cloneQuotes(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
