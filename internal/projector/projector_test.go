package projector

import (
	"testing"

	"livescore-dash/internal/market"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

func orders(users ...string) []market.Order {
	out := make([]market.Order, len(users))
	for i, u := range users {
		out[i] = market.Order{User: u}
	}
	return out
}

func level(price int64, bids, asks []market.Order) market.Level {
	return market.Level{Price: decimal.NewFromInt(price), Bids: bids, Asks: asks}
}

func TestProjectLevel(t *testing.T) {
	book := market.Book{Levels: []market.Level{
		level(101, nil, orders("d", "e")),
		level(100, orders("a", "b", "c"), nil),
	}}
	rows := Project(book, DefaultThreshold)
	want := []Row{
		{
			Price: "101",
			Asks: Label{
				{Text: "2", Class: ClassSuccess},
				{Text: "d", Class: ClassWarning},
				{Text: "e", Class: ClassWarning},
			},
		},
		{
			Bids: Label{
				{Text: "c", Class: ClassInfo},
				{Text: "b", Class: ClassInfo},
				{Text: "a", Class: ClassInfo},
				{Text: "3", Class: ClassSuccess},
			},
			Price: "100",
		},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("unexpected rows (-want +got):\n%s", diff)
	}
	if book.Levels[1].Bids[0].User != "a" {
		t.Fatalf("expected input bids left in place")
	}
}

func TestCountBadgeThreshold(t *testing.T) {
	rows := Project(market.Book{Levels: []market.Level{
		level(5, orders("a", "b", "c", "d"), orders("x", "y", "z")),
	}}, DefaultThreshold)
	bids := rows[0].Bids
	if got := bids[len(bids)-1]; got.Text != "4" || got.Class != ClassDanger {
		t.Fatalf("expected danger count badge for 4 bids, got %+v", got)
	}
	if got := rows[0].Asks[0]; got.Text != "3" || got.Class != ClassSuccess {
		t.Fatalf("expected success count badge for 3 asks, got %+v", got)
	}

	rows = Project(market.Book{Levels: []market.Level{level(5, orders("a", "b"), nil)}}, 1)
	if got := rows[0].Bids[2]; got.Class != ClassDanger {
		t.Fatalf("expected custom threshold to apply, got %+v", got)
	}
}

func TestEmptyLevelsDropped(t *testing.T) {
	rows := Project(market.Book{Levels: []market.Level{
		level(99, nil, nil),
		level(100, orders("a"), nil),
		level(101, []market.Order{}, []market.Order{}),
	}}, DefaultThreshold)
	if len(rows) != 1 || rows[0].Price != "100" {
		t.Fatalf("expected only the populated level, got %+v", rows)
	}
}

func TestSentinelRow(t *testing.T) {
	for name, book := range map[string]market.Book{
		"no levels":    {},
		"empty levels": {Levels: []market.Level{level(1, nil, nil)}},
	} {
		rows := Project(book, DefaultThreshold)
		if len(rows) != 1 || !rows[0].Sentinel || rows[0].Price != NoOrdersPlaced {
			t.Fatalf("%s: expected sentinel row, got %+v", name, rows)
		}
		if len(rows[0].Bids) != 0 || len(rows[0].Asks) != 0 {
			t.Fatalf("%s: expected empty sentinel labels", name)
		}
	}
}

func TestProjectDeterministic(t *testing.T) {
	build := func() market.Book {
		return market.Book{Levels: []market.Level{
			level(100, orders("a", "b"), orders("c")),
			level(101, nil, orders("d")),
		}}
	}
	if !RowsEqual(Project(build(), 3), Project(build(), 3)) {
		t.Fatalf("expected equal projections for equal books")
	}
}

func TestProjectorMemoizes(t *testing.T) {
	p := New(0)
	if p.Threshold() != DefaultThreshold {
		t.Fatalf("expected default threshold, got %d", p.Threshold())
	}
	book := market.Book{Levels: []market.Level{level(100, orders("a"), nil)}}
	first, changed := p.Project(book)
	if !changed {
		t.Fatalf("expected first projection to report a change")
	}
	same := market.Book{Levels: []market.Level{level(100, orders("a"), nil)}}
	second, changed := p.Project(same)
	if changed || !RowsEqual(first, second) {
		t.Fatalf("expected equal book to reuse rows")
	}

	// Equal by value even though the decimal is built differently.
	scaled := market.Book{Levels: []market.Level{
		{Price: decimal.RequireFromString("100.0"), Bids: orders("a")},
	}}
	if _, changed := p.Project(scaled); changed {
		t.Fatalf("expected 100.0 to equal 100")
	}

	book.Levels[0].Bids = orders("a", "b")
	if _, changed := p.Project(book); !changed {
		t.Fatalf("expected new bid to change rows")
	}
}

func TestLabelString(t *testing.T) {
	label := Label{{Text: "2"}, {Text: "d"}, {Text: "e"}}
	if got := label.String(); got != "2 d e" {
		t.Fatalf("unexpected label %q", got)
	}
}
