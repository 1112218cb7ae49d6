package app

import (
	"livescore-dash/internal/marketstate"
	"livescore-dash/internal/projector"
	"livescore-dash/internal/render"

	"github.com/google/go-cmp/cmp"
)

// View redraws the console from store notifications, skipping any part
// whose content did not change.
type View struct {
	projector   *projector.Projector
	series      projector.SeriesTracker
	console     *render.Console
	participant string

	drawn     bool
	lastStale bool
	lastTape  []projector.TapeEntry
	lastQuote projector.Quotes
}

func NewView(console *render.Console, threshold int, participant string) *View {
	return &View{
		projector:   projector.New(threshold),
		console:     console,
		participant: participant,
	}
}

// Update is a marketstate.Listener.
func (v *View) Update(snap marketstate.Snapshot) {
	if snap.State == nil {
		return
	}
	state := snap.State
	rows, changed := v.projector.Project(state.Book)
	if changed || !v.drawn || snap.Stale != v.lastStale {
		v.console.RenderBook(rows, snap.Stale)
	}
	entries := make([]projector.TapeEntry, len(state.TradeList))
	for i, t := range state.TradeList {
		entries[i] = projector.TapeEntryFor(t, v.participant)
	}
	if !v.drawn || !cmp.Equal(entries, v.lastTape) {
		v.console.RenderTrades(entries)
		v.lastTape = entries
	}
	if series := projector.PriceSeries(state.TradeList); v.series.Changed(series) {
		labels := make([]string, len(series))
		for i, p := range series {
			labels[i] = p.String()
		}
		v.console.RenderSeries(labels)
	}
	if v.participant != "" {
		quotes := projector.QuoteStatus(*state, v.participant)
		if !v.drawn || quotes != v.lastQuote {
			v.console.RenderQuotes(v.participant, quotes)
			v.lastQuote = quotes
		}
	}
	v.drawn = true
	v.lastStale = snap.Stale
}
