package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"livescore-dash/internal/projector"
	"livescore-dash/internal/settlement"

	"github.com/fatih/color"
)

// Console draws projector output as plain text tables. Every Render call
// writes one complete block.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	styles map[projector.BadgeClass]*color.Color
	faint  *color.Color
	bold   *color.Color
	red    *color.Color
	green  *color.Color
}

// NewConsole writes to out. When colors is false every escape sequence is
// left out regardless of the terminal.
func NewConsole(out io.Writer, colors bool) *Console {
	c := &Console{
		out: out,
		styles: map[projector.BadgeClass]*color.Color{
			projector.ClassInfo:    color.New(color.FgCyan),
			projector.ClassWarning: color.New(color.FgYellow),
			projector.ClassSuccess: color.New(color.FgGreen, color.Bold),
			projector.ClassDanger:  color.New(color.FgRed, color.Bold),
		},
		faint: color.New(color.Faint),
		bold:  color.New(color.Bold),
		red:   color.New(color.FgRed),
		green: color.New(color.FgGreen),
	}
	for _, col := range c.all() {
		if colors {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

func (c *Console) all() []*color.Color {
	out := []*color.Color{c.faint, c.bold, c.red, c.green}
	for _, col := range c.styles {
		out = append(out, col)
	}
	return out
}

// RenderBook draws the order book. A stale book is labelled as such.
func (c *Console) RenderBook(rows []projector.Row, stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	title := "ORDER BOOK"
	if stale {
		title += " " + c.red.Sprint("(stale, resyncing)")
	}
	fmt.Fprintln(c.out, c.bold.Sprint(title))

	bidWidth, priceWidth := 0, 0
	for _, row := range rows {
		bidWidth = max(bidWidth, len(row.Bids.String()))
		priceWidth = max(priceWidth, len(row.Price))
	}
	for _, row := range rows {
		if row.Sentinel {
			fmt.Fprintln(c.out, c.faint.Sprint(row.Price))
			continue
		}
		bids := c.label(row.Bids)
		pad := strings.Repeat(" ", bidWidth-len(row.Bids.String()))
		price := fmt.Sprintf("%*s", priceWidth, row.Price)
		fmt.Fprintf(c.out, "%s%s | %s | %s\n", pad, bids, c.bold.Sprint(price), c.label(row.Asks))
	}
}

func (c *Console) label(label projector.Label) string {
	parts := make([]string, len(label))
	for i, badge := range label {
		style, ok := c.styles[badge.Class]
		if !ok {
			parts[i] = badge.Text
			continue
		}
		parts[i] = style.Sprint(badge.Text)
	}
	return strings.Join(parts, " ")
}

// RenderTrades draws the trade tape, highlighting the participant's own
// trades.
func (c *Console) RenderTrades(entries []projector.TapeEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.bold.Sprint("TRADES"))
	for _, entry := range entries {
		switch entry.Role {
		case projector.RoleBuyer:
			fmt.Fprintln(c.out, c.styles[projector.ClassInfo].Sprint(entry.Message))
		case projector.RoleSeller, projector.RoleBoth:
			fmt.Fprintln(c.out, c.styles[projector.ClassWarning].Sprint(entry.Message))
		default:
			fmt.Fprintln(c.out, entry.Message)
		}
	}
}

// RenderSeries draws the price history on one line.
func (c *Console) RenderSeries(series []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s\n", c.bold.Sprint("PRICES"), strings.Join(series, " "))
}

// RenderQuotes shows which sides the participant currently quotes.
func (c *Console) RenderQuotes(participant string, quotes projector.Quotes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	side := func(name string, active bool) string {
		if active {
			return c.green.Sprint(name)
		}
		return c.faint.Sprint(name)
	}
	fmt.Fprintf(c.out, "%s %s %s\n", c.bold.Sprint(participant), side("bid", quotes.HasBid), side("ask", quotes.HasAsk))
}

// RenderSettlement draws the per-user and per-trade settlement tables.
func (c *Console) RenderSettlement(res settlement.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.bold.Sprint("SETTLEMENT BY USER"))
	for _, row := range res.Users() {
		fmt.Fprintf(c.out, "%-16s %s\n", row.User, c.signed(row.PnL.String(), row.PnL.Sign()))
	}
	fmt.Fprintln(c.out, c.bold.Sprint("SETTLEMENT BY TRADE"))
	for _, row := range res.Trades() {
		fmt.Fprintf(c.out, "%-16s %10s %-16s %s\n", row.Buyer, row.Price.String(), row.Seller, c.signed(row.PnLBuyer.String(), row.PnLBuyer.Sign()))
	}
}

func (c *Console) signed(text string, sign int) string {
	switch {
	case sign > 0:
		return c.green.Sprint(text)
	case sign < 0:
		return c.red.Sprint(text)
	}
	return text
}
