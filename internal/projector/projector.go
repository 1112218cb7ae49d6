package projector

import (
	"strconv"
	"strings"
	"sync"

	"livescore-dash/internal/market"

	"github.com/google/go-cmp/cmp"
)

// DefaultThreshold is the order count above which a count badge switches
// from success to danger.
const DefaultThreshold = 3

// NoOrdersPlaced is the price label of the sentinel row.
const NoOrdersPlaced = "No Orders Placed"

type BadgeClass string

const (
	ClassInfo    BadgeClass = "info"
	ClassWarning BadgeClass = "warning"
	ClassSuccess BadgeClass = "success"
	ClassDanger  BadgeClass = "danger"
)

type Badge struct {
	Text  string
	Class BadgeClass
}

type Label []Badge

// String renders the label as space-separated badge texts.
func (l Label) String() string {
	parts := make([]string, len(l))
	for i, b := range l {
		parts[i] = b.Text
	}
	return strings.Join(parts, " ")
}

// Row is one rendered book level. Sentinel rows carry only a price label
// and mean the book has no resting orders, not that data is missing.
type Row struct {
	Bids     Label
	Price    string
	Asks     Label
	Sentinel bool
}

// Project turns a book into display rows. Bids are listed nearest to the
// market first and followed by a count badge; asks are preceded by their
// count badge. Levels with no orders are dropped, and a book with no
// orders yields a single sentinel row.
func Project(book market.Book, threshold int) []Row {
	rows := make([]Row, 0, len(book.Levels))
	for _, level := range book.Levels {
		if level.Empty() {
			continue
		}
		rows = append(rows, Row{
			Bids:  bidLabel(level.Bids, threshold),
			Price: level.Price.String(),
			Asks:  askLabel(level.Asks, threshold),
		})
	}
	if len(rows) == 0 {
		return []Row{{Price: NoOrdersPlaced, Sentinel: true}}
	}
	return rows
}

func bidLabel(bids []market.Order, threshold int) Label {
	if len(bids) == 0 {
		return nil
	}
	label := make(Label, 0, len(bids)+1)
	for i := len(bids) - 1; i >= 0; i-- {
		label = append(label, Badge{Text: bids[i].User, Class: ClassInfo})
	}
	return append(label, countBadge(len(bids), threshold))
}

func askLabel(asks []market.Order, threshold int) Label {
	if len(asks) == 0 {
		return nil
	}
	label := make(Label, 0, len(asks)+1)
	label = append(label, countBadge(len(asks), threshold))
	for _, ask := range asks {
		label = append(label, Badge{Text: ask.User, Class: ClassWarning})
	}
	return label
}

func countBadge(n, threshold int) Badge {
	class := ClassSuccess
	if n > threshold {
		class = ClassDanger
	}
	return Badge{Text: strconv.Itoa(n), Class: class}
}

// RowsEqual compares two projections by value.
func RowsEqual(a, b []Row) bool {
	return cmp.Equal(a, b)
}

// Projector memoizes the last projection so an unchanged book is not
// recomputed. Changed reports whether the rows differ from the previous
// call.
type Projector struct {
	threshold int

	mu      sync.Mutex
	hasLast bool
	last    market.Book
	rows    []Row
}

func New(threshold int) *Projector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Projector{threshold: threshold}
}

func (p *Projector) Threshold() int {
	return p.threshold
}

// Project returns the rows for book and whether they differ from the rows
// of the previous call.
func (p *Projector) Project(book market.Book) ([]Row, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasLast && cmp.Equal(p.last, book) {
		return p.rows, false
	}
	rows := Project(book, p.threshold)
	changed := !p.hasLast || !RowsEqual(p.rows, rows)
	p.last = book.Clone()
	p.rows = rows
	p.hasLast = true
	return rows, changed
}
