package orderbook

import (
	"github.com/google/btree"
	"github.com/holiman/uint256"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Opposite() Side { return -s }

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Entry is a resting order's position in a sequence. IDs are assigned
// monotonically, so a lower ID at the same price was placed earlier.
type Entry struct {
	ID    uint64
	Price uint256.Int
}

const degree = 16

// Sequence keeps one side of the book in priority order: best price first,
// then oldest first among equal prices.
type Sequence struct {
	side Side
	tree *btree.BTreeG[Entry]
}

func newSequence(side Side) *Sequence {
	var less btree.LessFunc[Entry]
	if side == Buy {
		less = func(a, b Entry) bool {
			if c := a.Price.Cmp(&b.Price); c != 0 {
				return c > 0
			}
			return a.ID < b.ID
		}
	} else {
		less = func(a, b Entry) bool {
			if c := a.Price.Cmp(&b.Price); c != 0 {
				return c < 0
			}
			return a.ID < b.ID
		}
	}
	return &Sequence{side: side, tree: btree.NewG(degree, less)}
}

func (s *Sequence) Side() Side { return s.side }

func (s *Sequence) Len() int { return s.tree.Len() }

// Insert places the entry at its sorted position. Re-inserting the same
// (price, id) pair is a no-op.
func (s *Sequence) Insert(id uint64, price *uint256.Int) {
	s.tree.ReplaceOrInsert(Entry{ID: id, Price: *price})
}

// Remove deletes the entry and reports whether it was present.
func (s *Sequence) Remove(id uint64, price *uint256.Int) bool {
	_, ok := s.tree.Delete(Entry{ID: id, Price: *price})
	return ok
}

func (s *Sequence) Contains(id uint64, price *uint256.Int) bool {
	return s.tree.Has(Entry{ID: id, Price: *price})
}

// Head is the entry with the highest priority.
func (s *Sequence) Head() (Entry, bool) {
	return s.tree.Min()
}

// Walk visits entries in priority order until fn returns false.
func (s *Sequence) Walk(fn func(Entry) bool) {
	s.tree.Ascend(func(e Entry) bool { return fn(e) })
}

// IDs returns up to limit order IDs in priority order. limit <= 0 means all.
func (s *Sequence) IDs(limit int) []uint64 {
	n := s.tree.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	ids := make([]uint64, 0, n)
	s.tree.Ascend(func(e Entry) bool {
		if len(ids) == n {
			return false
		}
		ids = append(ids, e.ID)
		return true
	})
	return ids
}

func (s *Sequence) clone() *Sequence {
	return &Sequence{side: s.side, tree: s.tree.Clone()}
}

// Book holds the bid and ask sequences. It is not safe for concurrent use;
// the engine serializes access.
type Book struct {
	bids *Sequence
	asks *Sequence
}

func New() *Book {
	return &Book{
		bids: newSequence(Buy),
		asks: newSequence(Sell),
	}
}

func (b *Book) Bids() *Sequence { return b.bids }
func (b *Book) Asks() *Sequence { return b.asks }

func (b *Book) Side(s Side) *Sequence {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (uint256.Int, bool) {
	e, ok := b.bids.Head()
	return e.Price, ok
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (uint256.Int, bool) {
	e, ok := b.asks.Head()
	return e.Price, ok
}

// Clone returns a copy-on-write snapshot. Later writes to either book are
// invisible to the other.
func (b *Book) Clone() *Book {
	return &Book{bids: b.bids.clone(), asks: b.asks.clone()}
}

// Crosses reports whether an incoming order on side at limit price can trade
// against a resting order priced at resting.
func Crosses(side Side, limit, resting *uint256.Int) bool {
	if side == Buy {
		return !limit.Lt(resting)
	}
	return !limit.Gt(resting)
}
