package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core/orderbook"
)

// Queries take the read lock, so they never see an operation half done.

// BuyOrders returns up to limit resting bids, best first. limit <= 0 means all.
func (e *Engine) BuyOrders(limit int) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collect(e.book.Bids().IDs(limit))
}

// SellOrders returns up to limit resting asks, best first. limit <= 0 means all.
func (e *Engine) SellOrders(limit int) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collect(e.book.Asks().IDs(limit))
}

// UserOrders returns every order owner ever placed, active or not, oldest first.
func (e *Engine) UserOrders(owner common.Address) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collect(e.byOwner[owner])
}

func (e *Engine) collect(ids []uint64) []Order {
	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.orders[id])
	}
	return out
}

func (e *Engine) Order(id uint64) (Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return *o, nil
}

// BestBid returns the highest resting bid, or false when there are no bids.
func (e *Engine) BestBid() (*uint256.Int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.book.BestBid()
	if !ok {
		return nil, false
	}
	return &p, true
}

// BestAsk returns the lowest resting ask, or false when there are no asks.
func (e *Engine) BestAsk() (*uint256.Int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.book.BestAsk()
	if !ok {
		return nil, false
	}
	return &p, true
}

func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Depth aggregates up to levels price levels per side. levels <= 0 means all.
func (e *Engine) Depth(levels int) (bids, asks []PriceLevel) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.aggregate(e.book.Bids(), levels), e.aggregate(e.book.Asks(), levels)
}

// BookView is one consistent read of the book.
type BookView struct {
	Bids       []PriceLevel
	Asks       []PriceLevel
	BuyOrders  []Order
	SellOrders []Order
	LastSeq    uint64
}

// View returns depth and resting orders taken under a single read lock.
func (e *Engine) View(levels, orders int) BookView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return BookView{
		Bids:       e.aggregate(e.book.Bids(), levels),
		Asks:       e.aggregate(e.book.Asks(), levels),
		BuyOrders:  e.collect(e.book.Bids().IDs(orders)),
		SellOrders: e.collect(e.book.Asks().IDs(orders)),
		LastSeq:    e.lastSeq,
	}
}

func (e *Engine) aggregate(seq *orderbook.Sequence, levels int) []PriceLevel {
	var out []PriceLevel
	seq.Walk(func(ent orderbook.Entry) bool {
		n := len(out)
		if n > 0 && out[n-1].Price.Eq(&ent.Price) {
			out[n-1].Quantity.Add(&out[n-1].Quantity, e.orders[ent.ID].Remaining())
			out[n-1].Orders++
			return true
		}
		if levels > 0 && n == levels {
			return false
		}
		out = append(out, PriceLevel{Price: ent.Price, Quantity: *e.orders[ent.ID].Remaining(), Orders: 1})
		return true
	})
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		RestingBuys:  e.book.Bids().Len(),
		RestingSells: e.book.Asks().Len(),
		TotalOrders:  len(e.orders),
		NextOrderID:  e.nextID,
		LastEventSeq: e.lastSeq,
		EscrowFunds:  e.escrowFunds,
		EscrowTokens: e.escrowTokens,
		Settings:     e.settings,
	}
}

// Snapshot copies the complete book-keeping state.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := State{
		Orders:       make([]Order, 0, len(e.orders)),
		Bids:         e.book.Bids().IDs(0),
		Asks:         e.book.Asks().IDs(0),
		EscrowFunds:  e.escrowFunds,
		EscrowTokens: e.escrowTokens,
		NextOrderID:  e.nextID,
		LastEventSeq: e.lastSeq,
		Settings:     e.settings,
	}
	for _, o := range e.orders {
		st.Orders = append(st.Orders, *o)
	}
	sortOrders(st.Orders)
	return st
}

// CheckInvariants verifies ordering of both sequences, that they reference
// exactly the active orders, fill bounds, and that the escrow totals equal the
// sum of unfilled remainders.
func (e *Engine) CheckInvariants() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkInvariantsLocked()
}

func (e *Engine) checkInvariantsLocked() error {
	var funds, tokens uint256.Int
	seen := make(map[uint64]bool)

	for _, seq := range []*orderbook.Sequence{e.book.Bids(), e.book.Asks()} {
		var prev *orderbook.Entry
		var err error
		seq.Walk(func(ent orderbook.Entry) bool {
			o, ok := e.orders[ent.ID]
			switch {
			case !ok:
				err = fmt.Errorf("%w: %s entry %d has no order", ErrBookCorrupted, seq.Side(), ent.ID)
			case !o.Active || o.Side != seq.Side():
				err = fmt.Errorf("%w: %s entry %d is inactive or on the wrong side", ErrBookCorrupted, seq.Side(), ent.ID)
			case !o.Price.Eq(&ent.Price):
				err = fmt.Errorf("%w: entry %d price differs from order", ErrBookCorrupted, ent.ID)
			case prev != nil && !inOrder(seq.Side(), prev, &ent):
				err = fmt.Errorf("%w: %s sequence out of order at %d", ErrBookCorrupted, seq.Side(), ent.ID)
			}
			if err != nil {
				return false
			}
			seen[ent.ID] = true
			cur := ent
			prev = &cur
			return true
		})
		if err != nil {
			return err
		}
	}

	for id, o := range e.orders {
		if o.Filled.Gt(&o.Quantity) {
			return fmt.Errorf("%w: order %d filled beyond quantity", ErrBookCorrupted, id)
		}
		if o.Active != seen[id] {
			return fmt.Errorf("%w: order %d active=%v but in book=%v", ErrBookCorrupted, id, o.Active, seen[id])
		}
		if o.Active && o.Filled.Eq(&o.Quantity) {
			return fmt.Errorf("%w: filled order %d still active", ErrBookCorrupted, id)
		}
		if !o.Active {
			continue
		}
		if o.Side == Buy {
			owed, err := escrowFor(o)
			if err != nil {
				return err
			}
			funds.Add(&funds, owed)
		} else {
			tokens.Add(&tokens, o.Remaining())
		}
	}

	if !funds.Eq(&e.escrowFunds) {
		return fmt.Errorf("%w: fund escrow %s, active bids owe %s", ErrBookCorrupted, e.escrowFunds.Dec(), funds.Dec())
	}
	if !tokens.Eq(&e.escrowTokens) {
		return fmt.Errorf("%w: asset escrow %s, active asks hold %s", ErrBookCorrupted, e.escrowTokens.Dec(), tokens.Dec())
	}
	return nil
}

func inOrder(side Side, a, b *orderbook.Entry) bool {
	c := a.Price.Cmp(&b.Price)
	if c == 0 {
		return a.ID < b.ID
	}
	if side == Buy {
		return c > 0
	}
	return c < 0
}
