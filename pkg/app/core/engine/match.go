package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/app/core/orderbook"
)

// match walks the opposite sequence from its head while prices cross.
// Every fill executes at the resting order's price.
func (e *Engine) match(tx *txn, taker *Order) error {
	resting := e.book.Side(taker.Side.Opposite())

	for {
		remaining := taker.Remaining()
		if remaining.IsZero() {
			return nil
		}
		head, ok := resting.Head()
		if !ok {
			return nil
		}

		maker := e.orders[head.ID]
		if maker == nil || !maker.Active || maker.Side != resting.Side() || !maker.Price.Eq(&head.Price) {
			return fmt.Errorf("%w: book entry %d does not name an active %s order", ErrBookCorrupted, head.ID, resting.Side())
		}
		if !orderbook.Crosses(taker.Side, &taker.Price, &maker.Price) {
			return nil
		}

		qty := minAmount(remaining, maker.Remaining())
		if qty.IsZero() {
			return fmt.Errorf("%w: resting order %d has nothing left to fill", ErrBookCorrupted, maker.ID)
		}
		if err := e.settle(tx, taker, maker, qty); err != nil {
			return err
		}
	}
}

// settle books one fill. Counters, escrow totals and book removal are all
// final before any transfer is queued; the queued transfers only reach the
// ledger when the whole operation commits.
func (e *Engine) settle(tx *txn, taker, maker *Order, qty *uint256.Int) error {
	buy, sell := taker, maker
	if taker.Side == Sell {
		buy, sell = maker, taker
	}
	price := &maker.Price

	gross, err := quoteCost(qty, price)
	if err != nil {
		return err
	}
	fee := feeFor(gross, e.settings.FeeBps)
	net := new(uint256.Int).Sub(gross, fee)

	// The buyer escrowed at its own limit; what the fill releases beyond the
	// gross paid to the seller goes back to the buyer.
	heldBefore, err := escrowFor(buy)
	if err != nil {
		return err
	}

	tx.touch(buy)
	tx.touch(sell)
	buy.Filled.Add(&buy.Filled, qty)
	sell.Filled.Add(&sell.Filled, qty)
	buy.UpdatedAt = tx.now
	sell.UpdatedAt = tx.now

	heldAfter, err := escrowFor(buy)
	if err != nil {
		return err
	}
	released := new(uint256.Int).Sub(heldBefore, heldAfter)
	if released.Lt(gross) {
		return fmt.Errorf("%w: order %d releases %s for a fill costing %s", ErrBookCorrupted, buy.ID, released.Dec(), gross.Dec())
	}
	refund := new(uint256.Int).Sub(released, gross)

	if e.escrowFunds.Lt(released) || e.escrowTokens.Lt(qty) {
		return fmt.Errorf("%w: escrow underflow settling orders %d/%d", ErrBookCorrupted, buy.ID, sell.ID)
	}
	e.escrowFunds.Sub(&e.escrowFunds, released)
	e.escrowTokens.Sub(&e.escrowTokens, qty)

	for _, o := range []*Order{maker, taker} {
		if !o.Remaining().IsZero() {
			continue
		}
		o.Active = false
		if o == maker && !e.book.Side(o.Side).Remove(o.ID, &o.Price) {
			return fmt.Errorf("%w: filled order %d missing from book", ErrBookCorrupted, o.ID)
		}
	}

	none := common.Address{}
	tx.transfer(account.Tokens, e.custody, buy.Owner, qty, none)
	tx.transfer(account.Funds, e.custody, sell.Owner, net, none)
	tx.transfer(account.Funds, e.custody, e.settings.FeeRecipient, fee, none)
	tx.transfer(account.Funds, e.custody, buy.Owner, refund, none)

	for _, o := range []*Order{maker, taker} {
		tx.emit(Event{
			Type:      EventOrderFilled,
			OrderID:   o.ID,
			Owner:     o.Owner,
			Side:      o.Side,
			Quantity:  qty.Clone(),
			Price:     price.Clone(),
			Remaining: o.Remaining(),
		})
	}
	tx.emit(Event{
		Type:        EventTrade,
		Quantity:    qty.Clone(),
		Price:       price.Clone(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Buyer:       buy.Owner,
		Seller:      sell.Owner,
		TakerSide:   taker.Side,
		Fee:         fee,
	})
	return nil
}
