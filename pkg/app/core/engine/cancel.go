package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
)

// CancelOrder deactivates an order and returns the escrow backing its
// unfilled remainder: funds for a buy, asset units for a sell.
func (e *Engine) CancelOrder(caller common.Address, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "cancel"
	o, ok := e.orders[orderID]
	switch {
	case !ok:
		err := fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		e.reject(op, err)
		return err
	case o.Owner != caller:
		err := fmt.Errorf("%w: order %d", ErrNotOwner, orderID)
		e.reject(op, err)
		return err
	case !o.Active:
		err := fmt.Errorf("%w: order %d is %s", ErrOrderNotActive, orderID, o.Status())
		e.reject(op, err)
		return err
	}

	var refund *uint256.Int
	err := e.run(op, func(tx *txn) error {
		remaining := o.Remaining()

		if o.Side == Buy {
			owed, err := escrowFor(o)
			if err != nil {
				return err
			}
			if e.escrowFunds.Lt(owed) {
				return fmt.Errorf("%w: fund escrow %s below order %d's %s", ErrBookCorrupted, e.escrowFunds.Dec(), o.ID, owed.Dec())
			}
			e.escrowFunds.Sub(&e.escrowFunds, owed)
			refund = owed
		} else {
			if e.escrowTokens.Lt(remaining) {
				return fmt.Errorf("%w: asset escrow %s below order %d's %s", ErrBookCorrupted, e.escrowTokens.Dec(), o.ID, remaining.Dec())
			}
			e.escrowTokens.Sub(&e.escrowTokens, remaining)
			refund = remaining
		}

		tx.touch(o)
		if !e.book.Side(o.Side).Remove(o.ID, &o.Price) {
			return fmt.Errorf("%w: active order %d missing from book", ErrBookCorrupted, o.ID)
		}
		o.Active = false
		o.Cancelled = true
		o.UpdatedAt = tx.now

		asset := account.Tokens
		if o.Side == Buy {
			asset = account.Funds
		}
		tx.transfer(asset, e.custody, o.Owner, refund, common.Address{})

		tx.emit(Event{
			Type:     EventOrderCancelled,
			OrderID:  o.ID,
			Owner:    o.Owner,
			Side:     o.Side,
			Quantity: remaining,
			Price:    o.Price.Clone(),
			Refund:   refund.Clone(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("order cancelled",
		zap.Uint64("order_id", orderID),
		zap.String("owner", caller.Hex()),
		zap.String("refund", refund.Dec()))
	return nil
}
