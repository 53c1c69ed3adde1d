package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
)

func (e *Engine) checkPlacement(caller common.Address, qty, price *uint256.Int) error {
	if e.settings.Paused {
		return ErrPaused
	}
	if caller == (common.Address{}) {
		return ErrZeroAddress
	}
	if caller == e.custody {
		return ErrCustodyCaller
	}
	if qty.IsZero() || qty.Lt(&e.settings.MinOrderSize) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinOrderSize, qty.Dec(), e.settings.MinOrderSize.Dec())
	}
	if price.IsZero() {
		return ErrNonPositivePrice
	}
	return nil
}

// PlaceBuyOrder escrows quantity x price / Scale of the caller's funds, refunds
// whatever part of payment exceeds that, and matches against resting asks.
// The remainder, if any, rests in the book.
func (e *Engine) PlaceBuyOrder(caller common.Address, quantity, price, payment *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkPlacement(caller, quantity, price); err != nil {
		e.reject("place_buy", err)
		return 0, err
	}
	cost, err := quoteCost(quantity, price)
	if err != nil {
		e.reject("place_buy", err)
		return 0, err
	}
	if payment.Lt(cost) {
		err := fmt.Errorf("%w: paid %s, order costs %s", ErrInsufficientPayment, payment.Dec(), cost.Dec())
		e.reject("place_buy", err)
		return 0, err
	}
	if bal := e.ledger.FundBalance(caller); bal.Lt(payment) {
		err := fmt.Errorf("%w: have %s, attached %s", ErrInsufficientFunds, bal.Dec(), payment.Dec())
		e.reject("place_buy", err)
		return 0, err
	}

	var id uint64
	err = e.run("place_buy", func(tx *txn) error {
		tx.transfer(account.Funds, caller, e.custody, payment, common.Address{})
		tx.transfer(account.Funds, e.custody, caller, new(uint256.Int).Sub(payment, cost), common.Address{})
		if _, overflow := e.escrowFunds.AddOverflow(&e.escrowFunds, cost); overflow {
			return fmt.Errorf("%w: fund escrow", ErrAmountOverflow)
		}

		o := e.newOrder(tx, caller, Buy, quantity, price)
		id = o.ID
		return e.execute(tx, o)
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("buy order placed",
		zap.Uint64("order_id", id),
		zap.String("owner", caller.Hex()),
		zap.String("qty", quantity.Dec()),
		zap.String("price", price.Dec()))
	return id, nil
}

// PlaceSellOrder pulls quantity asset units into custody using the caller's
// allowance to the custody address, then matches against resting bids.
func (e *Engine) PlaceSellOrder(caller common.Address, quantity, price *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkPlacement(caller, quantity, price); err != nil {
		e.reject("place_sell", err)
		return 0, err
	}
	if _, err := quoteCost(quantity, price); err != nil {
		e.reject("place_sell", err)
		return 0, err
	}
	if bal := e.ledger.TokenBalance(caller); bal.Lt(quantity) {
		err := fmt.Errorf("%w: have %s, need %s", ErrInsufficientAssetBalance, bal.Dec(), quantity.Dec())
		e.reject("place_sell", err)
		return 0, err
	}
	if allowed := e.ledger.Allowance(caller, e.custody); allowed.Lt(quantity) {
		err := fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowed.Dec(), quantity.Dec())
		e.reject("place_sell", err)
		return 0, err
	}

	var id uint64
	err := e.run("place_sell", func(tx *txn) error {
		tx.transfer(account.Tokens, caller, e.custody, quantity, e.custody)
		if _, overflow := e.escrowTokens.AddOverflow(&e.escrowTokens, quantity); overflow {
			return fmt.Errorf("%w: asset escrow", ErrAmountOverflow)
		}

		o := e.newOrder(tx, caller, Sell, quantity, price)
		id = o.ID
		return e.execute(tx, o)
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("sell order placed",
		zap.Uint64("order_id", id),
		zap.String("owner", caller.Hex()),
		zap.String("qty", quantity.Dec()),
		zap.String("price", price.Dec()))
	return id, nil
}

// AddInitialLiquidity lists every custodial asset unit not already backing a
// sell order as one sell order owned by the administrator. It can run once.
func (e *Engine) AddInitialLiquidity(caller common.Address, price *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "seed"
	if err := e.seedable(caller, price); err != nil {
		e.reject(op, err)
		return 0, err
	}

	held := e.ledger.TokenBalance(e.custody)
	if held.Lt(&e.escrowTokens) {
		err := fmt.Errorf("%w: custody holds %s tokens, escrow is %s", ErrBookCorrupted, held.Dec(), e.escrowTokens.Dec())
		e.reject(op, err)
		return 0, err
	}
	free := new(uint256.Int).Sub(held, &e.escrowTokens)
	if free.IsZero() {
		e.reject(op, ErrNoLiquidity)
		return 0, ErrNoLiquidity
	}
	if _, err := quoteCost(free, price); err != nil {
		e.reject(op, err)
		return 0, err
	}

	var id uint64
	err := e.run(op, func(tx *txn) error {
		e.escrowTokens.Add(&e.escrowTokens, free)
		e.settings.Seeded = true

		o := e.newOrder(tx, caller, Sell, free, price)
		id = o.ID
		tx.emit(Event{
			Type:     EventInitialLiquidityAdded,
			OrderID:  o.ID,
			Owner:    caller,
			Side:     Sell,
			Quantity: free.Clone(),
			Price:    price.Clone(),
		})
		return e.execute(tx, o)
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("initial liquidity added",
		zap.Uint64("order_id", id),
		zap.String("qty", free.Dec()),
		zap.String("price", price.Dec()))
	return id, nil
}

func (e *Engine) seedable(caller common.Address, price *uint256.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if e.settings.Paused {
		return ErrPaused
	}
	if e.settings.Seeded {
		return ErrLiquiditySeeded
	}
	if price.IsZero() {
		return ErrNonPositivePrice
	}
	return nil
}

// execute announces a freshly registered order, matches it and rests
// whatever is left.
func (e *Engine) execute(tx *txn, o *Order) error {
	tx.emit(Event{
		Type:     EventOrderPlaced,
		OrderID:  o.ID,
		Owner:    o.Owner,
		Side:     o.Side,
		Quantity: o.Quantity.Clone(),
		Price:    o.Price.Clone(),
	})

	if err := e.match(tx, o); err != nil {
		return err
	}
	if o.Active {
		e.book.Side(o.Side).Insert(o.ID, &o.Price)
	}
	return nil
}
