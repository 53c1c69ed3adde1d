package engine

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
)

// txn records what an operation changed so it can be undone. Bookkeeping is
// done in place on the live engine; ledger transfers are only collected and
// are applied as one set at commit.
type txn struct {
	op  string
	now int64

	book     *orderbook.Book  // copy-on-write snapshot taken at begin
	saved    map[uint64]Order // pre-operation copies of existing orders
	created  []uint64
	changed  []uint64
	nextID   uint64
	escrowF  uint256.Int
	escrowT  uint256.Int
	settings Settings

	transfers []account.Transfer
	events    []Event
}

func (e *Engine) begin(op string) *txn {
	return &txn{
		op:       op,
		now:      e.clock.Now().UnixMilli(),
		book:     e.book.Clone(),
		saved:    make(map[uint64]Order),
		nextID:   e.nextID,
		escrowF:  e.escrowFunds,
		escrowT:  e.escrowTokens,
		settings: e.settings,
	}
}

// touch must be called before an existing order is modified.
func (tx *txn) touch(o *Order) {
	if _, ok := tx.saved[o.ID]; ok {
		return
	}
	for _, id := range tx.created {
		if id == o.ID {
			return
		}
	}
	tx.saved[o.ID] = *o
	tx.changed = append(tx.changed, o.ID)
}

func (tx *txn) transfer(asset account.Asset, from, to common.Address, amount *uint256.Int, spender common.Address) {
	if amount.IsZero() {
		return
	}
	tx.transfers = append(tx.transfers, account.Transfer{
		Asset:   asset,
		From:    from,
		To:      to,
		Amount:  *amount,
		Spender: spender,
	})
}

func (tx *txn) emit(ev Event) {
	ev.Timestamp = tx.now
	tx.events = append(tx.events, ev)
}

// newOrder assigns the next id and registers the order. It is not yet in the book.
func (e *Engine) newOrder(tx *txn, owner common.Address, side Side, qty, price *uint256.Int) *Order {
	o := &Order{
		ID:        e.nextID,
		Owner:     owner,
		Side:      side,
		Quantity:  *qty,
		Price:     *price,
		Active:    true,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	e.nextID++
	e.orders[o.ID] = o
	e.byOwner[owner] = append(e.byOwner[owner], o.ID)
	tx.created = append(tx.created, o.ID)
	tx.changed = append(tx.changed, o.ID)
	return o
}

func (e *Engine) rollback(tx *txn) {
	e.book = tx.book
	for id, saved := range tx.saved {
		*e.orders[id] = saved
	}
	for i := len(tx.created) - 1; i >= 0; i-- {
		id := tx.created[i]
		o := e.orders[id]
		delete(e.orders, id)
		ids := e.byOwner[o.Owner]
		if n := len(ids); n > 0 && ids[n-1] == id {
			ids = ids[:n-1]
		}
		if len(ids) == 0 {
			delete(e.byOwner, o.Owner)
		} else {
			e.byOwner[o.Owner] = ids
		}
	}
	e.nextID = tx.nextID
	e.escrowFunds = tx.escrowF
	e.escrowTokens = tx.escrowT
	e.settings = tx.settings
}

// run executes fn as one atomic operation. The caller holds e.mu.
func (e *Engine) run(op string, fn func(tx *txn) error) error {
	if e.halted != nil {
		e.reject(op, e.halted)
		return e.halted
	}
	tx := e.begin(op)
	if err := fn(tx); err != nil {
		e.rollback(tx)
		e.reject(op, err)
		return err
	}
	return e.commit(tx)
}

func (e *Engine) reject(op string, err error) {
	metrics.Rejections.WithLabelValues(op, Category(err)).Inc()
	if errors.Is(err, ErrBookCorrupted) {
		e.log.Error("bookkeeping inconsistency, operation rolled back", zap.String("op", op), zap.Error(err))
		return
	}
	e.log.Warn("operation rolled back", zap.String("op", op), zap.Error(err))
}

// commit applies the collected transfers. If the ledger refuses, every
// bookkeeping change is undone and the ledger error is returned as ErrTransfer.
func (e *Engine) commit(tx *txn) error {
	if err := e.ledger.Apply(tx.transfers); err != nil {
		e.rollback(tx)
		err = fmt.Errorf("%w: %w", ErrTransfer, err)
		e.reject(tx.op, err)
		return err
	}

	for i := range tx.events {
		e.lastSeq++
		tx.events[i].Seq = e.lastSeq
	}
	e.observe(tx)
	e.updateGauges()

	if len(e.recorders) == 0 {
		return nil
	}
	rec := Record{
		Events:      tx.events,
		Orders:      make([]Order, 0, len(tx.changed)),
		Settings:    e.settings,
		NextOrderID: e.nextID,
	}
	for _, id := range tx.changed {
		rec.Orders = append(rec.Orders, *e.orders[id])
	}
	for _, nr := range e.recorders {
		err := nr.r.Record(rec)
		if err == nil {
			continue
		}
		metrics.RecorderErrors.WithLabelValues(nr.name).Inc()
		if nr.durable {
			// memory and ledger already hold the operation; the durable log does not
			e.halted = fmt.Errorf("%w: %s refused %s after commit: %w", ErrHalted, nr.name, tx.op, err)
			metrics.Halted.Set(1)
			e.log.Error("durable sink failed, engine halted",
				zap.String("sink", nr.name),
				zap.String("op", tx.op),
				zap.Uint64("last_seq", e.lastSeq),
				zap.Error(err))
			return e.halted
		}
		e.log.Error("audit sink failed", zap.String("sink", nr.name), zap.String("op", tx.op), zap.Error(err))
	}
	return nil
}

func (e *Engine) observe(tx *txn) {
	for i := range tx.events {
		ev := &tx.events[i]
		switch ev.Type {
		case EventOrderPlaced:
			metrics.OrdersPlaced.WithLabelValues(ev.Side.String()).Inc()
		case EventOrderCancelled:
			metrics.OrdersCancelled.WithLabelValues(ev.Side.String()).Inc()
		case EventTrade:
			metrics.Trades.Inc()
			e.log.Info("trade",
				zap.Uint64("buy_order_id", ev.BuyOrderID),
				zap.Uint64("sell_order_id", ev.SellOrderID),
				zap.String("qty", ev.Quantity.Dec()),
				zap.String("price", ev.Price.Dec()),
				zap.String("fee", ev.Fee.Dec()))
		}
	}
}
