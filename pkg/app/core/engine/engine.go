package engine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

type Config struct {
	Admin   common.Address
	Custody common.Address // ledger address that holds escrow

	FeeBps       uint64
	FeeRecipient common.Address // defaults to Admin
	MinOrderSize *uint256.Int   // nil means 1 base unit

	Logger *zap.Logger
	Clock  util.Clock
}

// Engine is a single-pair limit order book. All mutating operations take the
// write lock and run to completion; a failure anywhere, including in the
// ledger, restores the exact pre-operation state.
type Engine struct {
	mu sync.RWMutex

	admin   common.Address
	custody common.Address
	ledger  Ledger
	log     *zap.Logger
	clock   util.Clock

	book    *orderbook.Book
	orders  map[uint64]*Order
	byOwner map[common.Address][]uint64
	nextID  uint64
	lastSeq uint64

	escrowFunds  uint256.Int // sum of buy remainders x price / Scale
	escrowTokens uint256.Int // sum of sell remainders

	settings  Settings
	recorders []namedRecorder
	halted    error
}

type namedRecorder struct {
	name    string
	r       Recorder
	durable bool
}

func New(cfg Config, ledger Ledger) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("engine: nil ledger")
	}
	if cfg.Admin == (common.Address{}) || cfg.Custody == (common.Address{}) {
		return nil, fmt.Errorf("engine: admin and custody are required: %w", ErrZeroAddress)
	}
	if cfg.Admin == cfg.Custody {
		return nil, fmt.Errorf("engine: admin and custody must differ")
	}
	if cfg.FeeRecipient == cfg.Custody {
		return nil, fmt.Errorf("engine: fee recipient cannot be the custody address")
	}
	if cfg.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("engine: %w", ErrFeeTooHigh)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}

	e := &Engine{
		admin:   cfg.Admin,
		custody: cfg.Custody,
		ledger:  ledger,
		log:     cfg.Logger.Named("engine"),
		clock:   cfg.Clock,
		book:    orderbook.New(),
		orders:  make(map[uint64]*Order),
		byOwner: make(map[common.Address][]uint64),
		nextID:  1,
	}
	e.settings.FeeBps = cfg.FeeBps
	e.settings.FeeRecipient = cfg.FeeRecipient
	if e.settings.FeeRecipient == (common.Address{}) {
		e.settings.FeeRecipient = cfg.Admin
	}
	if cfg.MinOrderSize != nil && !cfg.MinOrderSize.IsZero() {
		e.settings.MinOrderSize = *cfg.MinOrderSize
	} else {
		e.settings.MinOrderSize.SetOne()
	}
	return e, nil
}

// AddRecorder registers an audit sink. Sinks see records in commit order.
// A failing sink is counted and logged.
func (e *Engine) AddRecorder(name string, r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorders = append(e.recorders, namedRecorder{name: name, r: r})
}

// AddDurableRecorder registers a sink that must accept every record. Durable
// sinks run ahead of all others. When one fails, the remaining sinks are
// skipped, the caller gets ErrHalted and the engine refuses further mutations.
func (e *Engine) AddDurableRecorder(name string, r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := 0
	for i < len(e.recorders) && e.recorders[i].durable {
		i++
	}
	e.recorders = append(e.recorders, namedRecorder{})
	copy(e.recorders[i+1:], e.recorders[i:])
	e.recorders[i] = namedRecorder{name: name, r: r, durable: true}
}

// Halted returns the error that halted the engine, or nil.
func (e *Engine) Halted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

func (e *Engine) Admin() common.Address   { return e.admin }
func (e *Engine) Custody() common.Address { return e.custody }

// Restore loads persisted state into a fresh engine. Active orders are put
// back in the book, escrow totals are recomputed from their remainders and the
// result is checked against the book invariants.
func (e *Engine) Restore(orders []Order, settings Settings, nextID, lastSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.orders) != 0 {
		return fmt.Errorf("restore: engine already holds %d orders", len(e.orders))
	}

	sorted := make([]Order, len(orders))
	copy(sorted, orders)
	sortOrders(sorted)

	for i := range sorted {
		o := sorted[i]
		if _, dup := e.orders[o.ID]; dup {
			return fmt.Errorf("restore: duplicate order id %d", o.ID)
		}
		if !o.Side.Valid() {
			return fmt.Errorf("restore: order %d has invalid side", o.ID)
		}
		if o.Filled.Gt(&o.Quantity) {
			return fmt.Errorf("restore: order %d overfilled", o.ID)
		}
		e.orders[o.ID] = &o
		e.byOwner[o.Owner] = append(e.byOwner[o.Owner], o.ID)
		if o.ID >= nextID {
			nextID = o.ID + 1
		}
		if !o.Active {
			continue
		}
		e.book.Side(o.Side).Insert(o.ID, &o.Price)
		if o.Side == Buy {
			owed, err := escrowFor(&o)
			if err != nil {
				return fmt.Errorf("restore: order %d: %w", o.ID, err)
			}
			e.escrowFunds.Add(&e.escrowFunds, owed)
		} else {
			e.escrowTokens.Add(&e.escrowTokens, o.Remaining())
		}
	}

	if nextID == 0 {
		nextID = 1
	}
	e.nextID = nextID
	e.lastSeq = lastSeq
	e.settings = settings
	if e.settings.FeeRecipient == (common.Address{}) {
		e.settings.FeeRecipient = e.admin
	}

	if err := e.checkInvariantsLocked(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	e.reconcileCustody()

	e.updateGauges()
	e.log.Info("engine restored",
		zap.Int("orders", len(e.orders)),
		zap.Int("bids", e.book.Bids().Len()),
		zap.Int("asks", e.book.Asks().Len()),
		zap.Uint64("next_id", e.nextID),
		zap.Uint64("last_seq", e.lastSeq))
	return nil
}

// reconcileCustody reports any difference between what custody holds and what
// the restored orders say it should hold. A surplus means value reached
// custody without a durable record of the order backing it. Before seeding,
// an asset surplus may also be liquidity waiting to be listed, so it is only
// logged as a warning.
func (e *Engine) reconcileCustody() {
	check := func(asset string, held, escrow *uint256.Int, seedable bool) {
		if held.Eq(escrow) {
			return
		}
		drift := "shortfall"
		if held.Gt(escrow) {
			drift = "surplus"
		}
		metrics.CustodyMismatch.WithLabelValues(asset, drift).Inc()
		level := zap.ErrorLevel
		if seedable && drift == "surplus" {
			level = zap.WarnLevel
		}
		e.log.Log(level, "custody does not match escrow",
			zap.String("asset", asset),
			zap.String("drift", drift),
			zap.String("held", held.Dec()),
			zap.String("escrow", escrow.Dec()))
	}
	check("funds", e.ledger.FundBalance(e.custody), &e.escrowFunds, false)
	check("tokens", e.ledger.TokenBalance(e.custody), &e.escrowTokens, !e.settings.Seeded)
}

func (e *Engine) updateGauges() {
	metrics.RestingOrders.WithLabelValues(Buy.String()).Set(float64(e.book.Bids().Len()))
	metrics.RestingOrders.WithLabelValues(Sell.String()).Set(float64(e.book.Asks().Len()))
}
