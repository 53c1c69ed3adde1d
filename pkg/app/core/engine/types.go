package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/app/core/orderbook"
)

type Side = orderbook.Side

const (
	Buy  = orderbook.Buy
	Sell = orderbook.Sell
)

const (
	// MaxFeeBps caps the trading fee at 10%.
	MaxFeeBps = 1000
	bpsDenom  = 10000
)

// Scale is the fixed-point unit for prices: a price of Scale means one unit of
// native currency per unit of asset.
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

// Ledger moves custody balances. Apply must be all-or-nothing: either every
// transfer in the set lands or none does.
type Ledger interface {
	Apply(transfers []account.Transfer) error
	FundBalance(addr common.Address) *uint256.Int
	TokenBalance(addr common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
}

type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
)

// Order is a limit order. Quantity and Filled are asset base units; Price is
// native base units per Scale asset units.
type Order struct {
	ID        uint64
	Owner     common.Address
	Side      Side
	Quantity  uint256.Int
	Filled    uint256.Int
	Price     uint256.Int
	Active    bool
	Cancelled bool
	CreatedAt int64 // unix millis
	UpdatedAt int64
}

func (o *Order) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(&o.Quantity, &o.Filled)
}

func (o *Order) Status() Status {
	switch {
	case o.Cancelled:
		return StatusCancelled
	case o.Filled.Eq(&o.Quantity):
		return StatusFilled
	case o.Filled.IsZero():
		return StatusOpen
	default:
		return StatusPartiallyFilled
	}
}

// Settings are the admin-controlled parameters.
type Settings struct {
	FeeBps       uint64
	FeeRecipient common.Address
	MinOrderSize uint256.Int
	Paused       bool
	Seeded       bool
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price    uint256.Int
	Quantity uint256.Int
	Orders   int
}

type Stats struct {
	RestingBuys  int
	RestingSells int
	TotalOrders  int
	NextOrderID  uint64
	LastEventSeq uint64
	EscrowFunds  uint256.Int
	EscrowTokens uint256.Int
	Settings     Settings
}

// State is a full copy of the engine's book-keeping. Two States compare equal
// with reflect.DeepEqual exactly when the engine is in the same state.
type State struct {
	Orders       []Order // ascending id
	Bids         []uint64
	Asks         []uint64
	EscrowFunds  uint256.Int
	EscrowTokens uint256.Int
	NextOrderID  uint64
	LastEventSeq uint64
	Settings     Settings
}
