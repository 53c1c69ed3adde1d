package engine

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the engine wraps exactly one.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrState         = errors.New("state error")
	ErrTransfer      = errors.New("transfer error")
)

var (
	ErrBelowMinOrderSize        = fmt.Errorf("%w: quantity below minimum order size", ErrValidation)
	ErrNonPositivePrice         = fmt.Errorf("%w: price must be positive", ErrValidation)
	ErrInsufficientPayment      = fmt.Errorf("%w: insufficient payment", ErrValidation)
	ErrInsufficientFunds        = fmt.Errorf("%w: insufficient fund balance", ErrValidation)
	ErrInsufficientAssetBalance = fmt.Errorf("%w: insufficient asset balance", ErrValidation)
	ErrInsufficientAllowance    = fmt.Errorf("%w: asset transfer not authorized", ErrValidation)
	ErrFeeTooHigh               = fmt.Errorf("%w: fee exceeds 1000 bps", ErrValidation)
	ErrZeroAddress              = fmt.Errorf("%w: zero address", ErrValidation)
	ErrAmountOverflow           = fmt.Errorf("%w: amount overflows 256 bits", ErrValidation)
	ErrCustodyCaller            = fmt.Errorf("%w: custody address cannot place orders", ErrValidation)

	ErrNotOwner = fmt.Errorf("%w: not the order owner", ErrAuthorization)
	ErrNotAdmin = fmt.Errorf("%w: caller is not the administrator", ErrAuthorization)

	ErrOrderNotFound   = fmt.Errorf("%w: order not found", ErrState)
	ErrOrderNotActive  = fmt.Errorf("%w: order not active", ErrState)
	ErrPaused          = fmt.Errorf("%w: trading paused", ErrState)
	ErrLiquiditySeeded = fmt.Errorf("%w: initial liquidity already added", ErrState)
	ErrNoLiquidity     = fmt.Errorf("%w: no custodial assets to seed", ErrState)

	// ErrHalted is returned once a durable recorder has refused a committed
	// record. Memory and ledger are ahead of the durable log from then on, so
	// every later mutation is refused until the node is restarted.
	ErrHalted = fmt.Errorf("%w: engine halted", ErrState)

	// ErrBookCorrupted signals a bookkeeping inconsistency. The operation that
	// hit it is rolled back and the condition is logged at error level.
	ErrBookCorrupted = fmt.Errorf("%w: order book inconsistency", ErrState)
)

// Category names the category an error belongs to, for metrics and API mapping.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, ErrState):
		return "state"
	default:
		return "internal"
	}
}
