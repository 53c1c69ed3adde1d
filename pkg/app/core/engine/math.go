package engine

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

var bps = uint256.NewInt(bpsDenom)

// quoteCost is floor(qty * price / Scale).
func quoteCost(qty, price *uint256.Int) (*uint256.Int, error) {
	v, overflow := new(uint256.Int).MulDivOverflow(qty, price, Scale)
	if overflow {
		return nil, fmt.Errorf("%w: %s x %s", ErrAmountOverflow, qty.Dec(), price.Dec())
	}
	return v, nil
}

// escrowFor is the native currency held for a buy order's unfilled remainder.
func escrowFor(o *Order) (*uint256.Int, error) {
	return quoteCost(o.Remaining(), &o.Price)
}

// feeFor is floor(gross * feeBps / 10000).
func feeFor(gross *uint256.Int, feeBps uint64) *uint256.Int {
	// feeBps <= MaxFeeBps, so the 512-bit intermediate always fits the result
	fee, _ := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(feeBps), bps)
	return fee
}

func minAmount(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}
