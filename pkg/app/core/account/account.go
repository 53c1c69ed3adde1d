package account

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Asset selects which balance a transfer moves.
type Asset uint8

const (
	// Funds is the chain's native currency, in 1e-18 units.
	Funds Asset = iota + 1
	// Tokens is the traded asset token, in 1e-18 units.
	Tokens
)

func (a Asset) String() string {
	switch a {
	case Funds:
		return "funds"
	case Tokens:
		return "tokens"
	default:
		return "unknown"
	}
}

// Account is a custody ledger entry keyed by EVM address.
type Account struct {
	Address common.Address
	Nonce   uint64 // last signed-request nonce consumed

	Funds  uint256.Int
	Tokens uint256.Int

	// Allowances[spender] is how many tokens spender may pull from this account.
	Allowances map[common.Address]*uint256.Int
}

func NewAccount(addr common.Address) *Account {
	return &Account{
		Address:    addr,
		Allowances: make(map[common.Address]*uint256.Int),
	}
}

func (a *Account) Balance(asset Asset) *uint256.Int {
	if asset == Funds {
		return &a.Funds
	}
	return &a.Tokens
}

// Allowance returns the allowance granted to spender (zero if none).
func (a *Account) Allowance(spender common.Address) *uint256.Int {
	if v, ok := a.Allowances[spender]; ok {
		return v
	}
	return new(uint256.Int)
}

// Clone deep-copies the account so a pending transfer set can be staged on it.
func (a *Account) Clone() *Account {
	c := &Account{
		Address:    a.Address,
		Nonce:      a.Nonce,
		Funds:      a.Funds,
		Tokens:     a.Tokens,
		Allowances: make(map[common.Address]*uint256.Int, len(a.Allowances)),
	}
	for k, v := range a.Allowances {
		c.Allowances[k] = v.Clone()
	}
	return c
}

// Transfer is one leg of an atomic transfer set. When Spender is non-zero the
// token leg draws down From's allowance to Spender.
type Transfer struct {
	Asset   Asset
	From    common.Address
	To      common.Address
	Amount  uint256.Int
	Spender common.Address
}
