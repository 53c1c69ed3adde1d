package transaction

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/crypto"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

var (
	ErrMalformed        = errors.New("malformed transaction")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("transaction deadline passed")
)

// NonceTracker consumes per-account nonces. The account ledger implements it.
type NonceTracker interface {
	UseNonce(addr common.Address, nonce uint64) error
}

// Intent is a verified transaction in engine terms.
type Intent struct {
	Type   TxType
	Signer common.Address
	Nonce  uint64

	// order
	Side     string
	Quantity *uint256.Int
	Price    *uint256.Int
	Payment  *uint256.Int

	// cancel
	OrderID uint64

	// admin
	Action string
	Value  string

	// approve
	Spender common.Address
	Amount  *uint256.Int
}

// Verifier handles transaction signature verification
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
	nonces       NonceTracker
	clock        util.Clock
}

// NewVerifier creates a new transaction verifier. nonces may be nil, in
// which case replay protection is left to the caller.
func NewVerifier(domain crypto.EIP712Domain, nonces NonceTracker, clock util.Clock) *Verifier {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Verifier{
		eip712Signer: crypto.NewEIP712Signer(domain),
		nonces:       nonces,
		clock:        clock,
	}
}

// Verify checks structure, signature, deadline and nonce, in that order, and
// consumes the nonce on success.
func (v *Verifier) Verify(tx *SignedTransaction) (*Intent, error) {
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var (
		intent   *Intent
		nonce    *big.Int
		deadline *big.Int
		valid    bool
	)
	switch tx.Type {
	case TxTypeOrder:
		order, err := tx.Order.ToEIP712Order()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if valid, err = v.eip712Signer.VerifyOrderSignature(order, sig); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		intent = &Intent{Signer: order.Owner, Side: tx.Order.Side}
		if intent.Quantity, err = toUint256("quantity", order.Quantity); err != nil {
			return nil, err
		}
		if intent.Price, err = toUint256("price", order.Price); err != nil {
			return nil, err
		}
		if intent.Payment, err = toUint256("payment", order.Payment); err != nil {
			return nil, err
		}
		nonce, deadline = order.Nonce, order.Deadline

	case TxTypeCancel:
		cancel, err := tx.Cancel.ToEIP712Cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if valid, err = v.eip712Signer.VerifyCancelSignature(cancel, sig); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		if !cancel.OrderID.IsUint64() {
			return nil, fmt.Errorf("%w: order id out of range", ErrMalformed)
		}
		intent = &Intent{Signer: cancel.Owner, OrderID: cancel.OrderID.Uint64()}
		nonce, deadline = cancel.Nonce, cancel.Deadline

	case TxTypeAdmin:
		action, err := tx.Admin.ToEIP712Admin()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if valid, err = v.eip712Signer.VerifyAdminSignature(action, sig); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		intent = &Intent{Signer: action.Owner, Action: action.Action, Value: action.Value}
		nonce, deadline = action.Nonce, action.Deadline

	case TxTypeApprove:
		approve, err := tx.Approve.ToEIP712Approve()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if valid, err = v.eip712Signer.VerifyApproveSignature(approve, sig); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		intent = &Intent{Signer: approve.Owner, Spender: approve.Spender}
		if intent.Amount, err = toUint256("amount", approve.Amount); err != nil {
			return nil, err
		}
		nonce, deadline = approve.Nonce, approve.Deadline

	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrMalformed, tx.Type)
	}

	if !valid {
		return nil, fmt.Errorf("%w: signer is not %s", ErrInvalidSignature, intent.Signer.Hex())
	}
	intent.Type = tx.Type

	if deadline.Sign() > 0 && deadline.Cmp(big.NewInt(v.clock.Now().Unix())) <= 0 {
		return nil, fmt.Errorf("%w: deadline %s", ErrExpired, deadline)
	}

	if !nonce.IsUint64() {
		return nil, fmt.Errorf("%w: nonce out of range", ErrMalformed)
	}
	intent.Nonce = nonce.Uint64()
	if v.nonces != nil {
		if err := v.nonces.UseNonce(intent.Signer, intent.Nonce); err != nil {
			return nil, err
		}
	}
	return intent, nil
}

func toUint256(field string, v *big.Int) (*uint256.Int, error) {
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows 256 bits", ErrMalformed, field)
	}
	return out, nil
}

// RecoverSigner recovers the address that signed an order transaction
// without checking it against the claimed owner.
func (v *Verifier) RecoverSigner(tx *SignedTransaction) (common.Address, error) {
	if tx.Type != TxTypeOrder || tx.Order == nil {
		return common.Address{}, fmt.Errorf("%w: not an order transaction", ErrMalformed)
	}
	order, err := tx.Order.ToEIP712Order()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v.eip712Signer.RecoverOrderSigner(order, sig)
}
