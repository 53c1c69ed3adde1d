package transaction

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

var start = time.Unix(1_700_000_000, 0)

func setup(t *testing.T) (*Verifier, *crypto.EIP712Signer, *crypto.Signer, *util.ManualClock) {
	t.Helper()
	ledger, err := account.NewManager(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	clock := util.NewManualClock(start)
	domain := crypto.DefaultDomain()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return NewVerifier(domain, ledger, clock), crypto.NewEIP712Signer(domain), key, clock
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func buyOrder(owner common.Address, nonce int64) *crypto.OrderEIP712 {
	return &crypto.OrderEIP712{
		Side:     crypto.SideBuy,
		Quantity: eth(100),
		Price:    big.NewInt(1e15),
		Payment:  big.NewInt(1e17),
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(0),
		Owner:    owner,
	}
}

func TestVerifyOrder(t *testing.T) {
	v, eip, key, _ := setup(t)

	tx, err := SignOrder(eip, key, buyOrder(key.Address(), 1))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Round trip through JSON, as the API receives it.
	raw, err := tx.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseTransaction(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	intent, err := v.Verify(parsed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if intent.Type != TxTypeOrder || intent.Signer != key.Address() || intent.Side != "buy" {
		t.Errorf("intent = %+v", intent)
	}
	if intent.Quantity.Dec() != eth(100).String() {
		t.Errorf("quantity = %s", intent.Quantity.Dec())
	}
	if intent.Price.Uint64() != 1e15 || intent.Payment.Uint64() != 1e17 || intent.Nonce != 1 {
		t.Errorf("price/payment/nonce = %s/%s/%d", intent.Price.Dec(), intent.Payment.Dec(), intent.Nonce)
	}

	// Replaying the same signed order is rejected.
	if _, err := v.Verify(parsed); !errors.Is(err, account.ErrNonceUsed) {
		t.Errorf("replay err = %v, want ErrNonceUsed", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, eip, key, clock := setup(t)
	other, _ := crypto.GenerateKey()

	tests := []struct {
		name  string
		build func() *SignedTransaction
		want  error
	}{
		{
			name: "tampered price",
			build: func() *SignedTransaction {
				tx, _ := SignOrder(eip, key, buyOrder(key.Address(), 1))
				tx.Order.Price = "2000000000000000"
				return tx
			},
			want: ErrInvalidSignature,
		},
		{
			name: "claims another owner",
			build: func() *SignedTransaction {
				tx, _ := SignOrder(eip, other, buyOrder(key.Address(), 1))
				return tx
			},
			want: ErrInvalidSignature,
		},
		{
			name: "expired",
			build: func() *SignedTransaction {
				o := buyOrder(key.Address(), 1)
				o.Deadline = big.NewInt(clock.Now().Add(-time.Second).Unix())
				tx, _ := SignOrder(eip, key, o)
				return tx
			},
			want: ErrExpired,
		},
		{
			name: "missing payload",
			build: func() *SignedTransaction {
				return &SignedTransaction{Type: TxTypeCancel, Signature: "0x00"}
			},
			want: ErrMalformed,
		},
		{
			name: "bad side",
			build: func() *SignedTransaction {
				tx, _ := SignOrder(eip, key, buyOrder(key.Address(), 1))
				tx.Order.Side = "hold"
				return tx
			},
			want: ErrMalformed,
		},
		{
			name: "negative quantity",
			build: func() *SignedTransaction {
				tx, _ := SignOrder(eip, key, buyOrder(key.Address(), 1))
				tx.Order.Quantity = "-5"
				return tx
			},
			want: ErrMalformed,
		},
		{
			name: "short signature",
			build: func() *SignedTransaction {
				tx, _ := SignOrder(eip, key, buyOrder(key.Address(), 1))
				tx.Signature = "0xdeadbeef"
				return tx
			},
			want: ErrMalformed,
		},
		{
			name: "unknown admin action",
			build: func() *SignedTransaction {
				tx, _ := SignAdmin(eip, key, &crypto.AdminEIP712{Action: "mint", Nonce: big.NewInt(1), Owner: key.Address()})
				return tx
			},
			want: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.build())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyDeadlineInFuture(t *testing.T) {
	v, eip, key, clock := setup(t)

	o := buyOrder(key.Address(), 1)
	o.Deadline = big.NewInt(clock.Now().Add(time.Minute).Unix())
	tx, _ := SignOrder(eip, key, o)

	if _, err := v.Verify(tx); err != nil {
		t.Fatalf("verify before deadline: %v", err)
	}

	o.Nonce = big.NewInt(2)
	tx, _ = SignOrder(eip, key, o)
	clock.Advance(2 * time.Minute)
	if _, err := v.Verify(tx); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyCancelAdminApprove(t *testing.T) {
	v, eip, key, _ := setup(t)
	spender := common.HexToAddress("0xcc")

	cancel, _ := SignCancel(eip, key, &crypto.CancelEIP712{
		OrderID: big.NewInt(42), Nonce: big.NewInt(1), Deadline: big.NewInt(0), Owner: key.Address(),
	})
	intent, err := v.Verify(cancel)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if intent.OrderID != 42 || intent.Type != TxTypeCancel {
		t.Errorf("cancel intent = %+v", intent)
	}

	admin, _ := SignAdmin(eip, key, &crypto.AdminEIP712{
		Action: crypto.ActionSetFee, Value: "25", Nonce: big.NewInt(2), Deadline: big.NewInt(0), Owner: key.Address(),
	})
	intent, err = v.Verify(admin)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if intent.Action != crypto.ActionSetFee || intent.Value != "25" {
		t.Errorf("admin intent = %+v", intent)
	}

	approve, _ := SignApprove(eip, key, &crypto.ApproveEIP712{
		Spender: spender, Amount: eth(5), Nonce: big.NewInt(3), Deadline: big.NewInt(0), Owner: key.Address(),
	})
	intent, err = v.Verify(approve)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if intent.Spender != spender || intent.Amount.Dec() != eth(5).String() {
		t.Errorf("approve intent = %+v", intent)
	}

	// Nonces are shared across request types.
	stale, _ := SignCancel(eip, key, &crypto.CancelEIP712{
		OrderID: big.NewInt(1), Nonce: big.NewInt(3), Deadline: big.NewInt(0), Owner: key.Address(),
	})
	if _, err := v.Verify(stale); !errors.Is(err, account.ErrNonceUsed) {
		t.Errorf("stale nonce err = %v, want ErrNonceUsed", err)
	}
}

func TestRecoverSigner(t *testing.T) {
	v, eip, key, _ := setup(t)
	tx, _ := SignOrder(eip, key, buyOrder(key.Address(), 7))

	addr, err := v.RecoverSigner(tx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if addr != key.Address() {
		t.Errorf("recovered %s, want %s", addr.Hex(), key.Address().Hex())
	}
}
