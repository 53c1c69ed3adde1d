package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core/transaction"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

// sign-order builds a signed request body for the node's API.
//
//	sign-order -type order -side buy -qty 4 -price 0.01 -nonce 1
//	sign-order -type cancel -order-id 7 -nonce 2
//	sign-order -type approve -spender 0x...c0De -amount 100 -nonce 3
//	sign-order -type admin -action set_fee -value 25 -nonce 4
//
// The key comes from -key or SIGNER_KEY; without either a fresh one is
// generated and printed to stderr.
func main() {
	var (
		txType   = flag.String("type", "order", "order | cancel | approve | admin")
		keyHex   = flag.String("key", os.Getenv("SIGNER_KEY"), "hex private key")
		chainID  = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		nonce    = flag.Uint64("nonce", 1, "must exceed the account's last used nonce")
		ttl      = flag.Duration("ttl", 0, "deadline relative to now, 0 = no expiry")
		side     = flag.String("side", "buy", "buy | sell")
		qty      = flag.String("qty", "", "token quantity, decimal")
		price    = flag.String("price", "", "native units per whole token, decimal")
		payment  = flag.String("payment", "", "buy escrow, decimal (default qty x price)")
		orderID  = flag.Uint64("order-id", 0, "order to cancel")
		spender  = flag.String("spender", "", "address allowed to pull tokens")
		amount   = flag.String("amount", "", "allowance, decimal")
		action   = flag.String("action", "", "admin action")
		value    = flag.String("value", "", "admin action argument")
		endpoint = flag.String("api", "http://localhost:8080", "node API base URL for the hint line")
	)
	flag.Parse()

	key, err := loadKey(*keyHex)
	if err != nil {
		fatalf("key: %v", err)
	}

	deadline := new(big.Int)
	if *ttl > 0 {
		deadline.SetInt64(time.Now().Add(*ttl).Unix())
	}
	n := new(big.Int).SetUint64(*nonce)
	eip := crypto.NewEIP712Signer(crypto.DomainWithChainID(*chainID))

	var (
		tx   *transaction.SignedTransaction
		path string
	)
	switch *txType {
	case "order":
		order, err := buildOrder(*side, *qty, *price, *payment)
		if err != nil {
			fatalf("order: %v", err)
		}
		order.Nonce, order.Deadline, order.Owner = n, deadline, key.Address()
		tx, err = transaction.SignOrder(eip, key, order)
		if err != nil {
			fatalf("sign: %v", err)
		}
		path = "/api/v1/orders"

	case "cancel":
		if *orderID == 0 {
			fatalf("cancel: -order-id is required")
		}
		tx, err = transaction.SignCancel(eip, key, &crypto.CancelEIP712{
			OrderID:  new(big.Int).SetUint64(*orderID),
			Nonce:    n,
			Deadline: deadline,
			Owner:    key.Address(),
		})
		if err != nil {
			fatalf("sign: %v", err)
		}
		path = "/api/v1/orders/cancel"

	case "approve":
		if !common.IsHexAddress(*spender) {
			fatalf("approve: -spender must be a hex address")
		}
		amt, err := util.ParseUnits(*amount)
		if err != nil {
			fatalf("approve: amount: %v", err)
		}
		tx, err = transaction.SignApprove(eip, key, &crypto.ApproveEIP712{
			Spender:  common.HexToAddress(*spender),
			Amount:   amt.ToBig(),
			Nonce:    n,
			Deadline: deadline,
			Owner:    key.Address(),
		})
		if err != nil {
			fatalf("sign: %v", err)
		}
		path = "/api/v1/approve"

	case "admin":
		if *action == "" {
			fatalf("admin: -action is required")
		}
		tx, err = transaction.SignAdmin(eip, key, &crypto.AdminEIP712{
			Action:   *action,
			Value:    *value,
			Nonce:    n,
			Deadline: deadline,
			Owner:    key.Address(),
		})
		if err != nil {
			fatalf("sign: %v", err)
		}
		path = "/api/v1/admin"

	default:
		fatalf("unknown -type %q", *txType)
	}

	if err := tx.Validate(); err != nil {
		fatalf("request does not validate: %v", err)
	}
	out, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		fatalf("marshal: %v", err)
	}
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "signer %s\nPOST %s%s\n", key.Address().Hex(), strings.TrimRight(*endpoint, "/"), path)
}

func loadKey(keyHex string) (*crypto.Signer, error) {
	if keyHex != "" {
		return crypto.FromPrivateKeyHex(keyHex)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "generated key %s (KEEP SECRET!)\n", key.PrivateKeyHex())
	return key, nil
}

// buildOrder converts human decimals to base units. A buy without -payment
// escrows exactly qty x price.
func buildOrder(side, qty, price, payment string) (*crypto.OrderEIP712, error) {
	q, err := util.ParseUnits(qty)
	if err != nil {
		return nil, fmt.Errorf("qty: %w", err)
	}
	p, err := util.ParseUnits(price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	s := crypto.SideToUint8(side)
	if s == 0 {
		return nil, fmt.Errorf("side must be buy or sell")
	}

	pay := new(uint256.Int)
	switch {
	case payment != "":
		if pay, err = util.ParseUnits(payment); err != nil {
			return nil, fmt.Errorf("payment: %w", err)
		}
	case s == crypto.SideBuy:
		prod, overflow := new(uint256.Int).MulOverflow(q, p)
		if overflow {
			return nil, fmt.Errorf("qty x price overflows")
		}
		pay.Div(prod, uint256.NewInt(1e18))
	}

	return &crypto.OrderEIP712{
		Side:     s,
		Quantity: q.ToBig(),
		Price:    p.ToBig(),
		Payment:  pay.ToBig(),
	}, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
