package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/uhyunpark/tokenbook/pkg/crypto"
)

// TxType represents the type of transaction
type TxType string

const (
	TxTypeOrder   TxType = "order"   // Place order (signed)
	TxTypeCancel  TxType = "cancel"  // Cancel order (signed)
	TxTypeAdmin   TxType = "admin"   // Admin configuration change (signed by admin)
	TxTypeApprove TxType = "approve" // Token allowance grant
)

// SignedTransaction is a request plus the EIP-712 signature over its payload.
// The payload matching Type is required.
type SignedTransaction struct {
	Type      TxType          `json:"type" validate:"required,oneof=order cancel admin approve"`
	Order     *OrderPayload   `json:"order,omitempty" validate:"required_if=Type order"`
	Cancel    *CancelPayload  `json:"cancel,omitempty" validate:"required_if=Type cancel"`
	Admin     *AdminPayload   `json:"admin,omitempty" validate:"required_if=Type admin"`
	Approve   *ApprovePayload `json:"approve,omitempty" validate:"required_if=Type approve"`
	Signature string          `json:"signature" validate:"required"` // Hex-encoded signature (0x...)
}

// Amounts are decimal integers of 1e18-scaled base units.
type OrderPayload struct {
	Side     string `json:"side" validate:"required,oneof=buy sell"`
	Quantity string `json:"quantity" validate:"required,number"`
	Price    string `json:"price" validate:"required,number"`
	Payment  string `json:"payment" validate:"omitempty,number"` // buy escrow, empty for sells
	Nonce    string `json:"nonce" validate:"required,number"`
	Deadline string `json:"deadline" validate:"omitempty,number"` // Unix seconds (0 = no expiry)
	Owner    string `json:"owner" validate:"required,eth_addr"`
}

// CancelPayload contains order cancellation data
type CancelPayload struct {
	OrderID  string `json:"order_id" validate:"required,number"`
	Nonce    string `json:"nonce" validate:"required,number"`
	Deadline string `json:"deadline" validate:"omitempty,number"`
	Owner    string `json:"owner" validate:"required,eth_addr"`
}

// AdminPayload carries one configuration change.
type AdminPayload struct {
	Action   string `json:"action" validate:"required,oneof=set_fee set_fee_recipient set_min_order_size pause unpause seed"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce" validate:"required,number"`
	Deadline string `json:"deadline" validate:"omitempty,number"`
	Owner    string `json:"owner" validate:"required,eth_addr"`
}

type ApprovePayload struct {
	Spender  string `json:"spender" validate:"required,eth_addr"`
	Amount   string `json:"amount" validate:"required,number"`
	Nonce    string `json:"nonce" validate:"required,number"`
	Deadline string `json:"deadline" validate:"omitempty,number"`
	Owner    string `json:"owner" validate:"required,eth_addr"`
}

var validate = validator.New()

func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %s", field, s)
	}
	return v, nil
}

func dec(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ToEIP712Order converts OrderPayload to crypto.OrderEIP712 for signing/verification
func (o *OrderPayload) ToEIP712Order() (*crypto.OrderEIP712, error) {
	side := crypto.SideToUint8(o.Side)
	if side == 0 {
		return nil, fmt.Errorf("invalid side: %s", o.Side)
	}
	qty, err := parseBig("quantity", o.Quantity)
	if err != nil {
		return nil, err
	}
	price, err := parseBig("price", o.Price)
	if err != nil {
		return nil, err
	}
	payment, err := parseBig("payment", o.Payment)
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig("nonce", o.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseBig("deadline", o.Deadline)
	if err != nil {
		return nil, err
	}

	return &crypto.OrderEIP712{
		Side:     side,
		Quantity: qty,
		Price:    price,
		Payment:  payment,
		Nonce:    nonce,
		Deadline: deadline,
		Owner:    common.HexToAddress(o.Owner),
	}, nil
}

// FromEIP712Order converts crypto.OrderEIP712 to OrderPayload
func FromEIP712Order(order *crypto.OrderEIP712) *OrderPayload {
	return &OrderPayload{
		Side:     crypto.Uint8ToSide(order.Side),
		Quantity: dec(order.Quantity),
		Price:    dec(order.Price),
		Payment:  dec(order.Payment),
		Nonce:    dec(order.Nonce),
		Deadline: dec(order.Deadline),
		Owner:    order.Owner.Hex(),
	}
}

func (c *CancelPayload) ToEIP712Cancel() (*crypto.CancelEIP712, error) {
	id, err := parseBig("order_id", c.OrderID)
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig("nonce", c.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseBig("deadline", c.Deadline)
	if err != nil {
		return nil, err
	}
	return &crypto.CancelEIP712{OrderID: id, Nonce: nonce, Deadline: deadline, Owner: common.HexToAddress(c.Owner)}, nil
}

func FromEIP712Cancel(c *crypto.CancelEIP712) *CancelPayload {
	return &CancelPayload{
		OrderID:  dec(c.OrderID),
		Nonce:    dec(c.Nonce),
		Deadline: dec(c.Deadline),
		Owner:    c.Owner.Hex(),
	}
}

func (a *AdminPayload) ToEIP712Admin() (*crypto.AdminEIP712, error) {
	nonce, err := parseBig("nonce", a.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseBig("deadline", a.Deadline)
	if err != nil {
		return nil, err
	}
	return &crypto.AdminEIP712{
		Action:   a.Action,
		Value:    a.Value,
		Nonce:    nonce,
		Deadline: deadline,
		Owner:    common.HexToAddress(a.Owner),
	}, nil
}

func FromEIP712Admin(a *crypto.AdminEIP712) *AdminPayload {
	return &AdminPayload{
		Action:   a.Action,
		Value:    a.Value,
		Nonce:    dec(a.Nonce),
		Deadline: dec(a.Deadline),
		Owner:    a.Owner.Hex(),
	}
}

func (a *ApprovePayload) ToEIP712Approve() (*crypto.ApproveEIP712, error) {
	amount, err := parseBig("amount", a.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig("nonce", a.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseBig("deadline", a.Deadline)
	if err != nil {
		return nil, err
	}
	return &crypto.ApproveEIP712{
		Spender:  common.HexToAddress(a.Spender),
		Amount:   amount,
		Nonce:    nonce,
		Deadline: deadline,
		Owner:    common.HexToAddress(a.Owner),
	}, nil
}

func FromEIP712Approve(a *crypto.ApproveEIP712) *ApprovePayload {
	return &ApprovePayload{
		Spender:  a.Spender.Hex(),
		Amount:   dec(a.Amount),
		Nonce:    dec(a.Nonce),
		Deadline: dec(a.Deadline),
		Owner:    a.Owner.Hex(),
	}
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into SignedTransaction
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate performs structural validation (field presence and formats).
// Signatures are checked by the Verifier.
func (tx *SignedTransaction) Validate() error {
	if err := validate.Struct(tx); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}
	return nil
}

// ParseTransaction decodes and validates a JSON transaction.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Example (signed order):
//   {
//     "type": "order",
//     "order": {
//       "side": "buy",
//       "quantity": "100000000000000000000",
//       "price": "1000000000000000",
//       "payment": "100000000000000000",
//       "nonce": "1",
//       "deadline": "0",
//       "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
//     },
//     "signature": "0x1234567890abcdef..."
//   }
