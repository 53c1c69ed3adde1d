package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/deployments
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "TokenBook")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local)
	VerifyingContract common.Address // Zero for off-chain signing
}

// Side values used in signed orders.
const (
	SideBuy  uint8 = 1
	SideSell uint8 = 2
)

// Admin actions accepted in a signed AdminAction.
const (
	ActionSetFee          = "set_fee"
	ActionSetFeeRecipient = "set_fee_recipient"
	ActionSetMinOrderSize = "set_min_order_size"
	ActionPause           = "pause"
	ActionUnpause         = "unpause"
	ActionSeed            = "seed"
)

// OrderEIP712 is the order a trader signs in their wallet.
// Quantity, price and payment are 1e18-scaled integers.
type OrderEIP712 struct {
	Side     uint8    // 1 = Buy, 2 = Sell
	Quantity *big.Int // Tokens to trade
	Price    *big.Int // Native units per whole token
	Payment  *big.Int // Native units escrowed by a buy, 0 for sells
	Nonce    *big.Int // Must exceed the account's last used nonce
	Deadline *big.Int // Unix seconds, 0 = no expiry
	Owner    common.Address
}

// CancelEIP712 represents a cancel order request for EIP-712 signing
type CancelEIP712 struct {
	OrderID  *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Owner    common.Address
}

// AdminEIP712 is a configuration change signed by the administrator.
// Value is a decimal integer, an address, or empty depending on Action.
type AdminEIP712 struct {
	Action   string
	Value    string
	Nonce    *big.Int
	Deadline *big.Int
	Owner    common.Address
}

// ApproveEIP712 authorizes Spender to move up to Amount tokens of Owner.
type ApproveEIP712 struct {
	Spender  common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Owner    common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var messageTypes = map[string][]apitypes.Type{
	"Order": {
		{Name: "side", Type: "uint8"},
		{Name: "quantity", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "payment", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
	"CancelOrder": {
		{Name: "orderId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
	"AdminAction": {
		{Name: "action", Type: "string"},
		{Name: "value", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
	"Approve": {
		{Name: "spender", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
}

// EIP712Signer handles EIP-712 typed data hashing, signing and recovery
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the default EIP-712 domain for TokenBook
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "TokenBook",
		Version:           "1",
		ChainID:           big.NewInt(1337), // Local dev chain
		VerifyingContract: common.Address{},
	}
}

// DomainWithChainID returns the default domain bound to chainID.
func DomainWithChainID(chainID int64) EIP712Domain {
	d := DefaultDomain()
	d.ChainID = big.NewInt(chainID)
	return d
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (o *OrderEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"side":     fmt.Sprintf("%d", o.Side),
		"quantity": bigString(o.Quantity),
		"price":    bigString(o.Price),
		"payment":  bigString(o.Payment),
		"nonce":    bigString(o.Nonce),
		"deadline": bigString(o.Deadline),
		"owner":    o.Owner.Hex(),
	}
}

func (c *CancelEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"orderId":  bigString(c.OrderID),
		"nonce":    bigString(c.Nonce),
		"deadline": bigString(c.Deadline),
		"owner":    c.Owner.Hex(),
	}
}

func (a *AdminEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"action":   a.Action,
		"value":    a.Value,
		"nonce":    bigString(a.Nonce),
		"deadline": bigString(a.Deadline),
		"owner":    a.Owner.Hex(),
	}
}

func (a *ApproveEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"spender":  a.Spender.Hex(),
		"amount":   bigString(a.Amount),
		"nonce":    bigString(a.Nonce),
		"deadline": bigString(a.Deadline),
		"owner":    a.Owner.Hex(),
	}
}

func (e *EIP712Signer) typedData(primaryType string, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryType:    messageTypes[primaryType],
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// hash computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func (e *EIP712Signer) hash(primaryType string, msg apitypes.TypedDataMessage) ([]byte, error) {
	typedData := e.typedData(primaryType, msg)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// HashOrder returns the EIP-712 digest of an order.
// Returns the digest that should be signed
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	return e.hash("Order", order.message())
}

// HashCancel hashes a cancel request.
func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) ([]byte, error) {
	return e.hash("CancelOrder", cancel.message())
}

// HashAdmin hashes an admin action.
func (e *EIP712Signer) HashAdmin(action *AdminEIP712) ([]byte, error) {
	return e.hash("AdminAction", action.message())
}

// HashApprove hashes an allowance grant.
func (e *EIP712Signer) HashApprove(approve *ApproveEIP712) ([]byte, error) {
	return e.hash("Approve", approve.message())
}

func sign(signer *Signer, hash []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// SignOrder signs an order and returns the signature
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	return sign(signer, hash, err)
}

func (e *EIP712Signer) SignCancel(signer *Signer, cancel *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(cancel)
	return sign(signer, hash, err)
}

func (e *EIP712Signer) SignAdmin(signer *Signer, action *AdminEIP712) ([]byte, error) {
	hash, err := e.HashAdmin(action)
	return sign(signer, hash, err)
}

func (e *EIP712Signer) SignApprove(signer *Signer, approve *ApproveEIP712) ([]byte, error) {
	hash, err := e.HashApprove(approve)
	return sign(signer, hash, err)
}

// verify reports whether signature over hash was produced by owner.
func verify(hash []byte, hashErr error, signature []byte, owner common.Address) (bool, error) {
	if hashErr != nil {
		return false, hashErr
	}
	recoveredAddr, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recoveredAddr == owner, nil
}

// VerifyOrderSignature verifies that an order signature is valid
// Returns true if signature matches the order and claimed owner
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	hash, err := e.HashOrder(order)
	return verify(hash, err, signature, order.Owner)
}

// VerifyCancelSignature verifies that a cancel order signature is valid
func (e *EIP712Signer) VerifyCancelSignature(cancel *CancelEIP712, signature []byte) (bool, error) {
	hash, err := e.HashCancel(cancel)
	return verify(hash, err, signature, cancel.Owner)
}

func (e *EIP712Signer) VerifyAdminSignature(action *AdminEIP712, signature []byte) (bool, error) {
	hash, err := e.HashAdmin(action)
	return verify(hash, err, signature, action.Owner)
}

func (e *EIP712Signer) VerifyApproveSignature(approve *ApproveEIP712, signature []byte) (bool, error) {
	hash, err := e.HashApprove(approve)
	return verify(hash, err, signature, approve.Owner)
}

// RecoverOrderSigner recovers the address that signed an order
// Useful for extracting owner from signature without prior knowledge
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// OrderToJSON converts an order to JSON for frontend/wallet signing
// MetaMask and other wallets use this format for eth_signTypedData_v4
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	jsonBytes, err := json.MarshalIndent(e.typedData("Order", order.message()), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}

// SideToUint8 converts "buy"/"sell" to the signed side value.
func SideToUint8(side string) uint8 {
	switch side {
	case "buy", "BUY":
		return SideBuy
	case "sell", "SELL":
		return SideSell
	default:
		return 0
	}
}

// Uint8ToSide converts a signed side value back to "buy"/"sell".
func Uint8ToSide(side uint8) string {
	switch side {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}
