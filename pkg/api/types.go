package api

import (
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// Amount carries a 1e18-scaled integer together with its human decimal form.
type Amount struct {
	Raw   string `json:"raw"`   // base units, e.g. "1000000000000000"
	Value string `json:"value"` // human decimal, e.g. "0.001"
}

func newAmount(v *uint256.Int) Amount {
	if v == nil {
		v = new(uint256.Int)
	}
	return Amount{Raw: v.Dec(), Value: util.FormatUnits(v)}
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Bids       []PriceLevel `json:"bids"` // Sorted high to low
	Asks       []PriceLevel `json:"asks"` // Sorted low to high
	BuyOrders  []OrderInfo  `json:"buyOrders"`
	SellOrders []OrderInfo  `json:"sellOrders"`
	Seq        uint64       `json:"seq"`       // last event applied to this view
	Timestamp  int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel represents aggregated resting quantity at one price
type PriceLevel struct {
	Price  Amount `json:"price"`
	Size   Amount `json:"size"`
	Orders int    `json:"orders"`
}

// BestPrices is the top of book. A side with no resting orders is omitted.
type BestPrices struct {
	BestBid *Amount `json:"bestBid,omitempty"`
	BestAsk *Amount `json:"bestAsk,omitempty"`
}

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID        uint64 `json:"id"`
	Owner     string `json:"owner"`
	Side      string `json:"side"` // "buy" or "sell"
	Price     Amount `json:"price"`
	Quantity  Amount `json:"quantity"`
	Filled    Amount `json:"filled"`
	Remaining Amount `json:"remaining"`
	Active    bool   `json:"active"`
	Status    string `json:"status"`    // "open", "partially_filled", "filled", "cancelled"
	CreatedAt int64  `json:"createdAt"` // Unix milliseconds
	UpdatedAt int64  `json:"updatedAt"`
}

func newOrderInfo(o engine.Order) OrderInfo {
	return OrderInfo{
		ID:        o.ID,
		Owner:     o.Owner.Hex(),
		Side:      o.Side.String(),
		Price:     newAmount(&o.Price),
		Quantity:  newAmount(&o.Quantity),
		Filled:    newAmount(&o.Filled),
		Remaining: newAmount(o.Remaining()),
		Active:    o.Active,
		Status:    string(o.Status()),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func newOrderInfos(orders []engine.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = newOrderInfo(o)
	}
	return out
}

func newPriceLevels(levels []engine.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i := range levels {
		out[i] = PriceLevel{
			Price:  newAmount(&levels[i].Price),
			Size:   newAmount(&levels[i].Quantity),
			Orders: levels[i].Orders,
		}
	}
	return out
}

// AccountInfo represents custody balances of one address
type AccountInfo struct {
	Address          string `json:"address"`
	Nonce            uint64 `json:"nonce"`
	Funds            Amount `json:"funds"`            // native currency
	Tokens           Amount `json:"tokens"`           // tokenized asset
	CustodyAllowance Amount `json:"custodyAllowance"` // tokens the engine may escrow
	OpenOrders       int    `json:"openOrders"`
}

// MarketStats summarizes engine state and settings
type MarketStats struct {
	RestingBuys  int    `json:"restingBuys"`
	RestingSells int    `json:"restingSells"`
	TotalOrders  int    `json:"totalOrders"`
	NextOrderID  uint64 `json:"nextOrderId"`
	LastEventSeq uint64 `json:"lastEventSeq"`
	EscrowFunds  Amount `json:"escrowFunds"`
	EscrowTokens Amount `json:"escrowTokens"`
	FeeBps       uint64 `json:"feeBps"`
	FeeRecipient string `json:"feeRecipient"`
	MinOrderSize Amount `json:"minOrderSize"`
	Paused       bool   `json:"paused"`
	Seeded       bool   `json:"seeded"`
	Admin        string `json:"admin"`
	Custody      string `json:"custody"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "event" or "book"
	Channel string      `json:"channel"` // "book", "trades", "account:0x..."
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["book", "trades", "account:0x..."]
}

// BookUpdate is broadcast on the book channel after every committed operation
type BookUpdate struct {
	Seq  uint64       `json:"seq"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// ==============================
// REST Request Types
// ==============================

// Orders, cancels, admin actions and approvals are signed JSON transactions
// (EIP-712). See pkg/app/core/transaction/types.go.

// FaucetRequest credits test balances on a dev node. Amounts are human decimals.
type FaucetRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
	Funds   string `json:"funds" validate:"omitempty,numeric"`
	Tokens  string `json:"tokens" validate:"omitempty,numeric"`
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string     `json:"status"` // "accepted"
	OrderID uint64     `json:"orderId"`
	Order   *OrderInfo `json:"order,omitempty"`
}

// ActionResponse acknowledges cancels, admin actions, approvals and faucet credits
type ActionResponse struct {
	Status  string `json:"status"`
	OrderID uint64 `json:"orderId,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}
