package engine

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type EventType string

const (
	EventOrderPlaced           EventType = "OrderPlaced"
	EventOrderFilled           EventType = "OrderFilled"
	EventTrade                 EventType = "Trade"
	EventOrderCancelled        EventType = "OrderCancelled"
	EventInitialLiquidityAdded EventType = "InitialLiquidityAdded"
	EventSettingsUpdated       EventType = "SettingsUpdated"
)

// Event is an audit record. Seq is assigned when the operation that produced
// it commits, so rolled-back operations never consume sequence numbers.
type Event struct {
	Seq       uint64
	Type      EventType
	Timestamp int64
	OrderID   uint64
	Owner     common.Address
	Side      Side
	Quantity  *uint256.Int
	Price     *uint256.Int // limit price; execution price on OrderFilled and Trade
	Remaining *uint256.Int // OrderFilled
	Refund    *uint256.Int // OrderCancelled: funds (buy) or assets (sell) returned

	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       common.Address
	Seller      common.Address
	TakerSide   Side
	Fee         *uint256.Int

	Setting string // SettingsUpdated
	Value   string
}

type eventJSON struct {
	Seq         uint64          `json:"seq"`
	Type        EventType       `json:"type"`
	Timestamp   int64           `json:"ts"`
	OrderID     uint64          `json:"orderId,omitempty"`
	Owner       *common.Address `json:"owner,omitempty"`
	Side        string          `json:"side,omitempty"`
	Quantity    string          `json:"quantity,omitempty"`
	Price       string          `json:"price,omitempty"`
	Remaining   string          `json:"remaining,omitempty"`
	Refund      string          `json:"refund,omitempty"`
	BuyOrderID  uint64          `json:"buyOrderId,omitempty"`
	SellOrderID uint64          `json:"sellOrderId,omitempty"`
	Buyer       *common.Address `json:"buyer,omitempty"`
	Seller      *common.Address `json:"seller,omitempty"`
	TakerSide   string          `json:"takerSide,omitempty"`
	Fee         string          `json:"fee,omitempty"`
	Setting     string          `json:"setting,omitempty"`
	Value       string          `json:"value,omitempty"`
}

func decString(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func parseDec(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return uint256.FromDecimal(s)
}

func addrPtr(a common.Address) *common.Address {
	if a == (common.Address{}) {
		return nil
	}
	return &a
}

func sideString(s Side) string {
	if s.Valid() {
		return s.String()
	}
	return ""
}

func parseSide(s string) (Side, error) {
	switch s {
	case "":
		return 0, nil
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// MarshalJSON encodes amounts as decimal strings of base units.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Seq:         e.Seq,
		Type:        e.Type,
		Timestamp:   e.Timestamp,
		OrderID:     e.OrderID,
		Owner:       addrPtr(e.Owner),
		Side:        sideString(e.Side),
		Quantity:    decString(e.Quantity),
		Price:       decString(e.Price),
		Remaining:   decString(e.Remaining),
		Refund:      decString(e.Refund),
		BuyOrderID:  e.BuyOrderID,
		SellOrderID: e.SellOrderID,
		Buyer:       addrPtr(e.Buyer),
		Seller:      addrPtr(e.Seller),
		TakerSide:   sideString(e.TakerSide),
		Fee:         decString(e.Fee),
		Setting:     e.Setting,
		Value:       e.Value,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Event{
		Seq:         raw.Seq,
		Type:        raw.Type,
		Timestamp:   raw.Timestamp,
		OrderID:     raw.OrderID,
		BuyOrderID:  raw.BuyOrderID,
		SellOrderID: raw.SellOrderID,
		Setting:     raw.Setting,
		Value:       raw.Value,
	}
	if raw.Owner != nil {
		out.Owner = *raw.Owner
	}
	if raw.Buyer != nil {
		out.Buyer = *raw.Buyer
	}
	if raw.Seller != nil {
		out.Seller = *raw.Seller
	}

	var err error
	if out.Side, err = parseSide(raw.Side); err != nil {
		return err
	}
	if out.TakerSide, err = parseSide(raw.TakerSide); err != nil {
		return err
	}

	amounts := []struct {
		src string
		dst **uint256.Int
	}{
		{raw.Quantity, &out.Quantity},
		{raw.Price, &out.Price},
		{raw.Remaining, &out.Remaining},
		{raw.Refund, &out.Refund},
		{raw.Fee, &out.Fee},
	}
	for _, a := range amounts {
		if *a.dst, err = parseDec(a.src); err != nil {
			return fmt.Errorf("event %d: %w", raw.Seq, err)
		}
	}

	*e = out
	return nil
}

// Record is everything one committed operation produced: its audit events,
// the post-operation copy of every order it created or changed, and the
// settings in force afterwards.
type Record struct {
	Events      []Event
	Orders      []Order
	Settings    Settings
	NextOrderID uint64
}

// Recorder receives each committed Record while the engine lock is held, so
// implementations must not call back into the engine and should not block.
type Recorder interface {
	Record(rec Record) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(rec Record) error

func (f RecorderFunc) Record(rec Record) error { return f(rec) }
