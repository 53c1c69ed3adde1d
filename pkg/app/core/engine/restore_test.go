package engine

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/tokenbook/pkg/util"
)

// latest keeps the newest copy of every order, the way the journal does.
type latest struct {
	orders   map[uint64]Order
	settings Settings
	nextID   uint64
	lastSeq  uint64
}

func (l *latest) Record(r Record) error {
	for _, o := range r.Orders {
		l.orders[o.ID] = o
	}
	l.settings = r.Settings
	l.nextID = r.NextOrderID
	if n := len(r.Events); n > 0 {
		l.lastSeq = r.Events[n-1].Seq
	}
	return nil
}

func TestRestoreRebuildsBook(t *testing.T) {
	f := newFixture(t, 25)
	sink := &latest{orders: make(map[uint64]Order)}
	f.eng.AddRecorder("latest", sink)

	f.fund(t, alice, "1000", "")
	f.fund(t, bob, "", "1000")
	f.ledger.MintTokens(custody, units(t, "50"))

	f.eng.AddInitialLiquidity(admin, units(t, "3"))
	f.buy(t, alice, "10", "1", "10")
	f.buy(t, alice, "10", "1.5", "15")
	f.sell(t, bob, "12", "1.2")
	f.sell(t, bob, "7", "2")
	id := f.buy(t, alice, "3", "0.9", "2.7")
	f.eng.CancelOrder(alice, id)
	f.eng.SetMinOrderSize(admin, units(t, "0.5"))
	want := f.eng.Snapshot()

	orders := make([]Order, 0, len(sink.orders))
	for _, o := range sink.orders {
		orders = append(orders, o)
	}

	restored, err := New(Config{
		Admin:   admin,
		Custody: custody,
		Clock:   util.NewManualClock(time.Unix(1_700_000_000, 0)),
	}, f.ledger)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Restore(orders, sink.settings, sink.nextID, sink.lastSeq); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := restored.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("restored state differs:\ngot  %+v\nwant %+v", got, want)
	}

	// restoring twice is refused
	if err := restored.Restore(orders, sink.settings, sink.nextID, sink.lastSeq); err == nil {
		t.Fatal("second restore accepted")
	}

	// the restored engine keeps matching
	f.fund(t, carol, "100", "")
	if _, err := restored.PlaceBuyOrder(carol, units(t, "7"), units(t, "2"), units(t, "14")); err != nil {
		t.Fatal(err)
	}
	if err := restored.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreRejectsCorruptState(t *testing.T) {
	f := newFixture(t, 0)
	bad := Order{ID: 1, Owner: alice, Side: Buy, Active: true}
	bad.Quantity.SetUint64(5)
	bad.Filled.SetUint64(6)

	if err := f.eng.Restore([]Order{bad}, Settings{}, 2, 0); err == nil {
		t.Fatal("overfilled order accepted")
	}

	f2 := newFixture(t, 0)
	done := Order{ID: 1, Owner: alice, Side: Sell, Active: true}
	done.Quantity.SetUint64(5)
	done.Filled.SetUint64(5)
	done.Price.SetUint64(1)
	if err := f2.eng.Restore([]Order{done}, Settings{}, 2, 0); err == nil {
		t.Fatal("filled but active order accepted")
	}
}

func TestRestoreReportsCustodyMismatch(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "10", "")
	f.buy(t, alice, "2", "1", "2")
	f.ledger.MintTokens(custody, units(t, "15"))

	restore := func(settings Settings) []observer.LoggedEntry {
		t.Helper()
		core, logs := observer.New(zap.WarnLevel)
		eng, err := New(Config{Admin: admin, Custody: custody, Logger: zap.New(core)}, f.ledger)
		if err != nil {
			t.Fatal(err)
		}
		// nothing reached the journal, so custody holds value no order explains
		if err := eng.Restore(nil, settings, 1, 0); err != nil {
			t.Fatalf("restore: %v", err)
		}
		return logs.FilterMessage("custody does not match escrow").All()
	}

	levels := func(entries []observer.LoggedEntry) map[string]string {
		out := make(map[string]string)
		for _, e := range entries {
			ctx := e.ContextMap()
			if ctx["drift"] != "surplus" {
				t.Errorf("drift = %v", ctx["drift"])
			}
			out[ctx["asset"].(string)] = e.Level.String()
		}
		return out
	}

	// unseeded asset surplus may be liquidity waiting to be listed
	got := levels(restore(Settings{}))
	if want := map[string]string{"funds": "error", "tokens": "warn"}; !reflect.DeepEqual(got, want) {
		t.Errorf("unseeded: %v, want %v", got, want)
	}
	got = levels(restore(Settings{Seeded: true}))
	if want := map[string]string{"funds": "error", "tokens": "error"}; !reflect.DeepEqual(got, want) {
		t.Errorf("seeded: %v, want %v", got, want)
	}
}

func TestEventJSON(t *testing.T) {
	ev := Event{
		Seq:         7,
		Type:        EventTrade,
		Timestamp:   1700000000000,
		Quantity:    units(t, "60"),
		Price:       units(t, "0.001"),
		BuyOrderID:  2,
		SellOrderID: 1,
		Buyer:       alice,
		Seller:      bob,
		TakerSide:   Buy,
		Fee:         units(t, "0"),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	if raw["quantity"] != "60000000000000000000" || raw["takerSide"] != "buy" {
		t.Fatalf("wire form = %s", data)
	}
	if _, ok := raw["owner"]; ok {
		t.Errorf("zero owner should be omitted: %s", data)
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, ev) {
		t.Fatalf("round trip:\ngot  %+v\nwant %+v", back, ev)
	}
}
