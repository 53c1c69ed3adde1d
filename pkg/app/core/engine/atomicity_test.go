package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
)

var errLedgerDown = errors.New("ledger unavailable")

// failWhenPaying refuses any transfer set that pays funds to who.
func failWhenPaying(who common.Address) func([]account.Transfer) error {
	return func(ts []account.Transfer) error {
		for _, tr := range ts {
			if tr.Asset == account.Funds && tr.To == who {
				return errLedgerDown
			}
		}
		return nil
	}
}

func TestFailedFeeTransferRollsBackEverything(t *testing.T) {
	f := newFixture(t, 50)
	f.fund(t, alice, "100", "")
	f.fund(t, bob, "", "10")
	f.fund(t, carol, "", "10")

	f.sell(t, bob, "4", "1")
	f.sell(t, carol, "4", "1.1")
	f.buy(t, alice, "1", "0.5", "0.5")

	before := f.eng.Snapshot()
	aliceFunds := f.ledger.FundBalance(alice)
	f.rec.reset()

	f.ledger.failOn = failWhenPaying(feeAddr)
	_, err := f.eng.PlaceBuyOrder(alice, units(t, "8"), units(t, "1.2"), units(t, "9.6"))
	if !errors.Is(err, ErrTransfer) || !errors.Is(err, errLedgerDown) {
		t.Fatalf("got %v, want transfer error wrapping the ledger error", err)
	}

	after := f.eng.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed by failed operation:\nbefore %+v\nafter  %+v", before, after)
	}
	if got := f.ledger.FundBalance(alice); !got.Eq(aliceFunds) {
		t.Fatalf("alice funds %s, want %s", got.Dec(), aliceFunds.Dec())
	}
	if len(f.rec.recs) != 0 {
		t.Fatalf("rolled back operation emitted records: %+v", f.rec.recs)
	}
	f.checkInvariants(t)

	// the engine keeps working and reuses the id that was rolled back
	f.ledger.failOn = nil
	id := f.buy(t, alice, "8", "1.2", "9.6")
	if id != before.NextOrderID {
		t.Errorf("id %d, want %d", id, before.NextOrderID)
	}
	if ev := f.rec.events(EventOrderPlaced); len(ev) != 1 || ev[0].Seq != before.LastEventSeq+1 {
		t.Errorf("sequence numbers skipped: %+v", ev)
	}
	f.checkInvariants(t)
}

func TestFailedRefundRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "100", "")
	f.fund(t, bob, "", "10")

	f.sell(t, bob, "10", "1")
	before := f.eng.Snapshot()

	// paying exactly the cost at limit 2 leaves a price-improvement refund
	// to alice once the fill executes at 1
	f.ledger.failOn = failWhenPaying(alice)
	_, err := f.eng.PlaceBuyOrder(alice, units(t, "10"), units(t, "2"), units(t, "20"))
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("got %v", err)
	}
	if after := f.eng.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatal("state changed by failed operation")
	}
	assertFunds(t, f.ledger, alice, units(t, "100"))
	assertTokens(t, f.ledger, custody, units(t, "10"))
}

func TestFailedCancelRefundRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "100", "")

	id := f.buy(t, alice, "5", "1", "5")
	before := f.eng.Snapshot()

	f.ledger.failOn = failWhenPaying(alice)
	if err := f.eng.CancelOrder(alice, id); !errors.Is(err, ErrTransfer) {
		t.Fatalf("got %v", err)
	}
	if after := f.eng.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatal("state changed by failed cancel")
	}
	o, _ := f.eng.Order(id)
	if !o.Active {
		t.Fatal("order deactivated despite rollback")
	}

	f.ledger.failOn = nil
	if err := f.eng.CancelOrder(alice, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertFunds(t, f.ledger, alice, units(t, "100"))
}

func TestFailedSeedRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	f.ledger.MintTokens(custody, units(t, "10"))
	f.fund(t, alice, "100", "")
	f.buy(t, alice, "5", "1", "5")

	before := f.eng.Snapshot()
	f.ledger.failOn = failWhenPaying(admin)
	if _, err := f.eng.AddInitialLiquidity(admin, units(t, "1")); !errors.Is(err, ErrTransfer) {
		t.Fatalf("got %v", err)
	}
	if after := f.eng.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatal("seed left partial state")
	}
	if f.eng.Settings().Seeded {
		t.Fatal("seeded flag survived rollback")
	}
}

func TestRecorderFailureDoesNotUndoCommit(t *testing.T) {
	f := newFixture(t, 0)
	f.eng.AddRecorder("broken", RecorderFunc(func(Record) error { return errors.New("disk full") }))
	f.fund(t, alice, "10", "")

	id := f.buy(t, alice, "1", "1", "1")
	if _, err := f.eng.Order(id); err != nil {
		t.Fatalf("order lost after sink failure: %v", err)
	}
	if len(f.rec.events(EventOrderPlaced)) != 1 {
		t.Fatal("healthy sink missed the record")
	}
}

// dropFirst refuses its first record and afterwards behaves like latest.
type dropFirst struct {
	latest
	calls int
}

func (d *dropFirst) Record(r Record) error {
	d.calls++
	if d.calls == 1 {
		return errors.New("injected commit failure")
	}
	return d.latest.Record(r)
}

func TestDurableRecorderFailureHaltsEngine(t *testing.T) {
	f := newFixture(t, 0)
	journal := &dropFirst{latest: latest{orders: make(map[uint64]Order)}}
	f.eng.AddDurableRecorder("journal", journal)
	f.fund(t, alice, "10", "")
	f.fund(t, bob, "", "15")

	_, err := f.eng.PlaceSellOrder(bob, units(t, "5"), units(t, "1"))
	if !errors.Is(err, ErrHalted) || !errors.Is(err, ErrState) {
		t.Fatalf("got %v, want ErrHalted", err)
	}
	if f.eng.Halted() == nil {
		t.Fatal("engine not marked halted")
	}
	if len(f.rec.recs) != 0 {
		t.Fatalf("record refused by the journal reached other sinks: %+v", f.rec.recs)
	}

	before := f.eng.Snapshot()
	if _, err := f.eng.PlaceSellOrder(bob, units(t, "5"), units(t, "1")); !errors.Is(err, ErrHalted) {
		t.Errorf("sell after halt: %v", err)
	}
	if _, err := f.eng.PlaceBuyOrder(alice, units(t, "1"), units(t, "1"), units(t, "1")); !errors.Is(err, ErrHalted) {
		t.Errorf("buy after halt: %v", err)
	}
	if err := f.eng.CancelOrder(bob, before.Orders[0].ID); !errors.Is(err, ErrHalted) {
		t.Errorf("cancel after halt: %v", err)
	}
	if err := f.eng.Pause(admin); !errors.Is(err, ErrHalted) {
		t.Errorf("pause after halt: %v", err)
	}
	if after := f.eng.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatal("halted engine accepted a mutation")
	}
	assertTokens(t, f.ledger, custody, units(t, "5"))
	if journal.calls != 1 || len(journal.orders) != 0 {
		t.Errorf("journal saw %d calls, %d orders", journal.calls, len(journal.orders))
	}
}

func TestDurableRecordersRunFirst(t *testing.T) {
	f := newFixture(t, 0)
	var order []string
	note := func(name string) Recorder {
		return RecorderFunc(func(Record) error { order = append(order, name); return nil })
	}
	f.eng.AddRecorder("ws", note("ws"))
	f.eng.AddDurableRecorder("journal", note("journal"))
	f.eng.AddDurableRecorder("replica", note("replica"))
	f.fund(t, alice, "10", "")

	f.buy(t, alice, "1", "1", "1")
	if want := []string{"journal", "replica", "ws"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("recorder order = %v, want %v", order, want)
	}
	if f.eng.Halted() != nil {
		t.Fatal("healthy engine reports halted")
	}
}
