package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

var (
	admin   = common.HexToAddress("0xAD00000000000000000000000000000000000000")
	custody = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	feeAddr = common.HexToAddress("0xFE00000000000000000000000000000000000000")
	alice   = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob     = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol   = common.HexToAddress("0xCA00000000000000000000000000000000000000")
)

// units parses a human decimal ("0.001") into 1e18 base units.
func units(t testing.TB, s string) *uint256.Int {
	t.Helper()
	v, err := util.ParseUnits(s)
	if err != nil {
		t.Fatalf("bad test amount %q: %v", s, err)
	}
	return v
}

// testLedger is an in-memory ledger that can be told to refuse a transfer set.
type testLedger struct {
	*account.Manager
	failOn func(ts []account.Transfer) error
}

func (l *testLedger) Apply(ts []account.Transfer) error {
	if l.failOn != nil {
		if err := l.failOn(ts); err != nil {
			return err
		}
	}
	return l.Manager.Apply(ts)
}

type capture struct {
	mu   sync.Mutex
	recs []Record
}

func (c *capture) Record(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
	return nil
}

func (c *capture) events(typ EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, r := range c.recs {
		for _, ev := range r.Events {
			if ev.Type == typ {
				out = append(out, ev)
			}
		}
	}
	return out
}

func (c *capture) reset() {
	c.mu.Lock()
	c.recs = nil
	c.mu.Unlock()
}

type fixture struct {
	eng    *Engine
	ledger *testLedger
	rec    *capture
}

func newFixture(t *testing.T, feeBps uint64) *fixture {
	t.Helper()
	mgr, err := account.NewManager(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ledger := &testLedger{Manager: mgr}
	eng, err := New(Config{
		Admin:        admin,
		Custody:      custody,
		FeeBps:       feeBps,
		FeeRecipient: feeAddr,
		Clock:        util.NewManualClock(time.Unix(1_700_000_000, 0)),
	}, ledger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	rec := &capture{}
	eng.AddRecorder("capture", rec)
	return &fixture{eng: eng, ledger: ledger, rec: rec}
}

func (f *fixture) fund(t *testing.T, who common.Address, funds, tokens string) {
	t.Helper()
	if funds != "" {
		if err := f.ledger.Deposit(who, units(t, funds)); err != nil {
			t.Fatal(err)
		}
	}
	if tokens != "" {
		if err := f.ledger.MintTokens(who, units(t, tokens)); err != nil {
			t.Fatal(err)
		}
		if err := f.ledger.Approve(who, custody, new(uint256.Int).SetAllOne()); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) buy(t *testing.T, who common.Address, qty, price, payment string) uint64 {
	t.Helper()
	id, err := f.eng.PlaceBuyOrder(who, units(t, qty), units(t, price), units(t, payment))
	if err != nil {
		t.Fatalf("buy %s @ %s: %v", qty, price, err)
	}
	return id
}

func (f *fixture) sell(t *testing.T, who common.Address, qty, price string) uint64 {
	t.Helper()
	id, err := f.eng.PlaceSellOrder(who, units(t, qty), units(t, price))
	if err != nil {
		t.Fatalf("sell %s @ %s: %v", qty, price, err)
	}
	return id
}

func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	if err := f.eng.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	st := f.eng.Stats()
	if held := f.ledger.FundBalance(custody); !held.Eq(&st.EscrowFunds) {
		t.Fatalf("custody funds %s != escrow %s", held.Dec(), st.EscrowFunds.Dec())
	}
}

func assertFunds(t *testing.T, l *testLedger, who common.Address, want *uint256.Int) {
	t.Helper()
	if got := l.FundBalance(who); !got.Eq(want) {
		t.Errorf("funds of %s = %s, want %s", who.Hex(), util.FormatUnits(got), util.FormatUnits(want))
	}
}

func assertTokens(t *testing.T, l *testLedger, who common.Address, want *uint256.Int) {
	t.Helper()
	if got := l.TokenBalance(who); !got.Eq(want) {
		t.Errorf("tokens of %s = %s, want %s", who.Hex(), util.FormatUnits(got), util.FormatUnits(want))
	}
}
