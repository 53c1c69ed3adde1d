package engine

import (
	"testing"
)

func TestPartialFillLeavesBuyResting(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "1000", "")
	f.fund(t, bob, "", "60")

	sellID := f.sell(t, bob, "60", "2")
	f.rec.reset()
	buyID := f.buy(t, alice, "100", "2", "200")

	trades := f.rec.events(EventTrade)
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	tr := trades[0]
	if !tr.Quantity.Eq(units(t, "60")) || tr.BuyOrderID != buyID || tr.SellOrderID != sellID {
		t.Fatalf("trade = %+v", tr)
	}
	if fills := f.rec.events(EventOrderFilled); len(fills) != 2 {
		t.Fatalf("got %d fill events, want one per side", len(fills))
	}

	sell, _ := f.eng.Order(sellID)
	if sell.Active || sell.Status() != StatusFilled {
		t.Errorf("sell order should be filled and inactive: %+v", sell)
	}
	if asks := f.eng.SellOrders(0); len(asks) != 0 {
		t.Errorf("asks left in book: %v", asks)
	}

	buy, _ := f.eng.Order(buyID)
	if !buy.Active || !buy.Remaining().Eq(units(t, "40")) || buy.Status() != StatusPartiallyFilled {
		t.Errorf("buy order = %+v", buy)
	}
	bids := f.eng.BuyOrders(0)
	if len(bids) != 1 || bids[0].ID != buyID {
		t.Errorf("bids = %+v", bids)
	}

	assertTokens(t, f.ledger, alice, units(t, "60"))
	assertFunds(t, f.ledger, bob, units(t, "120"))
	assertFunds(t, f.ledger, custody, units(t, "80"))
	f.checkInvariants(t)
}

func TestExecutesAtMakerPrice(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "100", "")
	f.fund(t, bob, "", "10")

	f.sell(t, bob, "10", "1")
	f.rec.reset()
	buyID := f.buy(t, alice, "10", "1.5", "15")

	trades := f.rec.events(EventTrade)
	if len(trades) != 1 || !trades[0].Price.Eq(units(t, "1")) {
		t.Fatalf("trade executed at %v, want maker price 1", trades[0].Price)
	}
	if trades[0].TakerSide != Buy {
		t.Errorf("taker side = %s", trades[0].TakerSide)
	}

	// escrowed 15 at the buyer's limit, paid 10 at the maker's price
	assertFunds(t, f.ledger, alice, units(t, "90"))
	assertFunds(t, f.ledger, bob, units(t, "10"))
	assertFunds(t, f.ledger, custody, units(t, "0"))

	buy, _ := f.eng.Order(buyID)
	if buy.Active || buy.Status() != StatusFilled {
		t.Errorf("buy should be filled: %+v", buy)
	}
	f.checkInvariants(t)
}

func TestBuyDoesNotTradeAboveLimit(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "100", "")
	f.fund(t, bob, "", "10")

	f.sell(t, bob, "5", "1.01")
	f.rec.reset()
	f.buy(t, alice, "5", "1", "5")

	if trades := f.rec.events(EventTrade); len(trades) != 0 {
		t.Fatalf("unexpected trades: %+v", trades)
	}
	bid, _ := f.eng.BestBid()
	ask, _ := f.eng.BestAsk()
	if !bid.Lt(ask) {
		t.Fatalf("book is crossed: bid %s ask %s", bid.Dec(), ask.Dec())
	}
	f.checkInvariants(t)
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "100", "")
	f.fund(t, bob, "", "20")
	f.fund(t, carol, "", "20")

	a := f.sell(t, bob, "5", "1")
	b := f.sell(t, carol, "5", "1")
	c := f.sell(t, bob, "5", "0.9")
	f.sell(t, carol, "5", "1.1")

	asks := f.eng.SellOrders(0)
	want := []uint64{c, a, b, 4}
	for i, o := range asks {
		if o.ID != want[i] {
			t.Fatalf("ask %d is order %d, want %d", i, o.ID, want[i])
		}
	}

	f.rec.reset()
	f.buy(t, alice, "12", "1", "12")

	trades := f.rec.events(EventTrade)
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	wantSells := []uint64{c, a, b}
	wantQty := []string{"5", "5", "2"}
	for i, tr := range trades {
		if tr.SellOrderID != wantSells[i] || !tr.Quantity.Eq(units(t, wantQty[i])) {
			t.Errorf("trade %d = sell %d qty %s, want sell %d qty %s",
				i, tr.SellOrderID, tr.Quantity.Dec(), wantSells[i], wantQty[i])
		}
	}

	orderA, _ := f.eng.Order(a)
	orderB, _ := f.eng.Order(b)
	if orderA.Active || !orderB.Active || !orderB.Remaining().Eq(units(t, "3")) {
		t.Errorf("A must fill completely before B is touched: A=%+v B=%+v", orderA, orderB)
	}
	f.checkInvariants(t)
}

func TestSellSweepsBids(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "100", "")
	f.fund(t, bob, "100", "")
	f.fund(t, carol, "", "15")

	hi := f.buy(t, alice, "5", "1.2", "6")
	lo := f.buy(t, bob, "5", "1.1", "5.5")
	f.rec.reset()
	sellID := f.sell(t, carol, "15", "1")

	trades := f.rec.events(EventTrade)
	if len(trades) != 2 {
		t.Fatalf("got %d trades", len(trades))
	}
	if trades[0].BuyOrderID != hi || !trades[0].Price.Eq(units(t, "1.2")) {
		t.Errorf("first trade = %+v", trades[0])
	}
	if trades[1].BuyOrderID != lo || !trades[1].Price.Eq(units(t, "1.1")) {
		t.Errorf("second trade = %+v", trades[1])
	}
	if trades[0].TakerSide != Sell {
		t.Errorf("taker side = %s", trades[0].TakerSide)
	}

	// seller gets the bid prices, not its own limit
	assertFunds(t, f.ledger, carol, units(t, "11.5"))

	sell, _ := f.eng.Order(sellID)
	if !sell.Active || !sell.Remaining().Eq(units(t, "5")) {
		t.Fatalf("sell remainder = %+v", sell)
	}
	ask, ok := f.eng.BestAsk()
	if !ok || !ask.Eq(units(t, "1")) {
		t.Errorf("best ask = %v", ask)
	}
	if _, ok := f.eng.BestBid(); ok {
		t.Error("bids should be exhausted")
	}
	f.checkInvariants(t)
}

func TestFeeSplit(t *testing.T) {
	f := newFixture(t, 30) // 0.3%
	f.fund(t, alice, "1000", "")
	f.fund(t, bob, "", "100")

	f.sell(t, bob, "100", "2")
	f.buy(t, alice, "100", "2", "200")

	// gross 200, fee 0.6, net 199.4
	assertFunds(t, f.ledger, bob, units(t, "199.4"))
	assertFunds(t, f.ledger, feeAddr, units(t, "0.6"))
	assertFunds(t, f.ledger, alice, units(t, "800"))
	assertTokens(t, f.ledger, alice, units(t, "100"))

	trades := f.rec.events(EventTrade)
	if len(trades) != 1 || !trades[0].Fee.Eq(units(t, "0.6")) {
		t.Fatalf("trade fee = %v", trades[0].Fee)
	}
	f.checkInvariants(t)
}

func TestFeeRoundsDown(t *testing.T) {
	f := newFixture(t, 1)
	f.fund(t, alice, "1", "")
	f.fund(t, bob, "", "1")

	// gross 9999 base units, fee floor(9999 * 1 / 10000) = 0
	f.sell(t, bob, "0.000000000000009999", "1")
	f.buy(t, alice, "0.000000000000009999", "1", "0.000000000000009999")

	assertFunds(t, f.ledger, feeAddr, units(t, "0"))
	assertFunds(t, f.ledger, bob, units(t, "0.000000000000009999"))
	f.checkInvariants(t)
}

func TestEscrowRoundingResidueIsRefunded(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, alice, "10", "")
	f.fund(t, bob, "", "10")

	// 3 base units at 0.5 escrow floor(1.5) = 1; each single-unit fill costs floor(0.5) = 0
	three := "0.000000000000000003"
	one := "0.000000000000000001"
	f.buy(t, alice, three, "0.5", "0.000000000000000001")
	for i := 0; i < 3; i++ {
		f.sell(t, bob, one, "0.5")
		f.checkInvariants(t)
	}
	assertFunds(t, f.ledger, custody, units(t, "0"))
	assertFunds(t, f.ledger, alice, units(t, "10"))
}
