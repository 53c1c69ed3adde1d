package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
)

func tradeEvent(seq uint64) engine.Event {
	return engine.Event{
		Seq:         seq,
		Type:        engine.EventTrade,
		Timestamp:   1_700_000_000,
		BuyOrderID:  2,
		SellOrderID: 1,
		Buyer:       common.HexToAddress("0xB0"),
		Seller:      common.HexToAddress("0x5E"),
		TakerSide:   engine.Buy,
		Quantity:    uint256.NewInt(4),
		Price:       uint256.NewInt(10),
		Fee:         uint256.NewInt(0),
	}
}

func TestBatchCodec(t *testing.T) {
	in := []engine.Event{tradeEvent(7), tradeEvent(8)}
	data, err := encodeBatch(in)
	if err != nil {
		t.Fatal(err)
	}
	w, out, err := decodeBatch(data)
	if err != nil {
		t.Fatal(err)
	}
	if w.FirstSeq != 7 || w.LastSeq != 8 {
		t.Errorf("seq range = %d..%d", w.FirstSeq, w.LastSeq)
	}
	if len(out) != 2 || out[1].Seq != 8 || out[0].Buyer != in[0].Buyer || !out[0].Quantity.Eq(in[0].Quantity) {
		t.Errorf("decoded = %+v", out)
	}

	if _, _, err := decodeBatch([]byte("garbage")); err == nil {
		t.Error("expected decode error")
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	g := &Gossip{out: make(chan []engine.Event, 2), log: zap.NewNop()}

	if err := g.Record(engine.Record{}); err != nil {
		t.Fatalf("empty record: %v", err)
	}
	if len(g.out) != 0 {
		t.Error("empty record should not be queued")
	}
	for i := 0; i < 2; i++ {
		if err := g.Record(engine.Record{Events: []engine.Event{tradeEvent(uint64(i + 1))}}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := g.Record(engine.Record{Events: []engine.Event{tradeEvent(3)}}); !errors.Is(err, ErrBacklogFull) {
		t.Errorf("err = %v, want ErrBacklogFull", err)
	}
}

func TestGossipDelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := NewGossip(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewGossip(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	type batch struct {
		from   peer.ID
		events []engine.Event
	}
	got := make(chan batch, 16)
	b.SetHandler(func(from peer.ID, events []engine.Event) {
		got <- batch{from, events}
	})
	go a.Run(ctx)

	// Publish until the mesh has formed and a batch gets through.
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for seq := uint64(1); ; seq++ {
		if err := a.Record(engine.Record{Events: []engine.Event{tradeEvent(seq)}}); err != nil {
			t.Fatal(err)
		}
		select {
		case m := <-got:
			if m.from != a.Host().ID() {
				t.Errorf("from = %s, want %s", m.from, a.Host().ID())
			}
			if len(m.events) != 1 || m.events[0].Type != engine.EventTrade {
				t.Errorf("events = %+v", m.events)
			}
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("no batch delivered")
		}
	}
}
