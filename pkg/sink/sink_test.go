package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
)

// fakePublisher fails the first failN calls and every call for failSeq,
// and records what it accepts.
type fakePublisher struct {
	mu      sync.Mutex
	failN   int
	failSeq uint64
	calls   int
	got     []engine.Event
	raw     [][]byte
	closed  bool
	done    chan struct{}
	want    int
}

func newFake(failN, want int) *fakePublisher {
	return &fakePublisher{failN: failN, want: want, done: make(chan struct{})}
}

func (f *fakePublisher) Publish(_ context.Context, ev engine.Event, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN || (f.failSeq != 0 && ev.Seq == f.failSeq) {
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, ev)
	f.raw = append(f.raw, value)
	if len(f.got) == f.want {
		close(f.done)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func events(from, n uint64) []engine.Event {
	out := make([]engine.Event, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, engine.Event{Seq: from + i, Type: engine.EventOrderPlaced, OrderID: from + i})
	}
	return out
}

func waitDone(t *testing.T, f *fakePublisher) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		f.mu.Lock()
		defer f.mu.Unlock()
		t.Fatalf("delivered %d events, want %d", len(f.got), f.want)
	}
}

func TestSinkDeliversInOrderWithRetries(t *testing.T) {
	pub := newFake(3, 5)
	s := New("test", pub, Options{InitialInterval: time.Millisecond, MaxElapsed: 5 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	if err := s.Record(engine.Record{Events: events(1, 2)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(engine.Record{Events: events(3, 3)}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, pub)

	pub.mu.Lock()
	for i, ev := range pub.got {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	var decoded engine.Event
	if err := json.Unmarshal(pub.raw[0], &decoded); err != nil || decoded.OrderID != 1 {
		t.Errorf("payload = %s (%v)", pub.raw[0], err)
	}
	pub.mu.Unlock()

	cancel()
	<-done
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if !pub.closed {
		t.Error("publisher not closed on shutdown")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d", s.Pending())
	}
}

func TestSinkDropsEventAfterMaxElapsed(t *testing.T) {
	pub := newFake(0, 1)
	pub.failSeq = 1
	s := New("test", pub, Options{InitialInterval: time.Millisecond, MaxElapsed: 20 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if err := s.Record(engine.Record{Events: events(1, 1)}); err != nil {
		t.Fatal(err)
	}
	// The event behind it is delivered once the failing one is given up on.
	if err := s.Record(engine.Record{Events: events(2, 1)}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, pub)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.got[0].Seq != 2 {
		t.Errorf("delivered seq %d, want 2", pub.got[0].Seq)
	}
}

func TestSinkBacklogIsAllOrNothing(t *testing.T) {
	s := New("test", newFake(0, 0), Options{Backlog: 4}, zap.NewNop())

	if err := s.Record(engine.Record{}); err != nil {
		t.Fatalf("empty record: %v", err)
	}
	if err := s.Record(engine.Record{Events: events(1, 3)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(engine.Record{Events: events(4, 2)}); !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("err = %v, want ErrBacklogFull", err)
	}
	if s.Pending() != 3 {
		t.Errorf("pending = %d, want 3", s.Pending())
	}
	if err := s.Record(engine.Record{Events: events(4, 1)}); err != nil {
		t.Fatal(err)
	}
}

func TestPublisherConfigErrors(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "events"}); err == nil {
		t.Error("kafka without brokers should fail")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("kafka without topic should fail")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events"})
	if err != nil {
		t.Fatal(err)
	}
	if string(p.key) != "tokenbook" {
		t.Errorf("default key = %q", p.key)
	}
	p.Close()

	if _, err := NewRedisPublisher(context.Background(), RedisConfig{URL: "not-a-url"}); err == nil {
		t.Error("bad redis url should fail")
	}
}
