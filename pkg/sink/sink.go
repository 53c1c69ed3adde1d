package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
)

var ErrBacklogFull = errors.New("sink backlog full")

// Publisher delivers one encoded event to an external system.
type Publisher interface {
	Publish(ctx context.Context, ev engine.Event, value []byte) error
	Close() error
}

type Options struct {
	Backlog         int           // max queued events, default 8192
	InitialInterval time.Duration // first retry delay, default 100ms
	MaxElapsed      time.Duration // give up on an event after this long, default 30s
}

func (o *Options) defaults() {
	if o.Backlog <= 0 {
		o.Backlog = 8192
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 30 * time.Second
	}
}

// Sink forwards committed events, one at a time and in sequence order, to a
// Publisher. It implements engine.Recorder: Record only queues, delivery and
// retries happen on Run's goroutine.
type Sink struct {
	name string
	pub  Publisher
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	pending deque.Deque[engine.Event]
	wake    chan struct{}
}

func New(name string, pub Publisher, opts Options, log *zap.Logger) *Sink {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{
		name: name,
		pub:  pub,
		opts: opts,
		log:  log.Named("sink").With(zap.String("sink", name)),
		wake: make(chan struct{}, 1),
	}
}

func (s *Sink) Name() string { return s.name }

// Record queues every event of rec or none of them.
func (s *Sink) Record(rec engine.Record) error {
	if len(rec.Events) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.pending.Len()+len(rec.Events) > s.opts.Backlog {
		s.mu.Unlock()
		metrics.SinkPublished.WithLabelValues(s.name, "dropped").Add(float64(len(rec.Events)))
		return ErrBacklogFull
	}
	for _, ev := range rec.Events {
		s.pending.PushBack(ev)
	}
	n := s.pending.Len()
	s.mu.Unlock()

	metrics.SinkPending.WithLabelValues(s.name).Set(float64(n))
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports queued events not yet handed to the publisher.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Sink) next() (engine.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return engine.Event{}, false
	}
	ev := s.pending.PopFront()
	metrics.SinkPending.WithLabelValues(s.name).Set(float64(s.pending.Len()))
	return ev, true
}

// Run delivers queued events until ctx is done, then closes the publisher.
func (s *Sink) Run(ctx context.Context) {
	defer func() {
		if err := s.pub.Close(); err != nil {
			s.log.Warn("close publisher", zap.Error(err))
		}
	}()
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if err := s.deliver(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.SinkPublished.WithLabelValues(s.name, "failed").Inc()
			s.log.Error("event dropped after retries", zap.Uint64("seq", ev.Seq), zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}
		metrics.SinkPublished.WithLabelValues(s.name, "ok").Inc()
	}
}

func (s *Sink) deliver(ctx context.Context, ev engine.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxElapsedTime = s.opts.MaxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.pub.Publish(ctx, ev, value)
		if err != nil {
			s.log.Debug("publish failed", zap.Uint64("seq", ev.Seq), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
}
