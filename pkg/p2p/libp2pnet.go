package p2p

import (
	"context"
	"errors"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
	"github.com/uhyunpark/tokenbook/pkg/metrics"
)

const (
	DefaultTopic   = "tokenbook-events"
	publishBacklog = 1024
)

var ErrBacklogFull = errors.New("gossip publish backlog full")

// EventHandler receives event batches published by other nodes.
type EventHandler func(from peer.ID, events []engine.Event)

// Gossip publishes committed engine events on a gossipsub topic so that
// read-only replicas and auditors can follow the journal. It implements
// engine.Recorder; publishing happens on Run's goroutine.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	log   *zap.Logger
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	out chan []engine.Event

	muH     sync.RWMutex
	handler EventHandler
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.Logger
}

func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("p2p")

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{
		h:   h,
		ps:  ps,
		log: log,
		out: make(chan []engine.Event, publishBacklog),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warn("bootstrap connect failed", zap.String("addr", bs), zap.Error(err))
		}
	}

	name := cfg.Topic
	if name == "" {
		name = DefaultTopic
	}
	if g.topic, err = ps.Join(name); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	go g.handleInbound(ctx)

	log.Info("libp2p ready", zap.String("peer", h.ID().String()), zap.String("listen", cfg.ListenAddr), zap.String("topic", name))
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns the dialable multiaddrs of this node including its peer id,
// in the form accepted by Config.Bootstrap.
func (g *Gossip) Addrs() []string {
	suffix := "/p2p/" + g.h.ID().String()
	out := make([]string, 0, len(g.h.Addrs()))
	for _, a := range g.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

func (g *Gossip) SetHandler(fn EventHandler) { g.muH.Lock(); g.handler = fn; g.muH.Unlock() }

// Record queues the record's events for publishing and never blocks.
func (g *Gossip) Record(rec engine.Record) error {
	if len(rec.Events) == 0 {
		return nil
	}
	select {
	case g.out <- rec.Events:
		return nil
	default:
		metrics.GossipPublished.WithLabelValues("dropped").Inc()
		return ErrBacklogFull
	}
}

// Run publishes queued batches until ctx is done.
func (g *Gossip) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-g.out:
			if err := g.publish(ctx, events); err != nil {
				metrics.GossipPublished.WithLabelValues("error").Inc()
				g.log.Warn("publish failed", zap.Uint64("seq", events[0].Seq), zap.Error(err))
				continue
			}
			metrics.GossipPublished.WithLabelValues("ok").Inc()
		}
	}
}

func (g *Gossip) publish(ctx context.Context, events []engine.Event) error {
	data, err := encodeBatch(events)
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		g.log.Debug("topic close", zap.Error(err))
	}
	return g.h.Close()
}

// inbound

func (g *Gossip) handleInbound(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == g.h.ID() {
			continue
		}
		w, events, err := decodeBatch(msg.Data)
		if err != nil {
			g.log.Debug("bad batch", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(msg.GetFrom(), events)
		} else {
			g.log.Debug("batch received", zap.Uint64("first", w.FirstSeq), zap.Uint64("last", w.LastSeq))
		}
	}
}
