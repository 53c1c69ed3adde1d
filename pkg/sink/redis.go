package sink

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
)

type RedisConfig struct {
	URL    string // redis://[:password@]host:port/db
	Prefix string // key prefix, default "tokenbook"
	MaxLen int64  // approximate stream cap, default 100000
}

// RedisPublisher appends each event to the stream <prefix>:events and
// announces it on the pub/sub channel of the same name.
type RedisPublisher struct {
	c      *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	if cfg.Prefix == "" {
		cfg.Prefix = "tokenbook"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100_000
	}

	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &RedisPublisher{c: c, stream: cfg.Prefix + ":events", maxLen: cfg.MaxLen}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev engine.Event, value []byte) error {
	pipe := p.c.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":   ev.Seq,
			"type":  string(ev.Type),
			"event": value,
		},
	})
	pipe.Publish(ctx, p.stream, value)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPublisher) Close() error { return p.c.Close() }
