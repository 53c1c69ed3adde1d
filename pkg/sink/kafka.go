package sink

import (
	"context"
	"errors"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Key is the message key for every event. A single key keeps the whole
	// stream on one partition, in sequence order.
	Key string
}

type KafkaPublisher struct {
	w   *kafka.Writer
	key []byte
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.Key == "" {
		cfg.Key = "tokenbook"
	}
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		key: []byte(cfg.Key),
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev engine.Event, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   p.key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
			{Key: "type", Value: []byte(ev.Type)},
		},
		Time: time.Unix(ev.Timestamp, 0),
	})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
