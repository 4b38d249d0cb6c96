package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaOptions configures the Kafka backend.
type KafkaOptions struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
}

// Kafka is a multi-process Transport. Each endpoint is a topic; records are
// keyed by sender and recipient so one pair always lands on one partition,
// which keeps that pair ordered. Subscriptions commit offsets only after the
// handler returns, giving at-least-once delivery.
type Kafka struct {
	opts   KafkaOptions
	writer *kafka.Writer
	logger *zap.Logger

	mu      sync.Mutex
	readers map[string]*kafka.Reader
	subs    []*kafkaSub
	closed  bool
}

func NewKafka(opts KafkaOptions, logger *zap.Logger) *Kafka {
	return &Kafka{
		opts: opts,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           5 * time.Second,
		},
		logger:  logger.Named("transport.kafka"),
		readers: make(map[string]*kafka.Reader),
	}
}

func (k *Kafka) topic(endpoint string) string {
	return k.opts.TopicPrefix + endpoint
}

// encodeRecord turns a message into the Kafka record written for it.
func encodeRecord(prefix string, msg Message) (kafka.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Topic: prefix + msg.Recipient,
		Key:   []byte(msg.Sender + "->" + msg.Recipient),
		Value: data,
		Time:  msg.Timestamp,
	}, nil
}

func decodeRecord(rec kafka.Message) (Message, error) {
	var msg Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return Message{}, fmt.Errorf("decode record at %s/%d/%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	return msg, nil
}

func (k *Kafka) Send(ctx context.Context, msg Message) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrUnavailable
	}

	rec, err := encodeRecord(k.opts.TopicPrefix, msg)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, rec.Topic, err)
	}

	k.logger.Debug("Sent message to Kafka",
		zap.String("id", msg.ID),
		zap.String("topic", rec.Topic))
	return nil
}

func (k *Kafka) Receive(ctx context.Context, endpoint string) (Message, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return Message{}, ErrUnavailable
	}
	r, ok := k.readers[endpoint]
	if !ok {
		r = k.newReader(endpoint)
		k.readers[endpoint] = r
	}
	k.mu.Unlock()

	rec, err := r.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("%w: read %s: %v", ErrUnavailable, k.topic(endpoint), err)
	}
	return decodeRecord(rec)
}

func (k *Kafka) newReader(endpoint string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.opts.Brokers,
		GroupID:  k.opts.GroupID + "." + endpoint,
		Topic:    k.topic(endpoint),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

type kafkaSub struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *kafkaSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}

func (k *Kafka) Subscribe(endpoint string, h Handler) (Subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSub{
		reader: k.newReader(endpoint),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	k.subs = append(k.subs, sub)

	go k.consume(ctx, endpoint, sub, h)
	k.logger.Info("Subscribed to Kafka topic", zap.String("topic", k.topic(endpoint)))
	return sub, nil
}

func (k *Kafka) consume(ctx context.Context, endpoint string, sub *kafkaSub, h Handler) {
	defer close(sub.done)
	for {
		rec, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			k.logger.Warn("Fetch failed", zap.String("endpoint", endpoint), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg, err := decodeRecord(rec)
		if err != nil {
			k.logger.Error("Dropping undecodable record", zap.String("endpoint", endpoint), zap.Error(err))
		} else if err := h(ctx, msg); err != nil {
			k.logger.Warn("Handler failed",
				zap.String("endpoint", endpoint),
				zap.String("id", msg.ID),
				zap.Error(err))
		}

		if err := sub.reader.CommitMessages(ctx, rec); err != nil && ctx.Err() == nil {
			k.logger.Warn("Commit failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}

// Close stops subscriptions and readers, then flushes the writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	readers := k.readers
	k.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, k.writer.Close())
	return errors.Join(errs...)
}
