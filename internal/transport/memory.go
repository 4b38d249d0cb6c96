package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Memory is a single-process Transport with one FIFO mailbox per endpoint.
// A single goroutine drains each subscription, so messages from one sender
// reach a recipient in send order.
type Memory struct {
	logger  *zap.Logger
	bufSize int

	mu     sync.Mutex
	boxes  map[string]chan Message
	closed bool
	done   chan struct{}
	subs   sync.WaitGroup
}

func NewMemory(bufSize int, logger *zap.Logger) *Memory {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Memory{
		logger:  logger.Named("transport"),
		bufSize: bufSize,
		boxes:   make(map[string]chan Message),
		done:    make(chan struct{}),
	}
}

func (m *Memory) box(endpoint string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	b, ok := m.boxes[endpoint]
	if !ok {
		b = make(chan Message, m.bufSize)
		m.boxes[endpoint] = b
	}
	return b, nil
}

func (m *Memory) Send(ctx context.Context, msg Message) error {
	b, err := m.box(msg.Recipient)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.ID, msg.Recipient, err)
	}
	select {
	case b <- msg:
		m.logger.Debug("Sent message",
			zap.String("id", msg.ID),
			zap.String("sender", msg.Sender),
			zap.String("recipient", msg.Recipient),
			zap.String("type", string(msg.Type)))
		return nil
	case <-m.done:
		return fmt.Errorf("send %s to %s: %w", msg.ID, msg.Recipient, ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Receive(ctx context.Context, endpoint string) (Message, error) {
	b, err := m.box(endpoint)
	if err != nil {
		return Message{}, err
	}
	select {
	case msg := <-b:
		return msg, nil
	case <-m.done:
		return Message{}, ErrUnavailable
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

type memorySub struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

func (m *Memory) Subscribe(endpoint string, h Handler) (Subscription, error) {
	b, err := m.box(endpoint)
	if err != nil {
		return nil, err
	}
	sub := &memorySub{stop: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	sub.wg.Add(1)
	m.subs.Add(1)
	go func() {
		defer m.subs.Done()
		defer sub.wg.Done()
		defer cancel()
		for {
			select {
			case <-sub.stop:
				return
			case <-m.done:
				return
			case msg := <-b:
				if err := h(ctx, msg); err != nil {
					m.logger.Warn("Handler failed",
						zap.String("endpoint", endpoint),
						zap.String("id", msg.ID),
						zap.Error(err))
				}
			}
		}
	}()

	m.logger.Debug("Subscribed", zap.String("endpoint", endpoint))
	return sub, nil
}

// Close rejects further sends and stops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.subs.Wait()
	return nil
}
