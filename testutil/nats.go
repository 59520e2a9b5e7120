package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/gcstreams/natsclient"
)

// MockNATSClient is an in-memory stand-in for natsclient.Client. Publish
// delivers synchronously to every subscription on the exact subject.
type MockNATSClient struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	subs     map[string][]*mockSubscription
	closed   bool
	// FailSubscribe, when set, is returned by Subscribe
	FailSubscribe error
	// FailFlush, when set, is returned by Flush
	FailFlush error
	flushes   int
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		messages: make(map[string][][]byte),
		subs:     make(map[string][]*mockSubscription),
	}
}

// Publish records data and hands it to current subscribers
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.messages[subject] = append(c.messages[subject], data)
	subs := make([]*mockSubscription, len(c.subs[subject]))
	copy(subs, c.subs[subject])
	c.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(data)
	}
	return nil
}

// Subscribe registers handler on subject
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string,
	handler func(context.Context, []byte)) (natsclient.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if c.FailSubscribe != nil {
		return nil, c.FailSubscribe
	}

	sub := &mockSubscription{client: c, subject: subject, ctx: ctx, handler: handler}
	c.subs[subject] = append(c.subs[subject], sub)
	return sub, nil
}

// Flush counts the call and returns FailFlush
func (c *MockNATSClient) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	if c.FailFlush != nil {
		return c.FailFlush
	}
	return ctx.Err()
}

// Flushes returns how many times Flush was called
func (c *MockNATSClient) Flushes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flushes
}

// Messages returns every payload published on subject
func (c *MockNATSClient) Messages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([][]byte, len(c.messages[subject]))
	copy(out, c.messages[subject])
	return out
}

// Subscribers returns the number of live subscriptions on subject
func (c *MockNATSClient) Subscribers(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[subject])
}

// Close rejects further use
func (c *MockNATSClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[string][]*mockSubscription)
	return nil
}

type mockSubscription struct {
	client  *MockNATSClient
	subject string
	ctx     context.Context
	handler func(context.Context, []byte)
	mu      sync.Mutex
}

func (s *mockSubscription) Subject() string { return s.subject }

func (s *mockSubscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler(s.ctx, data)
}

func (s *mockSubscription) Unsubscribe() error {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			c.subs[s.subject] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}
