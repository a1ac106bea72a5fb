package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/registry"
)

// InProcessClient keeps reply queues and envelopes in local maps and
// channels. Used as the degradation fallback when the Health Supervisor
// disables a failed RemoteClient, and directly in single-process
// deployments and tests.
type InProcessClient struct {
	mu        sync.Mutex
	queues    map[string]chan registry.ReplyPayload
	envelopes map[string]registry.Envelope
}

// queueCapacity bounds each per-recipient reply queue.
const queueCapacity = 64

// NewInProcessClient builds an empty in-process client.
func NewInProcessClient() *InProcessClient {
	return &InProcessClient{
		queues:    make(map[string]chan registry.ReplyPayload),
		envelopes: make(map[string]registry.Envelope),
	}
}

func (c *InProcessClient) queueFor(id string) chan registry.ReplyPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[id]
	if !ok {
		q = make(chan registry.ReplyPayload, queueCapacity)
		c.queues[id] = q
	}
	return q
}

func (c *InProcessClient) CreateResponseQueue(ctx context.Context, id string) error {
	c.queueFor(id)
	return nil
}

func (c *InProcessClient) Enqueue(ctx context.Context, id string, payload registry.ReplyPayload) error {
	q := c.queueFor(id)
	select {
	case q <- payload:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("queue %q full after 5s bounded put", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *InProcessClient) Dequeue(ctx context.Context, id string, timeout time.Duration) (*registry.ReplyPayload, error) {
	q := c.queueFor(id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-q:
		return &payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *InProcessClient) RegisterMessage(ctx context.Context, correlationID string, envelope registry.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes[correlationID] = envelope
	return nil
}

func (c *InProcessClient) UpdateMessageStatus(ctx context.Context, correlationID string, status registry.EnvelopeStatus, replyContent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.envelopes[correlationID]
	if !ok {
		return nil // unknown cid tolerated
	}
	env.Status = status
	if replyContent != "" {
		env.ReplyContent = replyContent
		env.RepliedAt = time.Now()
	}
	c.envelopes[correlationID] = env
	return nil
}

func (c *InProcessClient) CleanupInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, id)
	for cid, env := range c.envelopes {
		if env.RecipientID == id || env.SenderID == id {
			delete(c.envelopes, cid)
		}
	}
	return nil
}

func (c *InProcessClient) HealthCheck(ctx context.Context, timeout time.Duration) (HealthResult, error) {
	return HealthResult{Healthy: true, ResponseTimeMs: 0}, nil
}

func (c *InProcessClient) Close() error {
	return nil
}

var _ Client = (*InProcessClient)(nil)
