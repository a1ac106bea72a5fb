package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/registry"
)

func TestInProcessEnqueueDequeueRoundTrip(t *testing.T) {
	c := NewInProcessClient()
	ctx := context.Background()

	if err := c.CreateResponseQueue(ctx, "coordinator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := registry.ReplyPayload{SenderID: "child-1", ReplyMessage: "done", CorrelationID: "cid-1"}
	if err := c.Enqueue(ctx, "coordinator", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := c.Dequeue(ctx, "coordinator", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.CorrelationID != "cid-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestInProcessDequeueTimesOutWithoutError(t *testing.T) {
	c := NewInProcessClient()
	got, err := c.Dequeue(context.Background(), "nobody", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil payload on timeout, got %+v", got)
	}
}

func TestInProcessUpdateStatusTogglesUnknownCIDSilently(t *testing.T) {
	c := NewInProcessClient()
	ctx := context.Background()
	if err := c.UpdateMessageStatus(ctx, "missing", registry.EnvelopeReplied, "x"); err != nil {
		t.Fatalf("unknown correlation id must be tolerated, got error: %v", err)
	}
}

func TestInProcessRegisterThenUpdateMessageStatus(t *testing.T) {
	c := NewInProcessClient()
	ctx := context.Background()
	env := registry.Envelope{CorrelationID: "cid-2", RecipientID: "child-1", Status: registry.EnvelopeSent}
	if err := c.RegisterMessage(ctx, "cid-2", env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.UpdateMessageStatus(ctx, "cid-2", registry.EnvelopeReplied, "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.mu.Lock()
	updated := c.envelopes["cid-2"]
	c.mu.Unlock()
	if updated.Status != registry.EnvelopeReplied || updated.ReplyContent != "hello" {
		t.Fatalf("got %+v", updated)
	}
}

func TestInProcessCleanupInstanceDropsQueueAndEnvelopes(t *testing.T) {
	c := NewInProcessClient()
	ctx := context.Background()
	c.queueFor("child-1")
	_ = c.RegisterMessage(ctx, "cid-3", registry.Envelope{CorrelationID: "cid-3", RecipientID: "child-1"})

	if err := c.CleanupInstance(ctx, "child-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.mu.Lock()
	_, queueExists := c.queues["child-1"]
	_, envelopeExists := c.envelopes["cid-3"]
	c.mu.Unlock()
	if queueExists || envelopeExists {
		t.Fatalf("expected queue and envelope removed after cleanup")
	}
}

func TestInProcessHealthCheckAlwaysHealthy(t *testing.T) {
	c := NewInProcessClient()
	result, err := c.HealthCheck(context.Background(), time.Second)
	if err != nil || !result.Healthy {
		t.Fatalf("got %+v, err %v", result, err)
	}
}
