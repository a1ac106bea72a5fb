// Package broker implements the Bidirectional Messaging Broker:
// compose-send, race a reply-queue receive against an activity-based
// pane-scrape fallback, update envelopes and usage counters, and the
// broadcast/coordinate fan-out helpers built on top of the same Send
// contract.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events"
	"github.com/barkain/madrox/internal/events/bus"
	"github.com/barkain/madrox/internal/orchestrator/capture"
	"github.com/barkain/madrox/internal/orchestrator/daemon"
	"github.com/barkain/madrox/internal/orchestrator/keystroke"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
	"github.com/barkain/madrox/internal/orchestrator/tracing"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// costPerWord is the word-count-based cost estimate used when no
// provider-reported usage is available.
const costPerWord = 0.00001

// scrapePollInterval and completionStableCount drive activity-based
// completion detection: poll every ~300ms, declare done after 3
// consecutive polls with no growth (~1s of quiet).
const (
	scrapePollInterval    = 300 * time.Millisecond
	completionStableCount = 3
	// postDeliverySettle is the pause between delivering the message and
	// capturing the scrape baseline, giving the pane time to start
	// rendering before the baseline is taken.
	postDeliverySettle = 300 * time.Millisecond
)

// CoordinatorSenderID is the synthetic sender/recipient id for messages
// originating from, or replied to, an external caller rather than an
// instance.
const CoordinatorSenderID = "coordinator"

// SendRequest is the input to Send.
type SendRequest struct {
	SenderID        string // "coordinator" or an instance id; defaults to CoordinatorSenderID
	RecipientID     string
	Message         string
	WaitForResponse bool
	Timeout         time.Duration
}

// SendResult is Send's structured outcome.
type SendResult struct {
	Status        string // "sent" once delivered; always set
	Protocol      string // "bidirectional" | "polling_fallback" | ""
	Response      string
	CorrelationID string
	Warning       string
}

// Broker brokers bidirectional messages between instances. The daemon
// client backing its reply queues and envelope registry is swappable at
// runtime: the Health Supervisor disables the remote client on daemon
// failure, after which Broker transparently falls back to its always-on
// in-process client.
type Broker struct {
	reg   *registry.Registry
	mux   pane.Multiplexer
	pacer *keystroke.Pacer
	local *daemon.InProcessClient

	remoteMu sync.RWMutex
	remote   daemon.Client

	events bus.EventBus
	log    *logger.Logger
}

// New builds a Broker. remote may be nil if no shared-state daemon is
// configured; the broker still works, entirely through its in-process
// fallback.
func New(reg *registry.Registry, mux pane.Multiplexer, eventBus bus.EventBus, log *logger.Logger, remote daemon.Client) *Broker {
	return &Broker{
		reg:    reg,
		mux:    mux,
		pacer:  keystroke.New(mux),
		local:  daemon.NewInProcessClient(),
		remote: remote,
		events: eventBus,
		log:    log.WithFields(zap.String("component", "broker.Broker")),
	}
}

// client returns the currently active daemon.Client: the remote one if
// set, otherwise the always-available in-process fallback.
func (b *Broker) client() daemon.Client {
	b.remoteMu.RLock()
	defer b.remoteMu.RUnlock()
	if b.remote != nil {
		return b.remote
	}
	return b.local
}

// SetRemoteClient installs (or replaces) the remote daemon client.
func (b *Broker) SetRemoteClient(c daemon.Client) {
	b.remoteMu.Lock()
	defer b.remoteMu.Unlock()
	b.remote = c
}

// DisableRemoteClient nulls out the remote client so subsequent calls use
// the in-process fallback.
func (b *Broker) DisableRemoteClient() {
	b.remoteMu.Lock()
	defer b.remoteMu.Unlock()
	b.remote = nil
}

// Send delivers a message to an instance, optionally waiting for a reply.
func (b *Broker) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.SenderID == "" {
		req.SenderID = CoordinatorSenderID
	}

	ctx, span := tracing.TraceSend(ctx, req.RecipientID, req.WaitForResponse)
	result, err := b.send(ctx, req)
	tracing.EndWithResult(span, result.Protocol, err)
	return result, err
}

func (b *Broker) send(ctx context.Context, req SendRequest) (SendResult, error) {
	inst, err := b.reg.Get(req.RecipientID)
	if err != nil {
		return SendResult{}, err
	}
	if !inst.State.CanAcceptRequests() {
		return SendResult{}, fmt.Errorf("%w: %s is in state %s", orcherr.ErrInstanceWrongState, req.RecipientID, inst.State)
	}

	if err := b.reg.Transition(req.RecipientID, registry.StateBusy); err != nil {
		return SendResult{}, err
	}
	defer b.returnToIdle(req.RecipientID)

	client := b.client()
	_ = client.CreateResponseQueue(ctx, req.RecipientID)

	cid := uuid.New().String()
	envelope := registry.Envelope{
		CorrelationID: cid,
		SenderID:      req.SenderID,
		RecipientID:   req.RecipientID,
		Content:       req.Message,
		SentAt:        time.Now(),
		Status:        registry.EnvelopeSent,
	}
	_ = client.RegisterMessage(ctx, cid, envelope)

	payload := composePayload(b.reg, req.RecipientID, cid, req.Message)

	if err := b.pacer.Send(ctx, req.RecipientID, payload, true); err != nil {
		return SendResult{}, fmt.Errorf("%w: deliver message: %w", orcherr.ErrMultiplexer, err)
	}
	_ = client.UpdateMessageStatus(ctx, cid, registry.EnvelopeDelivered, "")

	if !req.WaitForResponse {
		tokens, cost := estimateUsage(req.Message, "")
		_ = b.reg.DebitUsage(req.RecipientID, tokens, cost)
		return SendResult{Status: "sent", CorrelationID: cid}, nil
	}

	reply, err := client.Dequeue(ctx, req.RecipientID, req.Timeout)
	if err == nil && reply != nil {
		_ = client.UpdateMessageStatus(ctx, cid, registry.EnvelopeReplied, reply.ReplyMessage)
		tokens, cost := estimateUsage(req.Message, reply.ReplyMessage)
		_ = b.reg.DebitUsage(req.RecipientID, tokens, cost)
		return SendResult{Status: "sent", Protocol: "bidirectional", Response: reply.ReplyMessage, CorrelationID: cid}, nil
	}

	_ = client.UpdateMessageStatus(ctx, cid, registry.EnvelopeTimeout, "")
	response, warning := b.scrapeFallback(ctx, req.RecipientID, payload, req.Timeout)
	tokens, cost := estimateUsage(req.Message, response)
	_ = b.reg.DebitUsage(req.RecipientID, tokens, cost)
	if warning != "" {
		b.publish(ctx, events.InstanceResponseDegraded, req.RecipientID, map[string]any{
			"correlation_id": cid,
			"warning":        warning,
		})
	}
	return SendResult{Status: "sent", Protocol: "polling_fallback", Response: response, CorrelationID: cid, Warning: warning}, nil
}

func (b *Broker) returnToIdle(id string) {
	if err := b.reg.Transition(id, registry.StateIdle); err != nil {
		b.log.Warn("failed to return instance to idle after send", zap.String("instance_id", id), zap.Error(err))
	}
}

// composePayload builds the "<system>\n\n[MSG:<cid>] <text>" or plain
// "[MSG:<cid>] <text>" wire payload, clearing the instance's pending
// system prompt flag when consumed.
func composePayload(reg *registry.Registry, recipientID, cid, message string) string {
	body := fmt.Sprintf("[MSG:%s] %s", cid, message)
	prompt, has, err := reg.TakePendingSystemPrompt(recipientID)
	if err != nil || !has || strings.TrimSpace(prompt) == "" {
		return body
	}
	return prompt + "\n\n" + body
}

// estimateUsage returns a word-count-based token/cost estimate, used
// when no provider-reported usage figures are available.
func estimateUsage(sent, reply string) (tokens int64, cost float64) {
	words := int64(len(strings.Fields(sent)) + len(strings.Fields(reply)))
	return words, float64(words) * costPerWord
}

// scrapeFallback polls captured pane text every scrapePollInterval until
// timeout elapses, tracking whether the
// pane has grown since a post-delivery baseline and how many consecutive
// polls have seen no further growth.
func (b *Broker) scrapeFallback(ctx context.Context, paneName, lastUserMessage string, timeout time.Duration) (string, string) {
	select {
	case <-time.After(postDeliverySettle):
	case <-ctx.Done():
	}

	baseline, _ := b.mux.CapturePane(ctx, paneName, pane.Capture{Mode: pane.CaptureVisible})
	lastSize := len(baseline)
	lastText := baseline
	responseStarted := false
	stableCount := 0

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(scrapePollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return extractFullScrollback(b.mux, ctx, paneName, lastUserMessage, lastText), "context canceled during pane scrape"
		case <-ticker.C:
		}

		text, err := b.mux.CapturePane(ctx, paneName, pane.Capture{Mode: pane.CaptureVisible})
		if err != nil {
			continue
		}
		lastText = text
		size := len(text)

		if size > lastSize {
			responseStarted = true
			stableCount = 0
			lastSize = size
			continue
		}
		if responseStarted {
			stableCount++
			if stableCount >= completionStableCount {
				return extractFullScrollback(b.mux, ctx, paneName, lastUserMessage, lastText), ""
			}
		}
	}

	if !responseStarted {
		return extractFullScrollback(b.mux, ctx, paneName, lastUserMessage, lastText), "no response activity detected before timeout"
	}
	return extractFullScrollback(b.mux, ctx, paneName, lastUserMessage, lastText), "timeout elapsed before output stabilized"
}

// extractFullScrollback re-captures the full scrollback buffer (the
// poll loop above only captures the visible screen) and strips UI chrome
// from it. Falls back to the last visible-screen capture if the
// scrollback capture itself fails.
func extractFullScrollback(mux pane.Multiplexer, ctx context.Context, paneName, lastUserMessage, fallback string) string {
	full, err := mux.CapturePane(ctx, paneName, pane.Capture{Mode: pane.CaptureAllScrollback})
	if err != nil {
		full = fallback
	}
	return capture.ExtractResponse(full, lastUserMessage)
}

// ReplyToCaller handles an agent invoking its reply tool: the reply
// payload is enqueued onto the replying instance's own queue, which is
// the queue the pending Send for that instance is blocked on, so the
// bidirectional fast path completes. The returned delivered-to id names
// the logical caller — the instance's parent, or the synthetic
// coordinator for a root instance.
func (b *Broker) ReplyToCaller(ctx context.Context, instanceID, replyMessage, correlationID string) (string, error) {
	inst, err := b.reg.Get(instanceID)
	if err != nil {
		return "", err
	}
	deliveredTo := inst.ParentID
	if deliveredTo == "" {
		deliveredTo = CoordinatorSenderID
	}

	client := b.client()
	if correlationID != "" {
		_ = client.UpdateMessageStatus(ctx, correlationID, registry.EnvelopeReplied, replyMessage)
	}

	payload := registry.ReplyPayload{
		SenderID:      instanceID,
		ReplyMessage:  replyMessage,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	}
	_ = client.CreateResponseQueue(ctx, instanceID)
	if err := client.Enqueue(ctx, instanceID, payload); err != nil {
		return "", fmt.Errorf("enqueue reply from %s: %w", instanceID, err)
	}
	return deliveredTo, nil
}

// ChildResult is one child's outcome from BroadcastToChildren.
type ChildResult struct {
	InstanceID string
	Result     SendResult
	Err        error
}

// BroadcastToChildren sends the same message to every non-terminated
// child of parentID, concurrently, with per-child errors segregated
// rather than aborting the whole broadcast.
func (b *Broker) BroadcastToChildren(ctx context.Context, parentID, message string, waitForResponse bool, timeout time.Duration) []ChildResult {
	childIDs := b.reg.Children(parentID)
	results := make([]ChildResult, 0, len(childIDs))
	var mu sync.Mutex

	// errgroup.Group rather than a raw WaitGroup: every fan-out here is a
	// "collect every outcome, never abort the others" shape, which is
	// exactly the part errgroup's unconditional-wait Go + a shared
	// mutex around the accumulator gives for free over a bare
	// WaitGroup, with panics in one child still surfaced instead of
	// silently dropped.
	var g errgroup.Group
	for _, childID := range childIDs {
		inst, err := b.reg.Get(childID)
		if err != nil || inst.State.IsTerminal() {
			continue
		}
		id := childID
		g.Go(func() error {
			res, sendErr := b.Send(ctx, SendRequest{
				SenderID:        parentID,
				RecipientID:     id,
				Message:         message,
				WaitForResponse: waitForResponse,
				Timeout:         timeout,
			})
			mu.Lock()
			results = append(results, ChildResult{InstanceID: id, Result: res, Err: sendErr})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Coordinate runs a multi-instance task: sequential sends results in
// order; parallel and consensus both fan out concurrently and collect
// every reply, with consensus resolution left entirely to the caller.
func (b *Broker) Coordinate(ctx context.Context, coordinatorID string, participantIDs []string, kind registry.CoordinationKind, taskDescription string, timeout time.Duration) (registry.CoordinationTask, error) {
	task := registry.CoordinationTask{
		TaskID:         uuid.New().String(),
		CoordinatorID:  coordinatorID,
		ParticipantIDs: participantIDs,
		Kind:           kind,
		Status:         registry.CoordinationRunning,
		Results:        make(map[string]string, len(participantIDs)),
	}

	switch kind {
	case registry.CoordinationSequential:
		for _, pid := range participantIDs {
			res, err := b.Send(ctx, SendRequest{SenderID: coordinatorID, RecipientID: pid, Message: taskDescription, WaitForResponse: true, Timeout: timeout})
			if err != nil {
				task.Status = registry.CoordinationFailed
				return task, fmt.Errorf("coordinate sequential, participant %s: %w", pid, err)
			}
			task.Results[pid] = res.Response
		}
	case registry.CoordinationParallel, registry.CoordinationConsensus:
		// Plain errgroup.Group, not WithContext: every participant must
		// still be awaited even if one fails, so failure of one send must
		// not cancel the others' in-flight context.
		var mu sync.Mutex
		var g errgroup.Group
		for _, pid := range participantIDs {
			id := pid
			g.Go(func() error {
				res, err := b.Send(ctx, SendRequest{SenderID: coordinatorID, RecipientID: id, Message: taskDescription, WaitForResponse: true, Timeout: timeout})
				if err != nil {
					return fmt.Errorf("coordinate %s, participant %s: %w", kind, id, err)
				}
				mu.Lock()
				task.Results[id] = res.Response
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			task.Status = registry.CoordinationFailed
			return task, err
		}
	default:
		return registry.CoordinationTask{}, fmt.Errorf("%w: unknown coordination kind %q", orcherr.ErrTemplateMalformed, kind)
	}

	task.Status = registry.CoordinationCompleted
	return task, nil
}

// Cleanup drops id's reply queue and envelopes from the active daemon
// client. Its signature matches lifecycle.Cleanup so it can be passed
// directly to Manager.Terminate (rpcserver) and Manager.RunResourceSweep
// (cmd/orchestratord).
func (b *Broker) Cleanup(ctx context.Context, id string) error {
	return b.client().CleanupInstance(ctx, id)
}

// publish emits an audit event the same way lifecycle.Manager does, for
// the broker's own supervisor-relevant conditions.
func (b *Broker) publish(ctx context.Context, eventType, instanceID string, data map[string]any) {
	if b.events == nil {
		return
	}
	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["instance_id"] = instanceID
	evt := bus.NewEvent(eventType, "broker.Broker", payload)
	if err := b.events.Publish(ctx, events.BuildInstanceSubject(instanceID), evt); err != nil {
		b.log.Warn("failed to publish audit event", zap.String("type", eventType), zap.Error(err))
	}
}
