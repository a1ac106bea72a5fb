// Package keystroke implements the paste-safe multiline sender. Agent
// CLIs treat a burst of input arriving faster than human typing speed as a
// paste event and often respond differently (or not at all) to it, so
// every multiline payload is split on line feeds and delivered as a
// sequence of timed keystroke batches instead of one write.
package keystroke

import (
	"context"
	"sync"
	"time"

	"github.com/barkain/madrox/internal/orchestrator/pane"
)

const (
	smallPayloadThreshold  = 1024 // bytes; <= this uses the fastest delay
	mediumPayloadThreshold = 3072 // bytes; <= this uses the medium delay

	smallDelay  = 10 * time.Millisecond
	mediumDelay = 15 * time.Millisecond
	largeDelay  = 20 * time.Millisecond

	presubmitPause = 50 * time.Millisecond
)

// delayFor selects the per-keystroke delay by payload size:
// <=1KiB -> 10ms, <=3KiB -> 15ms, >3KiB -> 20ms.
func delayFor(payloadBytes int) time.Duration {
	switch {
	case payloadBytes <= smallPayloadThreshold:
		return smallDelay
	case payloadBytes <= mediumPayloadThreshold:
		return mediumDelay
	default:
		return largeDelay
	}
}

// Pacer serializes keystroke delivery to panes. One mutex per pane name
// guarantees strict per-pane FIFO ordering even when multiple goroutines
// attempt to send to the same pane concurrently through this Pacer.
// Keys sent directly through the Multiplexer (such as an interrupt) are
// not serialized by it.
type Pacer struct {
	mux pane.Multiplexer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Pacer delivering through mux.
func New(mux pane.Multiplexer) *Pacer {
	return &Pacer{mux: mux, locks: make(map[string]*sync.Mutex)}
}

func (p *Pacer) laneFor(paneName string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lane, ok := p.locks[paneName]
	if !ok {
		lane = &sync.Mutex{}
		p.locks[paneName] = lane
	}
	return lane
}

// sleep honors ctx cancellation while waiting out a pacing delay.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers text to paneName at a paste-safe pace, optionally followed
// by a submit keystroke. An empty text with submit=true emits only the
// submit key.
func (p *Pacer) Send(ctx context.Context, paneName string, text string, submit bool) error {
	lane := p.laneFor(paneName)
	lane.Lock()
	defer lane.Unlock()

	delay := delayFor(len(text))

	if text != "" {
		segments := splitLines(text)
		for i, segment := range segments {
			if segment != "" {
				if err := p.mux.SendKeys(ctx, paneName, segment, false); err != nil {
					return err
				}
				if err := sleep(ctx, delay); err != nil {
					return err
				}
			}
			if i < len(segments)-1 {
				if err := p.mux.SendKey(ctx, paneName, pane.KeyNewlineNoSubmit); err != nil {
					return err
				}
				if err := sleep(ctx, delay); err != nil {
					return err
				}
			}
		}
	}

	if !submit {
		return nil
	}

	if err := sleep(ctx, presubmitPause); err != nil {
		return err
	}
	return p.mux.SendKey(ctx, paneName, pane.KeySubmit)
}

// splitLines splits on line feeds without dropping empty trailing
// segments, so blank lines in the payload still become their own segment.
func splitLines(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out = append(out, text[start:i])
			start = i + 1
		}
	}
	out = append(out, text[start:])
	return out
}
