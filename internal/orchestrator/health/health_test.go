package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barkain/madrox/internal/common/logger"
	"github.com/barkain/madrox/internal/events/bus"
	"github.com/barkain/madrox/internal/orchestrator/daemon"
	"github.com/barkain/madrox/internal/orchestrator/pane"
	"github.com/barkain/madrox/internal/orchestrator/registry"
)

// fakeClient is a minimal daemon.Client whose HealthCheck result is
// scripted per-call, for exercising the consecutive-failure counter
// without a real connection.
type fakeClient struct {
	daemon.Client
	results []daemon.HealthResult
	errs    []error
	calls   int
}

func (f *fakeClient) HealthCheck(ctx context.Context, timeout time.Duration) (daemon.HealthResult, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return f.results[len(f.results)-1], f.errs[len(f.errs)-1]
	}
	return f.results[i], f.errs[i]
}

// fakeDegrader records whether DisableRemoteClient was called.
type fakeDegrader struct {
	disabled bool
}

func (d *fakeDegrader) DisableRemoteClient() { d.disabled = true }

func newTestSupervisor(t *testing.T, client daemon.Client, brk degrader) (*Supervisor, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	mux := pane.NewFakeMultiplexer()
	log := logger.Default()
	s := New(reg, mux, brk, client, bus.NewMemoryEventBus(log), log)
	return s, reg
}

func TestCheckOnceResetsCounterOnSuccess(t *testing.T) {
	client := &fakeClient{
		results: []daemon.HealthResult{{Healthy: false}, {Healthy: true}},
		errs:    []error{errors.New("refused"), nil},
	}
	s, _ := newTestSupervisor(t, client, &fakeDegrader{})

	if s.checkOnce(context.Background()) {
		t.Fatalf("first failure should not trigger degradation")
	}
	if s.consecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", s.consecutiveFailures)
	}
	if s.checkOnce(context.Background()) {
		t.Fatalf("a healthy check should never trigger degradation")
	}
	if s.consecutiveFailures != 0 {
		t.Fatalf("expected failure counter reset after success, got %d", s.consecutiveFailures)
	}
}

func TestCheckOnceDegradesAfterThreeFailures(t *testing.T) {
	client := &fakeClient{
		results: []daemon.HealthResult{{Healthy: false}, {Healthy: false}, {Healthy: false}},
		errs:    []error{errors.New("e1"), errors.New("e2"), errors.New("e3")},
	}
	brk := &fakeDegrader{}
	s, reg := newTestSupervisor(t, client, brk)
	if err := reg.Create(registry.Instance{ID: "inst-1", State: registry.StateIdle}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if s.checkOnce(context.Background()) {
		t.Fatalf("first failure should not degrade")
	}
	if s.checkOnce(context.Background()) {
		t.Fatalf("second failure should not degrade")
	}
	if !s.checkOnce(context.Background()) {
		t.Fatalf("third consecutive failure should degrade and stop the loop")
	}
	if !brk.disabled {
		t.Fatalf("expected remote client to be disabled on degradation")
	}

	inst, err := reg.Get("inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.ErrorMessage == "" {
		t.Fatalf("expected non-terminated instance to receive a degraded-daemon error message")
	}
}

func TestCheckOnceSkipsTerminatedInstancesOnDegrade(t *testing.T) {
	client := &fakeClient{
		results: []daemon.HealthResult{{}, {}, {}},
		errs:    []error{errors.New("e"), errors.New("e"), errors.New("e")},
	}
	s, reg := newTestSupervisor(t, client, &fakeDegrader{})
	if err := reg.Create(registry.Instance{ID: "done", State: registry.StateIdle}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Transition("done", registry.StateTerminated); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	s.checkOnce(context.Background())
	s.checkOnce(context.Background())
	s.checkOnce(context.Background())

	inst, err := reg.Get("done")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.ErrorMessage != "" {
		t.Fatalf("expected terminated instance to be left alone, got error_message=%q", inst.ErrorMessage)
	}
}

func TestRunDaemonLivenessLoopReturnsImmediatelyWithNoClient(t *testing.T) {
	s, _ := newTestSupervisor(t, nil, &fakeDegrader{})
	done := make(chan struct{})
	go func() {
		s.RunDaemonLivenessLoop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected loop to return immediately when no daemon client is configured")
	}
}

func TestCheckPaneReportsHealthyActivePane(t *testing.T) {
	mux := pane.NewFakeMultiplexer()
	reg := registry.New()
	log := logger.Default()
	s := New(reg, mux, &fakeDegrader{}, nil, bus.NewMemoryEventBus(log), log)

	if _, err := mux.CreateSession(context.Background(), "pane-1", t.TempDir(), 80, 24); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result := s.CheckPane(context.Background(), "pane-1")
	if !result.Healthy {
		t.Fatalf("expected healthy pane, got %+v", result)
	}
	if result.ProcessID == 0 {
		t.Fatalf("expected a non-zero process id")
	}
}

func TestCheckPaneReportsUnhealthyForMissingPane(t *testing.T) {
	mux := pane.NewFakeMultiplexer()
	reg := registry.New()
	log := logger.Default()
	s := New(reg, mux, &fakeDegrader{}, nil, bus.NewMemoryEventBus(log), log)

	result := s.CheckPane(context.Background(), "does-not-exist")
	if result.Healthy {
		t.Fatalf("expected unhealthy result for a missing pane")
	}
	if result.Error == "" {
		t.Fatalf("expected an error message")
	}
}
