package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu       sync.Mutex
	stops    int
	starts   int
	startErr []error // consumed one per StartTransport call, nil when exhausted
}

func (f *fakeTransport) StartTransport(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if len(f.startErr) > 0 {
		err := f.startErr[0]
		f.startErr = f.startErr[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) StopTransport() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) counts() (stops, starts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.starts
}

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
	fn      func()
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	fn := t.fn
	t.mu.Unlock()
	if !stopped && fn != nil {
		fn()
	}
}

// newTestGuard returns a guard with a controllable clock, no-op settle
// sleep, and captured retry timers.
func newTestGuard(transport Transport) (*ConnectionGuard, *time.Time, *[]*fakeTimer) {
	g := NewConnectionGuard(transport, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timers := []*fakeTimer{}
	g.now = func() time.Time { return now }
	g.sleep = func(time.Duration) {}
	g.schedule = func(_ time.Duration, f func()) retryTimer {
		t := &fakeTimer{fn: f}
		timers = append(timers, t)
		return t
	}
	return g, &now, &timers
}

func netErr() error { return errors.New("read tcp 1.2.3.4:443: connection reset by peer") }

func TestGuard_ThresholdTriggersExactlyOneRestart(t *testing.T) {
	transport := &fakeTransport{}
	g, _, _ := newTestGuard(transport)
	ctx := context.Background()

	for i := 0; i < failureThreshold; i++ {
		g.HandleFailure(ctx, netErr())
	}

	stops, starts := transport.counts()
	if stops != 1 || starts != 1 {
		t.Fatalf("stops=%d starts=%d, want 1/1", stops, starts)
	}

	// Counter was reset by the restart, so four more failures stay
	// below threshold.
	for i := 0; i < failureThreshold-1; i++ {
		g.HandleFailure(ctx, netErr())
	}
	stops, _ = transport.counts()
	if stops != 1 {
		t.Errorf("restart fired again below threshold: stops=%d", stops)
	}
}

func TestGuard_WindowResetsCounter(t *testing.T) {
	transport := &fakeTransport{}
	g, now, _ := newTestGuard(transport)
	ctx := context.Background()

	for i := 0; i < failureThreshold-1; i++ {
		g.HandleFailure(ctx, netErr())
	}
	*now = now.Add(failureWindow + time.Second)
	g.HandleFailure(ctx, netErr())

	stops, _ := transport.counts()
	if stops != 0 {
		t.Fatalf("restart fired after window reset: stops=%d", stops)
	}
}

func TestGuard_NonNetworkErrorsDoNotCount(t *testing.T) {
	transport := &fakeTransport{}
	g, _, _ := newTestGuard(transport)
	ctx := context.Background()

	for i := 0; i < failureThreshold-1; i++ {
		g.HandleFailure(ctx, netErr())
	}
	// An API failure must not advance the counter.
	g.HandleFailure(ctx, errors.New("Bad Request: chat not found"))

	stops, _ := transport.counts()
	if stops != 0 {
		t.Fatalf("non-network error tripped the threshold: stops=%d", stops)
	}

	// One more genuine network fault does.
	g.HandleFailure(ctx, netErr())
	stops, _ = transport.counts()
	if stops != 1 {
		t.Fatalf("stops=%d, want 1", stops)
	}
}

func TestGuard_ConcurrentTriggersRunOneRestart(t *testing.T) {
	transport := &fakeTransport{}
	g, _, _ := newTestGuard(transport)
	gate := make(chan struct{})
	g.sleep = func(time.Duration) { <-gate }

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Restart(context.Background())
		}()
	}

	// Let one restart reach the settle sleep, then release it. The
	// second trigger must have bailed on the re-entrancy flag.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	stops, starts := transport.counts()
	if stops != 1 || starts != 1 {
		t.Fatalf("stops=%d starts=%d, want 1/1", stops, starts)
	}
}

func TestGuard_FailedRestartSchedulesSingleRetry(t *testing.T) {
	transport := &fakeTransport{startErr: []error{errors.New("dial tcp: connection refused")}}
	g, _, timers := newTestGuard(transport)
	ctx := context.Background()

	g.Restart(ctx)
	if len(*timers) != 1 {
		t.Fatalf("scheduled %d retries, want 1", len(*timers))
	}
	if _, starts := transport.counts(); starts != 1 {
		t.Fatalf("starts=%d before retry fires", starts)
	}

	(*timers)[0].fire()
	stops, starts := transport.counts()
	if stops != 2 || starts != 2 {
		t.Fatalf("stops=%d starts=%d after retry, want 2/2", stops, starts)
	}
	if len(*timers) != 1 {
		t.Errorf("successful retry scheduled another timer: %d", len(*timers))
	}
}

func TestGuard_StopCancelsPendingRetry(t *testing.T) {
	transport := &fakeTransport{startErr: []error{errors.New("dial tcp: i/o timeout")}}
	g, _, timers := newTestGuard(transport)

	g.Restart(context.Background())
	if len(*timers) != 1 {
		t.Fatalf("scheduled %d retries, want 1", len(*timers))
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !(*timers)[0].stopped {
		t.Error("pending retry timer not cancelled by Stop")
	}

	// A timer that somehow fires anyway must not resurrect the
	// transport.
	(*timers)[0].fn()
	_, starts := transport.counts()
	if starts != 1 {
		t.Errorf("restart ran after Stop: starts=%d", starts)
	}
}

// runStateTransport tracks whether the transport is currently running
// and can interpose on StartTransport.
type runStateTransport struct {
	mu      sync.Mutex
	running bool
	onStart func()
}

func (f *runStateTransport) StartTransport(context.Context) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *runStateTransport) StopTransport() error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *runStateTransport) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func TestGuard_StopDuringSettleAbortsStart(t *testing.T) {
	transport := &fakeTransport{}
	g, _, _ := newTestGuard(transport)
	entered := make(chan struct{})
	release := make(chan struct{})
	g.sleep = func(time.Duration) {
		close(entered)
		<-release
	}

	done := make(chan struct{})
	go func() {
		g.Restart(context.Background())
		close(done)
	}()

	<-entered
	if err := g.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(release)
	<-done

	if _, starts := transport.counts(); starts != 0 {
		t.Errorf("restart started transport after Stop: starts=%d", starts)
	}
}

func TestGuard_StopRacingStartLeavesTransportStopped(t *testing.T) {
	transport := &runStateTransport{}
	g, _, _ := newTestGuard(transport)
	transport.onStart = func() { _ = g.Stop() }

	g.Restart(context.Background())

	if transport.isRunning() {
		t.Error("transport left running after Stop completed during restart")
	}
}

func TestGuard_FailuresAfterStopIgnored(t *testing.T) {
	transport := &fakeTransport{}
	g, _, _ := newTestGuard(transport)
	g.Stop()

	for i := 0; i < failureThreshold; i++ {
		g.HandleFailure(context.Background(), netErr())
	}
	_, starts := transport.counts()
	if starts != 0 {
		t.Errorf("stopped guard restarted transport: starts=%d", starts)
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), true},
		{"client timeout", errors.New("context deadline exceeded (Client.Timeout exceeded)"), true},
		{"io timeout", errors.New("dial tcp: i/o timeout"), true},
		{"dns", errors.New("dial tcp: lookup api.telegram.org: no such host"), true},
		{"unreachable", errors.New("connect: network is unreachable"), true},
		{"api 400", errors.New("Bad Request: message text is empty"), false},
		{"api 401", errors.New("Unauthorized"), false},
		{"rate limit", errors.New("Too Many Requests: retry after 30"), false},
		{"wrapped", fmt.Errorf("get updates: %w", errors.New("read: connection reset by peer")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
