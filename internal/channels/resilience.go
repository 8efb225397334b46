package channels

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/nanoclaw/internal/otel"
)

// Resilience tuning. Five network failures inside the window mean the
// connection is dead rather than blipping, so the transport gets a hard
// restart. A failed restart is retried once after a delay instead of
// looping, which bounds concurrent restart attempts to one.
const (
	failureThreshold   = 5
	failureWindow      = 60 * time.Second
	restartSettleDelay = 2 * time.Second
	restartRetryDelay  = 5 * time.Second
)

// Transport is the connection surface a ConnectionGuard controls. Stop
// followed by Start must yield a fresh connection.
type Transport interface {
	StartTransport(ctx context.Context) error
	StopTransport() error
}

// retryTimer is the cancellable handle for a deferred restart.
type retryTimer interface {
	Stop() bool
}

// ConnectionGuard keeps a long-lived polling connection alive across
// transient network faults. Poll loops feed it every failure; it counts
// network-classified ones inside a sliding window and restarts the
// transport when the threshold is hit.
//
// HandleFailure, Restart, and Stop may be called from different
// goroutines. A restart in flight suppresses concurrent restart
// requests, and Stop cancels a deferred retry that has not fired yet.
type ConnectionGuard struct {
	transport Transport
	logger    *slog.Logger
	metrics   *otel.Metrics

	now      func() time.Time
	sleep    func(time.Duration)
	schedule func(time.Duration, func()) retryTimer

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	restarting  bool
	retry       retryTimer
	stopped     bool
}

// NewConnectionGuard creates a guard for the given transport. metrics
// may be nil.
func NewConnectionGuard(transport Transport, logger *slog.Logger, metrics *otel.Metrics) *ConnectionGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionGuard{
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		sleep:     time.Sleep,
		schedule: func(d time.Duration, f func()) retryTimer {
			return time.AfterFunc(d, f)
		},
	}
}

// HandleFailure classifies a polling failure and updates the error
// window. Non-network failures are logged and otherwise ignored. It
// never returns an error: the poll loop that feeds it has no recovery
// action of its own.
func (g *ConnectionGuard) HandleFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if !IsNetworkError(err) {
		g.logger.Warn("transport error (non-network), ignoring", "err", err.Error())
		return
	}
	if g.metrics != nil {
		g.metrics.TransportErrors.Add(ctx, 1)
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	now := g.now()
	if !g.lastFailure.IsZero() && now.Sub(g.lastFailure) > failureWindow {
		g.failures = 0
	}
	g.failures++
	g.lastFailure = now
	count := g.failures
	g.mu.Unlock()

	g.logger.Warn("transport network error",
		"err", err.Error(),
		"failures", count,
		"threshold", failureThreshold)

	if count >= failureThreshold {
		g.Restart(ctx)
	}
}

// Restart stops the transport, waits for it to settle, and starts it
// again. A restart already in flight makes this call a no-op. If the
// sequence fails, a single deferred retry is scheduled instead of
// looping.
func (g *ConnectionGuard) Restart(ctx context.Context) {
	g.mu.Lock()
	if g.restarting || g.stopped {
		g.mu.Unlock()
		return
	}
	g.restarting = true
	g.mu.Unlock()

	g.logger.Info("restarting transport", "settle", restartSettleDelay.String())

	err := g.transport.StopTransport()
	if err != nil {
		g.logger.Warn("transport stop failed during restart", "err", err.Error())
	}
	g.sleep(restartSettleDelay)

	// Stop may have completed while the transport was down. Starting it
	// now would resurrect a connection the caller tore down.
	g.mu.Lock()
	if g.stopped {
		g.restarting = false
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	err = g.transport.StartTransport(ctx)

	g.mu.Lock()
	g.restarting = false
	g.failures = 0
	g.lastFailure = time.Time{}
	stopped := g.stopped
	g.mu.Unlock()

	if stopped {
		// Stop raced the start call. Tear the transport back down so
		// Stop's guarantee holds.
		_ = g.transport.StopTransport()
		return
	}
	if err != nil {
		g.logger.Error("transport restart failed, scheduling retry",
			"err", err.Error(),
			"retry_in", restartRetryDelay.String())
		g.scheduleRetry(ctx)
		return
	}

	if g.metrics != nil {
		g.metrics.TransportRestarts.Add(ctx, 1)
	}
	g.logger.Info("transport restarted")
}

func (g *ConnectionGuard) scheduleRetry(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if g.retry != nil {
		g.retry.Stop()
	}
	g.retry = g.schedule(restartRetryDelay, func() {
		g.Restart(ctx)
	})
}

// Stop cancels any pending deferred retry and stops the transport. A
// retry firing after Stop cannot resurrect the connection.
func (g *ConnectionGuard) Stop() error {
	g.mu.Lock()
	g.stopped = true
	if g.retry != nil {
		g.retry.Stop()
		g.retry = nil
	}
	g.mu.Unlock()
	return g.transport.StopTransport()
}

// networkErrorMarkers are substrings that mark a failure as a transport
// network fault rather than a protocol or API error.
var networkErrorMarkers = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"no such host",
	"network is unreachable",
	"broken pipe",
}

// IsNetworkError reports whether err looks like a transient network
// fault. API-level failures (bad request, rate limit, auth) do not
// qualify and must not advance the failure counter.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
