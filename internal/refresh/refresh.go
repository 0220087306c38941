// Package refresh runs token refreshes single-flight.
//
// At most one refresh call is in flight at a time. Callers arriving while it
// runs join the same cycle and get the same outcome. A caller arriving after
// the cycle settled starts a new one.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nkiryanov/therapyclient/internal/logger"
)

const defaultTimeout = 10 * time.Second

type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome of a refresh cycle: either Refreshed with new access token or Failed with reason
type Outcome struct {
	AccessToken string
	Err         error
}

func Refreshed(accessToken string) Outcome {
	return Outcome{AccessToken: accessToken}
}

func Failed(err error) Outcome {
	return Outcome{Err: err}
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Func performs the refresh call. It must respect ctx
type Func func(ctx context.Context) Outcome

type Config struct {
	// Upper bound of one refresh call. Default is used if zero
	Timeout time.Duration
}

type cycle struct {
	done    chan struct{}
	outcome Outcome

	// Callers waiting for this cycle, guarded by Coordinator.mu
	waiters int
}

type Coordinator struct {
	fn      Func
	timeout time.Duration
	logger  logger.Logger

	mu      sync.Mutex
	current *cycle
}

func NewCoordinator(fn Func, cfg Config, l logger.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Coordinator{
		fn:      fn,
		timeout: cfg.Timeout,
		logger:  l,
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return StateRefreshing
	}
	return StateIdle
}

// AcquireOrWait starts a refresh cycle or joins the running one and waits for its outcome.
//
// Error is returned only if ctx ends first. The cycle keeps running for other
// callers then: it is detached from the cancellation of whoever started it.
func (c *Coordinator) AcquireOrWait(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	cyc := c.current
	if cyc == nil {
		cyc = &cycle{done: make(chan struct{})}
		c.current = cyc
		go c.run(context.WithoutCancel(ctx), cyc)
	}
	cyc.waiters++
	c.mu.Unlock()

	select {
	case <-cyc.done:
		return cyc.outcome, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("waiting for token refresh: %w", ctx.Err())
	}
}

func (c *Coordinator) run(ctx context.Context, cyc *cycle) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	outcome := c.call(ctx)

	c.mu.Lock()
	cyc.outcome = outcome
	c.current = nil
	waiters := cyc.waiters
	c.mu.Unlock()

	// ctx carries values of the caller that started the cycle, e.g. its request id
	l := c.logger.Ctx(ctx)
	if outcome.OK() {
		l.Debug("Token refresh succeeded", "duration", time.Since(start), "waiters", waiters)
	} else {
		l.Warn("Token refresh failed", "duration", time.Since(start), "waiters", waiters, "error", outcome.Err)
	}

	close(cyc.done)
}

func (c *Coordinator) call(ctx context.Context) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(fmt.Errorf("token refresh panicked: %v", r))
		}
	}()

	return c.fn(ctx)
}
