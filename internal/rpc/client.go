// Package rpc wraps raw node calls with retry, backoff, circuit breaking and
// health-scored node selection. All ledger reads go through here; the pool is
// assumed unreliable and every attempt feeds the node health tracker.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/groupledger/groupsync/internal/metrics"
	"github.com/groupledger/groupsync/internal/nodepool"
)

// RetryPolicy controls the sequential retry loop.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts, 1s initial
// delay, 2x multiplier, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-based), capped at
// MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// HedgePolicy controls the hedged discovery mode.
type HedgePolicy struct {
	Fanout          int
	HedgeTimeout    time.Duration
	FallbackTimeout time.Duration
}

// DefaultHedgePolicy fans out to the 3 healthiest nodes with a 2s hedge
// window and a 5s sequential fallback.
func DefaultHedgePolicy() HedgePolicy {
	return HedgePolicy{Fanout: 3, HedgeTimeout: 2 * time.Second, FallbackTimeout: 5 * time.Second}
}

// Options configures a Client.
type Options struct {
	Retry   RetryPolicy
	Hedge   HedgePolicy
	RPS     float64 // per-node request budget
	Burst   int
	Metrics *metrics.Set
}

// Client is the resilient entry point for all node calls.
type Client struct {
	tracker   *nodepool.Tracker
	transport Transport
	retry     RetryPolicy
	hedge     HedgePolicy
	metrics   *metrics.Set

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	breakers   map[string]*gobreaker.CircuitBreaker
	rps        float64
	burst      int
	lastResets int64
}

// NewClient builds a client over the given tracker and transport.
func NewClient(tracker *nodepool.Tracker, transport Transport, opts Options) *Client {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Hedge.Fanout == 0 {
		opts.Hedge = DefaultHedgePolicy()
	}
	if opts.RPS == 0 {
		opts.RPS = 10
	}
	if opts.Burst == 0 {
		opts.Burst = 5
	}
	return &Client{
		tracker:   tracker,
		transport: transport,
		retry:     opts.Retry,
		hedge:     opts.Hedge,
		metrics:   opts.Metrics,
		limiters:  make(map[string]*rate.Limiter),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		rps:       opts.RPS,
		burst:     opts.Burst,
	}
}

// Tracker exposes the underlying node pool for status surfaces.
func (c *Client) Tracker() *nodepool.Tracker { return c.tracker }

func (c *Client) limiter(node string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[node]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[node] = l
	}
	return l
}

func (c *Client) breaker(node string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[node]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    node,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
			},
			// An attempt abandoned by its caller says nothing about the node.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
		c.breakers[node] = b
	}
	return b
}

// attempt runs one call against one node, recording latency and outcome in
// the tracker regardless of result.
func (c *Client) attempt(ctx context.Context, node, method string, params interface{}) (json.RawMessage, error) {
	if err := c.limiter(node).Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.breaker(node).Execute(func() (interface{}, error) {
		return c.transport.Do(ctx, node, method, params)
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The caller walked away mid-flight (a hedge sibling won, or the
			// whole operation was cancelled). The node did nothing wrong, so
			// neither the tracker nor the metrics hear about it.
			return nil, err
		}
		c.tracker.RecordLatency(node, elapsed)
		c.tracker.RecordError(node)
		c.publishHealth(node)
		c.metrics.ObserveRPC(node, "error", elapsed)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &NodeError{Node: node, Code: ErrCodeCircuitOpen, Message: "circuit open", Temporary: true, Cause: err}
		}
		return nil, err
	}

	c.tracker.RecordLatency(node, elapsed)
	c.tracker.RecordSuccess(node)
	c.publishHealth(node)
	c.metrics.ObserveRPC(node, "success", elapsed)
	return res.(json.RawMessage), nil
}

// publishHealth pushes the node's current health bit to the metrics gauge.
func (c *Client) publishHealth(node string) {
	if c.metrics == nil {
		return
	}
	for _, h := range c.tracker.Snapshot() {
		if h.URL == node {
			c.metrics.SetNodeHealth(node, h.Healthy)
			return
		}
	}
}

// observeResets forwards tracker reset increments to the metrics counter and
// republishes every node's health bit, which a reset just flipped.
func (c *Client) observeResets() {
	if c.metrics == nil {
		return
	}
	resets := c.tracker.Resets()
	c.mu.Lock()
	delta := resets - c.lastResets
	if delta > 0 {
		c.lastResets = resets
	}
	c.mu.Unlock()
	if delta <= 0 {
		return
	}
	for ; delta > 0; delta-- {
		c.metrics.ObserveReset()
	}
	for _, h := range c.tracker.Snapshot() {
		c.metrics.SetNodeHealth(h.URL, h.Healthy)
	}
}

// Call selects the best node, attempts the call, and retries with
// exponential backoff on temporary failures, re-selecting the best node each
// round. Validation errors surface immediately. Cancellation is honored at
// the top of each iteration and during the backoff sleep. Exhaustion
// surfaces the final attempt's error wrapped in ErrRetriesExhausted.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		node := c.tracker.SelectBest()
		if node == "" {
			return ErrNoNodes
		}
		c.observeResets()

		raw, err := c.attempt(ctx, node, method, params)
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return &NodeError{Node: node, Code: ErrCodeDecode, Message: "decode result", Temporary: false, Cause: err}
			}
			return nil
		}

		lastErr = err
		if !IsTemporary(err) {
			return err
		}

		log.Debug().Str("node", node).Str("method", method).Int("attempt", attempt+1).
			Err(err).Msg("RPC attempt failed")

		if attempt < c.retry.MaxAttempts-1 {
			select {
			case <-time.After(c.retry.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}
