package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

type hedgeResult struct {
	node string
	raw  json.RawMessage
	err  error
}

// Hedged fires the same read-only query at the top-K healthiest nodes
// concurrently and accepts the first success. Losing branches are abandoned
// once a winner resolves; these are stateless reads, so nothing is cancelled
// against the remote node beyond dropping the context. If every hedge branch
// fails, the remaining nodes are tried sequentially with the longer fallback
// timeout. Intended for discovery queries where staleness is cheap but tail
// latency is user-visible.
func (c *Client) Hedged(ctx context.Context, method string, params, out interface{}) error {
	ranked := c.tracker.Ranked()
	if len(ranked) == 0 {
		return ErrNoNodes
	}

	fanout := c.hedge.Fanout
	if fanout > len(ranked) {
		fanout = len(ranked)
	}
	hedgeNodes, rest := ranked[:fanout], ranked[fanout:]

	hedgeCtx, cancel := context.WithTimeout(ctx, c.hedge.HedgeTimeout)
	defer cancel()

	results := make(chan hedgeResult, fanout)
	for _, node := range hedgeNodes {
		go func(node string) {
			raw, err := c.attempt(hedgeCtx, node, method, params)
			results <- hedgeResult{node: node, raw: raw, err: err}
		}(node)
	}

	var lastErr error
	for i := 0; i < fanout; i++ {
		select {
		case res := <-results:
			if res.err == nil {
				cancel() // abandon the losing branches
				c.metrics.ObserveHedge("won")
				return decodeHedged(res.node, res.raw, out)
			}
			lastErr = res.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Debug().Str("method", method).Int("fanout", fanout).Err(lastErr).
		Msg("All hedge branches failed, falling back to sequential trials")

	for _, node := range rest {
		if err := ctx.Err(); err != nil {
			return err
		}
		fbCtx, fbCancel := context.WithTimeout(ctx, c.hedge.FallbackTimeout)
		raw, err := c.attempt(fbCtx, node, method, params)
		fbCancel()
		if err == nil {
			c.metrics.ObserveHedge("fallback")
			return decodeHedged(node, raw, out)
		}
		lastErr = err
	}

	c.metrics.ObserveHedge("failed")
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func decodeHedged(node string, raw json.RawMessage, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &NodeError{Node: node, Code: ErrCodeDecode, Message: "decode result", Temporary: false, Cause: err}
	}
	return nil
}
