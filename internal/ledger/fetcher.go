package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/groupledger/groupsync/internal/rpc"
)

const defaultPageSize = 100

// FetchOptions tunes a single account-history fetch.
type FetchOptions struct {
	// Limit caps the number of events returned; zero means unbounded (the
	// sequence is still finite, pagination stops at ledger start).
	Limit int
	// Filter restricts the operation categories the node returns.
	Filter OpFilter
	// SinceIndex is the exclusive lower bound for incremental sync; negative
	// means no checkpoint (full history scan).
	SinceIndex int64
}

// Fetcher paginates account histories through the resilient RPC client.
type Fetcher struct {
	client   *rpc.Client
	customID string
	pageSize int
}

// NewFetcher builds a fetcher. customID selects which custom operations are
// recognized as group events; pageSize <= 0 uses the default.
func NewFetcher(client *rpc.Client, customID string, pageSize int) *Fetcher {
	if customID == "" {
		customID = DefaultCustomID
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Fetcher{client: client, customID: customID, pageSize: pageSize}
}

// latestIndex resolves the account's newest history index with an unfiltered
// probe. Filtered history queries misbehave without an explicit anchor, so
// every filtered fetch starts from this.
func (f *Fetcher) latestIndex(ctx context.Context, account string) (int64, error) {
	var raw json.RawMessage
	if err := f.client.Call(ctx, "get_account_history", []interface{}{account, -1, 1}, &raw); err != nil {
		return -1, fmt.Errorf("probe latest index for %s: %w", account, err)
	}

	var rows [][2]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return -1, fmt.Errorf("decode latest index probe: %w", err)
	}
	if len(rows) == 0 {
		return -1, nil
	}
	var seq int64
	if err := json.Unmarshal(rows[len(rows)-1][0], &seq); err != nil {
		return -1, fmt.Errorf("decode latest index: %w", err)
	}
	return seq, nil
}

// FetchEvents returns the account's group/transfer events ordered ascending
// by history index. With a checkpoint it resumes from SinceIndex; without one
// it anchors to the latest index resolved by an unfiltered probe and walks
// back to ledger start. The result is always finite; Limit keeps the newest
// events when it truncates.
func (f *Fetcher) FetchEvents(ctx context.Context, account string, opts FetchOptions) ([]Event, error) {
	latest, err := f.latestIndex(ctx, account)
	if err != nil {
		return nil, err
	}
	if latest < 0 {
		return nil, nil
	}

	since := opts.SinceIndex
	if since < 0 {
		since = -1
	}
	if since >= latest {
		return nil, nil
	}

	var events []Event
	start := latest
	for start > since && start >= 0 {
		limit := int64(f.pageSize)
		if span := start - since; span < limit {
			limit = span
		}
		if start+1 < limit {
			limit = start + 1
		}

		params := []interface{}{account, start, limit}
		if opts.Filter != OpAll {
			params = append(params, uint64(opts.Filter))
		}

		var raw json.RawMessage
		if err := f.client.Call(ctx, "get_account_history", params, &raw); err != nil {
			return nil, fmt.Errorf("fetch history for %s at %d: %w", account, start, err)
		}

		batch, err := decodeHistory(account, raw, f.customID)
		if err != nil {
			return nil, err
		}
		for _, ev := range batch {
			if ev.Sequence > since && ev.Sequence <= start {
				events = append(events, ev)
			}
		}

		start -= limit

		if opts.Limit > 0 && len(events) >= opts.Limit {
			break
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	if opts.Limit > 0 && len(events) > opts.Limit {
		events = events[len(events)-opts.Limit:]
	}
	return events, nil
}

// AccountResult is the per-account outcome of a batch fetch.
type AccountResult struct {
	Events []Event
	Err    error
}

// FetchBatch fetches several accounts' histories concurrently with bounded
// fan-out. Per-account failures are recorded in the result rather than
// failing the batch.
func (f *Fetcher) FetchBatch(ctx context.Context, accounts []string, opts FetchOptions, fanout int) map[string]AccountResult {
	if fanout <= 0 {
		fanout = 4
	}

	results := make([]AccountResult, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)

	for i, account := range accounts {
		i, account := i, account
		g.Go(func() error {
			events, err := f.FetchEvents(gctx, account, opts)
			if err != nil {
				log.Warn().Str("account", account).Err(err).Msg("Batch fetch failed for account")
			}
			results[i] = AccountResult{Events: events, Err: err}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures are per-account

	out := make(map[string]AccountResult, len(accounts))
	for i, account := range accounts {
		out[account] = results[i]
	}
	return out
}

// GlobalProperties is the node's head-state summary.
type GlobalProperties struct {
	HeadBlockNumber int64  `json:"head_block_number"`
	Time            string `json:"time"`
}

// HeadProperties reads the ledger head through the hedged discovery path.
func (f *Fetcher) HeadProperties(ctx context.Context) (*GlobalProperties, error) {
	var props GlobalProperties
	if err := f.client.Hedged(ctx, "get_dynamic_global_properties", nil, &props); err != nil {
		return nil, fmt.Errorf("head properties: %w", err)
	}
	return &props, nil
}

// AccountExists checks account existence through the hedged discovery path.
func (f *Fetcher) AccountExists(ctx context.Context, name string) (bool, error) {
	var accounts []json.RawMessage
	if err := f.client.Hedged(ctx, "get_accounts", [][]string{{name}}, &accounts); err != nil {
		return false, fmt.Errorf("get_accounts %s: %w", name, err)
	}
	return len(accounts) > 0, nil
}
