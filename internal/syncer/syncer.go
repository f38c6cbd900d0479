// Package syncer drives the read pipeline: pull account histories past each
// checkpoint, fold the merged events into group state, correlate payments,
// persist snapshots, then advance the checkpoints. Checkpoint advancement is
// the commit point; everything before it may be redone safely.
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groupledger/groupsync/internal/cache"
	"github.com/groupledger/groupsync/internal/group"
	"github.com/groupledger/groupsync/internal/ledger"
	"github.com/groupledger/groupsync/internal/metrics"
	"github.com/groupledger/groupsync/internal/payments"
)

// EventSource abstracts the ledger fetcher.
type EventSource interface {
	FetchBatch(ctx context.Context, accounts []string, opts ledger.FetchOptions, fanout int) map[string]ledger.AccountResult
}

// Archiver receives every new event for durable audit storage. Optional.
type Archiver interface {
	ArchiveEvents(ctx context.Context, events []ledger.Event) error
}

// Checkpoint is the per-account history cursor. Index is the highest history
// sequence whose effects are fully persisted.
type Checkpoint struct {
	Account   string    `json:"account"`
	Index     int64     `json:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Accounts       int           `json:"accounts"`
	FailedAccounts int           `json:"failed_accounts"`
	Events         int           `json:"events"`
	Groups         int           `json:"groups"`
}

// Options tunes the orchestrator.
type Options struct {
	Fanout   int           // concurrent account fetches
	Interval time.Duration // RunForever cadence
	Filter   ledger.OpFilter
	Metrics  *metrics.Set
}

// Orchestrator is the single writer over the registry and the store. Its
// methods are safe for concurrent use; internally a mutex serializes cycles.
type Orchestrator struct {
	source     EventSource
	store      cache.Store
	archive    Archiver
	correlator *payments.Correlator
	opts       Options

	mu       sync.Mutex
	registry *group.Registry
	accounts map[string]bool
	last     CycleStats

	// Kick wakes RunForever ahead of schedule, e.g. when the head watcher
	// sees a new block touching a tracked account.
	Kick chan struct{}
}

// New builds an orchestrator. archive may be nil.
func New(source EventSource, store cache.Store, archive Archiver, correlator *payments.Correlator, opts Options) *Orchestrator {
	if opts.Fanout <= 0 {
		opts.Fanout = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Filter == 0 {
		opts.Filter = ledger.OpBoth
	}
	return &Orchestrator{
		source:     source,
		store:      store,
		archive:    archive,
		correlator: correlator,
		opts:       opts,
		registry:   group.NewRegistry(),
		accounts:   make(map[string]bool),
		Kick:       make(chan struct{}, 1),
	}
}

// Track adds accounts to the watch set.
func (o *Orchestrator) Track(accounts ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range accounts {
		if a != "" {
			o.accounts[a] = true
		}
	}
}

// Tracked returns the current watch set, sorted.
func (o *Orchestrator) Tracked() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trackedLocked()
}

func (o *Orchestrator) trackedLocked() []string {
	out := make([]string, 0, len(o.accounts))
	for a := range o.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Registry returns a deep copy of the current derived state, safe to read
// while cycles continue.
func (o *Orchestrator) Registry() *group.Registry {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := group.NewRegistry()
	for _, id := range o.registry.GroupIDs() {
		snap.Restore(o.registry.Get(id).Clone())
	}
	return snap
}

// LastCycle returns stats from the most recent cycle.
func (o *Orchestrator) LastCycle() CycleStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Restore rebuilds in-memory state from the store. Missing keys mean a cold
// start and are not errors.
func (o *Orchestrator) Restore(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var index []string
	if err := o.store.Get(ctx, cache.IndexKey(), &index); err != nil {
		if err == cache.ErrNotFound {
			return nil
		}
		return err
	}
	for _, id := range index {
		var s group.State
		if err := o.store.Get(ctx, cache.GroupKey(id), &s); err != nil {
			if err == cache.ErrNotFound {
				log.Warn().Str("group", id).Msg("Indexed group has no snapshot, will rebuild from ledger")
				continue
			}
			return err
		}
		o.registry.Restore(&s)
	}
	log.Info().Int("groups", len(o.registry.GroupIDs())).Msg("State restored from store")
	return nil
}

// RunCycle performs one full sync pass. Accounts whose fetch failed keep
// their old checkpoint and are retried next cycle; their absence never
// blocks progress on the others.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleStats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	stats := CycleStats{StartedAt: start}
	accounts := o.trackedLocked()
	stats.Accounts = len(accounts)
	if len(accounts) == 0 {
		return stats, nil
	}

	// Per-account fetch options need per-account checkpoints, so the batch
	// call is assembled after loading cursors.
	checkpoints := make(map[string]Checkpoint, len(accounts))
	for _, account := range accounts {
		cp := Checkpoint{Account: account, Index: -1}
		if err := o.store.Get(ctx, cache.CheckpointKey(account), &cp); err != nil && err != cache.ErrNotFound {
			return stats, err
		}
		checkpoints[account] = cp
	}
	results := o.fetchAll(ctx, accounts, checkpoints)

	var merged []ledger.Event
	seenTx := make(map[string]bool)
	newIndex := make(map[string]int64)
	for account, res := range results {
		if res.Err != nil {
			stats.FailedAccounts++
			log.Warn().Err(res.Err).Str("account", account).Msg("Account fetch failed, keeping checkpoint")
			continue
		}
		for _, ev := range res.Events {
			if idx, ok := newIndex[account]; !ok || ev.Sequence > idx {
				newIndex[account] = ev.Sequence
			}
			// Transfers appear in both the sender's and the recipient's
			// history; fold each transaction once.
			if ev.TxID != "" && seenTx[ev.TxID] {
				continue
			}
			seenTx[ev.TxID] = true
			merged = append(merged, ev)
		}
	}
	stats.Events = len(merged)

	// Cross-account merge order: block height, then per-account sequence.
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Block != merged[j].Block {
			return merged[i].Block < merged[j].Block
		}
		return merged[i].Sequence < merged[j].Sequence
	})

	if o.archive != nil && len(merged) > 0 {
		if err := o.archive.ArchiveEvents(ctx, merged); err != nil {
			// The archive is an audit sink, not the source of truth; a write
			// failure is logged and the cycle continues.
			log.Error().Err(err).Msg("Event archive write failed")
		}
	}

	var transfers []ledger.Event
	for _, ev := range merged {
		if ev.Action == ledger.ActionTransfer {
			transfers = append(transfers, ev)
			continue
		}
		o.registry.Apply(ev)
	}

	if err := o.persistLocked(ctx, transfers); err != nil {
		o.opts.Metrics.ObserveCycle("error", 0)
		return stats, err
	}

	// Commit point: cursors advance only after every snapshot write landed.
	for account, idx := range newIndex {
		cp := checkpoints[account]
		if idx <= cp.Index {
			continue
		}
		cp.Index = idx
		cp.UpdatedAt = time.Now().UTC()
		if err := o.store.Put(ctx, cache.CheckpointKey(account), cp); err != nil {
			o.opts.Metrics.ObserveCycle("error", 0)
			return stats, err
		}
	}

	stats.Groups = len(o.registry.GroupIDs())
	stats.Duration = time.Since(start)
	o.last = stats
	o.opts.Metrics.ObserveCycle("ok", stats.Events)
	log.Debug().Int("events", stats.Events).Int("groups", stats.Groups).
		Int("failed_accounts", stats.FailedAccounts).Dur("took", stats.Duration).
		Msg("Sync cycle complete")
	return stats, nil
}

func (o *Orchestrator) fetchAll(ctx context.Context, accounts []string, checkpoints map[string]Checkpoint) map[string]ledger.AccountResult {
	// Group accounts by cursor so each batch shares FetchOptions.
	results := make(map[string]ledger.AccountResult, len(accounts))
	byIndex := make(map[int64][]string)
	for _, a := range accounts {
		idx := checkpoints[a].Index
		byIndex[idx] = append(byIndex[idx], a)
	}
	for idx, batch := range byIndex {
		opts := ledger.FetchOptions{Filter: o.opts.Filter, SinceIndex: idx}
		for account, res := range o.source.FetchBatch(ctx, batch, opts, o.opts.Fanout) {
			results[account] = res
		}
	}
	return results
}

// persistLocked correlates payments and writes every group snapshot, the
// proof maps and the group index.
func (o *Orchestrator) persistLocked(ctx context.Context, transfers []ledger.Event) error {
	ids := o.registry.GroupIDs()
	sort.Strings(ids)

	existing := make(map[string]payments.Proof)
	for _, id := range ids {
		var m map[string]payments.Proof
		if err := o.store.Get(ctx, cache.ProofsKey(id), &m); err != nil {
			if err == cache.ErrNotFound {
				continue
			}
			return err
		}
		for rid, p := range m {
			existing[rid] = p
		}
	}
	proofs := o.correlator.CorrelateAll(o.registry, transfers, existing)

	for _, id := range ids {
		s := o.registry.Get(id)
		if err := o.store.Put(ctx, cache.GroupKey(id), s); err != nil {
			return err
		}
		groupProofs := make(map[string]payments.Proof)
		for rid := range s.Requests {
			if p, ok := proofs[rid]; ok {
				groupProofs[rid] = p
			}
		}
		if len(groupProofs) > 0 {
			if err := o.store.Put(ctx, cache.ProofsKey(id), groupProofs); err != nil {
				return err
			}
		}
		o.opts.Metrics.ObserveSnapshotWrite()
	}
	return o.store.Put(ctx, cache.IndexKey(), ids)
}

// RunForever loops RunCycle on the configured interval until ctx is done.
// A send on Kick triggers an immediate cycle.
func (o *Orchestrator) RunForever(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := o.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("Sync cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.Kick:
		}
	}
}
