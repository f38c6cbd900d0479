package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupledger/groupsync/internal/cache"
	"github.com/groupledger/groupsync/internal/group"
	"github.com/groupledger/groupsync/internal/ledger"
	"github.com/groupledger/groupsync/internal/payments"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves canned per-account histories honoring SinceIndex.
type fakeSource struct {
	mu      sync.Mutex
	events  map[string][]ledger.Event
	fail    map[string]bool
	fetches []ledger.FetchOptions
}

func (f *fakeSource) FetchBatch(_ context.Context, accounts []string, opts ledger.FetchOptions, _ int) map[string]ledger.AccountResult {
	f.mu.Lock()
	f.fetches = append(f.fetches, opts)
	f.mu.Unlock()

	out := make(map[string]ledger.AccountResult, len(accounts))
	for _, a := range accounts {
		if f.fail[a] {
			out[a] = ledger.AccountResult{Err: errors.New("node unreachable")}
			continue
		}
		var evs []ledger.Event
		for _, ev := range f.events[a] {
			if ev.Sequence > opts.SinceIndex {
				evs = append(evs, ev)
			}
		}
		out[a] = ledger.AccountResult{Events: evs}
	}
	return out
}

func custom(account string, seq, block int64, tx string, action ledger.Action, op ledger.GroupOp) ledger.Event {
	o := op
	return ledger.Event{
		Action: action, Account: account, Sequence: seq, Block: block, TxID: tx,
		Timestamp: baseTime.Add(time.Duration(block) * time.Second), Group: &o,
	}
}

func transferEv(account string, seq, block int64, tx, from, to, amount, memo string) ledger.Event {
	return ledger.Event{
		Action: ledger.ActionTransfer, Account: account, Sequence: seq, Block: block, TxID: tx,
		Timestamp: baseTime.Add(time.Duration(block) * time.Second),
		Transfer:  &ledger.TransferOp{From: from, To: to, Amount: amount, Memo: memo},
	}
}

func aliceEvents() []ledger.Event {
	return []ledger.Event{
		custom("alice", 0, 100, "tx0", ledger.ActionGroupCreate, ledger.GroupOp{
			GroupID: "g1", Username: "alice", Name: "Readers",
			Payment: &ledger.PaymentPolicy{Enabled: true, Amount: "5.000 TKN", Mode: ledger.PaymentOneTime},
		}),
		custom("alice", 1, 102, "tx2", ledger.ActionJoinApprove, ledger.GroupOp{
			GroupID: "g1", RequestID: "r1", Username: "bob", Actor: "alice",
		}),
		transferEv("alice", 2, 103, "tx3", "bob", "alice", "5.000 TKN", "r1"),
	}
}

func bobEvents() []ledger.Event {
	return []ledger.Event{
		custom("bob", 0, 101, "tx1", ledger.ActionJoinRequest, ledger.GroupOp{
			GroupID: "g1", RequestID: "r1", Username: "bob",
		}),
		// The same transfer observed from the sender's history.
		transferEv("bob", 1, 103, "tx3", "bob", "alice", "5.000 TKN", "r1"),
	}
}

func newTestOrchestrator(t *testing.T, src *fakeSource, store cache.Store) *Orchestrator {
	t.Helper()
	o := New(src, store, nil, payments.NewCorrelator(0), Options{Fanout: 2, Interval: time.Hour})
	o.Track("alice", "bob")
	return o
}

func memStore(t *testing.T) *cache.MemoryStore {
	t.Helper()
	s, err := cache.NewMemoryStore(128)
	require.NoError(t, err)
	return s
}

func TestRunCycle_ColdStart(t *testing.T) {
	src := &fakeSource{events: map[string][]ledger.Event{"alice": aliceEvents(), "bob": bobEvents()}}
	store := memStore(t)
	o := newTestOrchestrator(t, src, store)
	ctx := context.Background()

	stats, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accounts)
	assert.Zero(t, stats.FailedAccounts)
	assert.Equal(t, 4, stats.Events, "duplicate transfer tx folded once")
	assert.Equal(t, 1, stats.Groups)

	// Derived state: events were merged across accounts in block order, so
	// the request (bob's history) lands before the approval (alice's).
	reg := o.Registry()
	s := reg.Get("g1")
	require.NotNil(t, s)
	assert.True(t, s.IsMember("bob"))
	assert.Equal(t, group.StatusApproved, s.Requests["r1"].Status)

	// Snapshot, proofs, index and checkpoints are all persisted.
	var snap group.State
	require.NoError(t, store.Get(ctx, cache.GroupKey("g1"), &snap))
	assert.True(t, snap.Members["bob"])

	var proofs map[string]payments.Proof
	require.NoError(t, store.Get(ctx, cache.ProofsKey("g1"), &proofs))
	require.Contains(t, proofs, "r1")
	assert.Equal(t, "tx3", proofs["r1"].TransferTxID)

	var index []string
	require.NoError(t, store.Get(ctx, cache.IndexKey(), &index))
	assert.Equal(t, []string{"g1"}, index)

	var cp Checkpoint
	require.NoError(t, store.Get(ctx, cache.CheckpointKey("alice"), &cp))
	assert.Equal(t, int64(2), cp.Index)
	require.NoError(t, store.Get(ctx, cache.CheckpointKey("bob"), &cp))
	assert.Equal(t, int64(1), cp.Index)
}

func TestRunCycle_IncrementalUsesCheckpoints(t *testing.T) {
	src := &fakeSource{events: map[string][]ledger.Event{"alice": aliceEvents(), "bob": bobEvents()}}
	store := memStore(t)
	o := newTestOrchestrator(t, src, store)
	ctx := context.Background()

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	stats, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Events, "nothing new past the checkpoints")

	src.mu.Lock()
	later := src.fetches[len(src.fetches)-2:]
	src.mu.Unlock()
	for _, opts := range later {
		assert.GreaterOrEqual(t, opts.SinceIndex, int64(1), "second cycle resumes past the cursor")
	}
}

func TestRunCycle_FailedAccountKeepsCheckpoint(t *testing.T) {
	src := &fakeSource{
		events: map[string][]ledger.Event{"alice": aliceEvents(), "bob": bobEvents()},
		fail:   map[string]bool{"bob": true},
	}
	store := memStore(t)
	o := newTestOrchestrator(t, src, store)
	ctx := context.Background()

	stats, err := o.RunCycle(ctx)
	require.NoError(t, err, "one failed account never fails the cycle")
	assert.Equal(t, 1, stats.FailedAccounts)

	var cp Checkpoint
	require.NoError(t, store.Get(ctx, cache.CheckpointKey("alice"), &cp))
	assert.Equal(t, int64(2), cp.Index)
	assert.ErrorIs(t, store.Get(ctx, cache.CheckpointKey("bob"), &cp), cache.ErrNotFound)

	// Once bob recovers, his history is folded from the start and the
	// derived state converges.
	src.fail["bob"] = false
	_, err = o.RunCycle(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Get(ctx, cache.CheckpointKey("bob"), &cp))
	assert.Equal(t, int64(1), cp.Index)
	assert.True(t, o.Registry().Get("g1").IsMember("bob"))
}

// failingStore passes reads through and fails writes on a key prefix.
type failingStore struct {
	cache.Store
	failPrefix string
}

func (f *failingStore) Put(ctx context.Context, key string, v interface{}) error {
	if strings.HasPrefix(key, f.failPrefix) {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, v)
}

func TestRunCycle_SnapshotFailureBlocksCheckpoint(t *testing.T) {
	src := &fakeSource{events: map[string][]ledger.Event{"alice": aliceEvents(), "bob": bobEvents()}}
	store := memStore(t)
	o := newTestOrchestrator(t, src, &failingStore{Store: store, failPrefix: cache.GroupKeyPrefix()})
	ctx := context.Background()

	_, err := o.RunCycle(ctx)
	require.Error(t, err)

	// The commit point was never reached: cursors stay cold and the next
	// cycle replays everything.
	var cp Checkpoint
	assert.ErrorIs(t, store.Get(ctx, cache.CheckpointKey("alice"), &cp), cache.ErrNotFound)
}

func TestRestore_RebuildsFromStore(t *testing.T) {
	src := &fakeSource{events: map[string][]ledger.Event{"alice": aliceEvents(), "bob": bobEvents()}}
	store := memStore(t)
	o := newTestOrchestrator(t, src, store)
	ctx := context.Background()

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	fresh := newTestOrchestrator(t, src, store)
	require.NoError(t, fresh.Restore(ctx))
	s := fresh.Registry().Get("g1")
	require.NotNil(t, s)
	assert.True(t, s.IsMember("bob"))
	assert.Equal(t, "alice", s.Creator)
}

func TestRestore_ColdStartIsClean(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, memStore(t))
	require.NoError(t, o.Restore(context.Background()))
	assert.Empty(t, o.Registry().GroupIDs())
}

func TestRunForever_KickTriggersCycle(t *testing.T) {
	src := &fakeSource{events: map[string][]ledger.Event{"alice": aliceEvents()}}
	store := memStore(t)
	o := New(src, store, nil, payments.NewCorrelator(0), Options{Interval: time.Hour})
	o.Track("alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.RunForever(ctx)
	}()

	// First cycle runs immediately; the kick forces a second well before the
	// hour-long ticker.
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.fetches) >= 1
	}, time.Second, 5*time.Millisecond)

	o.Kick <- struct{}{}
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.fetches) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
