package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupledger/groupsync/internal/group"
	"github.com/groupledger/groupsync/internal/ledger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func paidGroup(mode ledger.PaymentMode, intervalDays int) *group.State {
	return &group.State{
		GroupID: "g1",
		Creator: "alice",
		Version: 1,
		Members: map[string]bool{"alice": true},
		Payment: &ledger.PaymentPolicy{
			Enabled: true, Amount: "5.000 TKN", Mode: mode, IntervalDays: intervalDays,
		},
		Requests: map[string]*group.JoinRequest{},
	}
}

func request(id, requester string, at time.Time) *group.JoinRequest {
	return &group.JoinRequest{
		RequestID: id, GroupID: "g1", Requester: requester,
		Status: group.StatusPending, CreatedAt: at,
	}
}

func transfer(tx, from, to, amount, memo string, at time.Time) ledger.Event {
	return ledger.Event{
		Action: ledger.ActionTransfer, TxID: tx, Timestamp: at,
		Transfer: &ledger.TransferOp{From: from, To: to, Amount: amount, Memo: memo},
	}
}

func TestCorrelate_MemoMatch(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		transfer("txA", "bob", "alice", "5.000 TKN", "r1", t0.Add(time.Hour)),
	}

	c := NewCorrelator(0)
	p := c.Correlate(req, g, transfers, map[string]bool{})
	require.NotNil(t, p)
	assert.Equal(t, "r1", p.RequestID)
	assert.Equal(t, "txA", p.TransferTxID)
	assert.Equal(t, "5.000 TKN", p.Amount)
	assert.Equal(t, LedgerAttested, p.Provenance)
	assert.Nil(t, p.NextDue, "one-time policy has no due date")
}

func TestCorrelate_MemoBeatsFallback(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		// A memo-less transfer from the requester exists, but the explicit
		// correlation id must take priority.
		transfer("txPlain", "bob", "alice", "5.000 TKN", "", t0.Add(time.Minute)),
		transfer("txMemo", "bob", "alice", "5.000 TKN", "r1", t0.Add(time.Hour)),
	}

	p := NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{})
	require.NotNil(t, p)
	assert.Equal(t, "txMemo", p.TransferTxID)
}

func TestCorrelate_FallbackUniqueCandidate(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		transfer("txOther", "carol", "alice", "5.000 TKN", "", t0.Add(time.Hour)), // wrong payer
		transfer("txCheap", "bob", "alice", "1.000 TKN", "", t0.Add(time.Hour)),  // wrong amount
		transfer("txBob", "bob", "alice", "5.000 TKN", "", t0.Add(2*time.Hour)),
	}

	p := NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{})
	require.NotNil(t, p)
	assert.Equal(t, "txBob", p.TransferTxID)
	assert.Equal(t, "bob", p.Payer)
}

func TestCorrelate_AmbiguousFallbackMatchesNothing(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		transfer("tx1", "bob", "alice", "5.000 TKN", "", t0.Add(time.Hour)),
		transfer("tx2", "bob", "alice", "5.000 TKN", "", t0.Add(2*time.Hour)),
	}

	assert.Nil(t, NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{}))
}

func TestCorrelate_FallbackRespectsWindow(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		// Outside the 72h default window on both sides.
		transfer("txEarly", "bob", "alice", "5.000 TKN", "", t0.Add(-80*time.Hour)),
		transfer("txLate", "bob", "alice", "5.000 TKN", "", t0.Add(80*time.Hour)),
	}
	assert.Nil(t, NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{}))

	// Inside the window the single candidate matches.
	inside := []ledger.Event{
		transfer("txOk", "bob", "alice", "5.000 TKN", "", t0.Add(24*time.Hour)),
	}
	p := NewCorrelator(0).Correlate(req, g, inside, map[string]bool{})
	require.NotNil(t, p)
	assert.Equal(t, "txOk", p.TransferTxID)
}

func TestCorrelate_RecipientMustBeCreator(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		transfer("txWrong", "bob", "mallory", "5.000 TKN", "r1", t0.Add(time.Hour)),
	}
	assert.Nil(t, NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{}))
}

func TestCorrelate_PaymentDisabledMatchesNothing(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	g.Payment.Enabled = false
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		transfer("txA", "bob", "alice", "5.000 TKN", "r1", t0.Add(time.Hour)),
	}
	assert.Nil(t, NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{}))
}

func TestCorrelateAll_TransferUsedAtMostOnce(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	g.Requests["r1"] = request("r1", "bob", t0)
	g.Requests["r2"] = request("r2", "bob", t0)
	reg := group.NewRegistry()
	reg.Groups["g1"] = g

	// One memo-less transfer cannot satisfy two requests even though each in
	// isolation would fall back onto it.
	transfers := []ledger.Event{
		transfer("txOnly", "bob", "alice", "5.000 TKN", "", t0.Add(time.Hour)),
	}

	proofs := NewCorrelator(0).CorrelateAll(reg, transfers, nil)
	require.Len(t, proofs, 1)
	_, r1 := proofs["r1"]
	_, r2 := proofs["r2"]
	assert.True(t, r1 != r2, "exactly one request claims the transfer")
}

func TestCorrelateAll_ExistingProofsPinTheirTransfers(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	g.Requests["r1"] = request("r1", "bob", t0)
	reg := group.NewRegistry()
	reg.Groups["g1"] = g

	existing := map[string]Proof{
		"r0": {RequestID: "r0", Payer: "carol", TransferTxID: "txA", Amount: "5.000 TKN", Provenance: LedgerAttested},
	}
	transfers := []ledger.Event{
		transfer("txA", "bob", "alice", "5.000 TKN", "r1", t0.Add(time.Hour)),
	}

	proofs := NewCorrelator(0).CorrelateAll(reg, transfers, existing)
	// txA already backs r0 from an earlier cycle, so r1 stays unpaid.
	require.Len(t, proofs, 1)
	assert.Contains(t, proofs, "r0")
}

func TestCorrelateAll_SkipsRejectedRequests(t *testing.T) {
	g := paidGroup(ledger.PaymentOneTime, 0)
	rej := request("r1", "bob", t0)
	rej.Status = group.StatusRejected
	g.Requests["r1"] = rej
	reg := group.NewRegistry()
	reg.Groups["g1"] = g

	transfers := []ledger.Event{
		transfer("txA", "bob", "alice", "5.000 TKN", "r1", t0.Add(time.Hour)),
	}
	assert.Empty(t, NewCorrelator(0).CorrelateAll(reg, transfers, nil))
}

func TestRecurring_NextDueAndReadTimeExpiry(t *testing.T) {
	g := paidGroup(ledger.PaymentRecurring, 30)
	req := request("r1", "bob", t0)
	transfers := []ledger.Event{
		transfer("txA", "bob", "alice", "5.000 TKN", "r1", t0),
	}

	p := NewCorrelator(0).Correlate(req, g, transfers, map[string]bool{})
	require.NotNil(t, p)
	require.NotNil(t, p.NextDue)
	assert.Equal(t, t0.Add(30*24*time.Hour), *p.NextDue)

	assert.Equal(t, StatusActive, p.Status(t0.Add(29*24*time.Hour)))
	assert.Equal(t, StatusExpired, p.Status(t0.Add(31*24*time.Hour)))
}

func TestRenewal_NewestMatchingTransferWins(t *testing.T) {
	g := paidGroup(ledger.PaymentRecurring, 30)
	transfers := []ledger.Event{
		transfer("txOld", "bob", "alice", "5.000 TKN", "", t0),
		transfer("txNew", "bob", "alice", "5.000 TKN", "", t0.Add(30*24*time.Hour)),
		transfer("txOther", "carol", "alice", "5.000 TKN", "", t0.Add(40*24*time.Hour)),
	}

	p := NewCorrelator(0).Renewal(g, "bob", transfers)
	require.NotNil(t, p)
	assert.Equal(t, "txNew", p.TransferTxID)
	require.NotNil(t, p.NextDue)
	assert.Equal(t, t0.Add(60*24*time.Hour), *p.NextDue)

	// One-time groups have no renewal concept.
	assert.Nil(t, NewCorrelator(0).Renewal(paidGroup(ledger.PaymentOneTime, 0), "bob", transfers))
}

func TestAttestManually(t *testing.T) {
	g := paidGroup(ledger.PaymentRecurring, 30)
	req := request("r1", "bob", t0)

	p := AttestManually(req, g, "alice", t0)
	assert.Equal(t, CreatorAttested, p.Provenance)
	assert.Empty(t, p.TransferTxID, "manual attestation carries no transfer proof")
	assert.Equal(t, "alice", p.AttestedBy)
	assert.Equal(t, "bob", p.Payer)
	assert.Equal(t, "5.000 TKN", p.Amount)
	require.NotNil(t, p.NextDue)
	assert.Equal(t, t0.Add(30*24*time.Hour), *p.NextDue)
}
