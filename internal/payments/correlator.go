// Package payments matches ledger transfers to join requests and membership
// renewals via a shared correlation id, and derives paid/unpaid/expired
// status at read time. Transfers that match nothing are noise, never errors.
//
// The manual attestation path deliberately carries no transfer proof; its
// authorization boundary (only the group creator may attest) belongs to the
// signer/identity layer, not here, and the provenance flag keeps the two
// trust levels from being conflated downstream.
package payments

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groupledger/groupsync/internal/group"
	"github.com/groupledger/groupsync/internal/ledger"
)

// Provenance records how a payment proof was established.
type Provenance string

const (
	// LedgerAttested proofs are backed by an observed transfer event.
	LedgerAttested Provenance = "ledger"
	// CreatorAttested proofs were verified off-ledger by the group creator
	// and carry no transfer transaction id.
	CreatorAttested Provenance = "creator"
)

// ProofStatus is the derived liveness of a proof.
type ProofStatus string

const (
	StatusActive  ProofStatus = "active"
	StatusExpired ProofStatus = "expired"
)

// Proof links a join request (or membership renewal) to its payment.
type Proof struct {
	RequestID    string     `json:"request_id"`
	Payer        string     `json:"payer"`
	TransferTxID string     `json:"transfer_tx_id,omitempty"`
	Amount       string     `json:"amount"`
	PaidAt       time.Time  `json:"paid_at"`
	Provenance   Provenance `json:"provenance"`
	NextDue      *time.Time `json:"next_due,omitempty"`
	AttestedBy   string     `json:"attested_by,omitempty"`
}

// Status derives the proof's liveness at the given instant. Expiry is a
// read-time computation, never an event.
func (p Proof) Status(now time.Time) ProofStatus {
	if p.NextDue != nil && now.After(*p.NextDue) {
		return StatusExpired
	}
	return StatusActive
}

// Correlator matches transfers to requests. Window bounds the fallback
// timeframe used when a transfer carries no correlation id.
type Correlator struct {
	Window time.Duration
}

// DefaultWindow is the fallback-match timeframe around a request's creation.
const DefaultWindow = 72 * time.Hour

// NewCorrelator returns a correlator with the given fallback window
// (<= 0 uses the default).
func NewCorrelator(window time.Duration) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Correlator{Window: window}
}

func proofFromTransfer(req *group.JoinRequest, g *group.State, ev ledger.Event) Proof {
	p := Proof{
		RequestID:    req.RequestID,
		Payer:        ev.Transfer.From,
		TransferTxID: ev.TxID,
		Amount:       ev.Transfer.Amount,
		PaidAt:       ev.Timestamp,
		Provenance:   LedgerAttested,
	}
	if g.Payment != nil && g.Payment.Mode == ledger.PaymentRecurring && g.Payment.IntervalDays > 0 {
		due := ev.Timestamp.Add(time.Duration(g.Payment.IntervalDays) * 24 * time.Hour)
		p.NextDue = &due
	}
	return p
}

func (c *Correlator) amountAndRecipientMatch(g *group.State, tr *ledger.TransferOp) bool {
	if g.Payment == nil || !g.Payment.Enabled {
		return false
	}
	return tr.To == g.Creator && tr.Amount == g.Payment.Amount
}

// Correlate finds the transfer paying for one request. Matching requires the
// recipient to be the group creator and the amount to equal the policy
// amount exactly; beyond that, either the transfer memo carries the request
// id, or (memo-less) the payer and timeframe must identify exactly one
// candidate. Ambiguity yields no match: a wrong link is worse than a missing
// one.
func (c *Correlator) Correlate(req *group.JoinRequest, g *group.State, transfers []ledger.Event, used map[string]bool) *Proof {
	if req == nil || g == nil {
		return nil
	}

	// Pass 1: explicit correlation id in the memo.
	for _, ev := range transfers {
		if ev.Transfer == nil || usedTx(used, ev.TxID) {
			continue
		}
		if !c.amountAndRecipientMatch(g, ev.Transfer) {
			continue
		}
		if ev.Transfer.Memo == req.RequestID {
			markTx(used, ev.TxID)
			p := proofFromTransfer(req, g, ev)
			return &p
		}
	}

	// Pass 2: no correlation id anywhere; amount + payer + timeframe must
	// single out one candidate.
	var candidate *ledger.Event
	for i := range transfers {
		ev := &transfers[i]
		if ev.Transfer == nil || usedTx(used, ev.TxID) || ev.Transfer.Memo != "" {
			continue
		}
		if !c.amountAndRecipientMatch(g, ev.Transfer) {
			continue
		}
		if ev.Transfer.From != req.Requester {
			continue
		}
		if !req.CreatedAt.IsZero() {
			delta := ev.Timestamp.Sub(req.CreatedAt)
			if delta < -c.Window || delta > c.Window {
				continue
			}
		}
		if candidate != nil {
			log.Debug().Str("request", req.RequestID).
				Msg("Ambiguous fallback payment match, leaving request unpaid")
			return nil
		}
		candidate = ev
	}
	if candidate == nil {
		return nil
	}
	markTx(used, candidate.TxID)
	p := proofFromTransfer(req, g, *candidate)
	return &p
}

// CorrelateAll walks every group's requests against the transfer batch,
// enforcing the at-most-one-request-per-transfer invariant across the whole
// registry. Requests without a match are simply absent from the result.
func (c *Correlator) CorrelateAll(reg *group.Registry, transfers []ledger.Event, existing map[string]Proof) map[string]Proof {
	proofs := make(map[string]Proof, len(existing))
	used := make(map[string]bool)
	for id, p := range existing {
		proofs[id] = p
		if p.TransferTxID != "" {
			used[p.TransferTxID] = true
		}
	}

	for _, gid := range sortedIDs(reg) {
		g := reg.Get(gid)
		for _, id := range sortedRequestIDs(g) {
			req := g.Requests[id]
			if _, done := proofs[req.RequestID]; done {
				continue
			}
			if req.Status == group.StatusRejected {
				continue
			}
			if p := c.Correlate(req, g, transfers, used); p != nil {
				proofs[req.RequestID] = *p
			}
		}
	}
	return proofs
}

// Renewal finds the newest transfer from a member that matches the group's
// recurring policy, refreshing the member's due date.
func (c *Correlator) Renewal(g *group.State, member string, transfers []ledger.Event) *Proof {
	if g == nil || g.Payment == nil || g.Payment.Mode != ledger.PaymentRecurring {
		return nil
	}
	var newest *ledger.Event
	for i := range transfers {
		ev := &transfers[i]
		if ev.Transfer == nil || ev.Transfer.From != member {
			continue
		}
		if !c.amountAndRecipientMatch(g, ev.Transfer) {
			continue
		}
		if newest == nil || ev.Timestamp.After(newest.Timestamp) {
			newest = ev
		}
	}
	if newest == nil {
		return nil
	}
	p := Proof{
		Payer:        member,
		TransferTxID: newest.TxID,
		Amount:       newest.Transfer.Amount,
		PaidAt:       newest.Timestamp,
		Provenance:   LedgerAttested,
	}
	if g.Payment.IntervalDays > 0 {
		due := newest.Timestamp.Add(time.Duration(g.Payment.IntervalDays) * 24 * time.Hour)
		p.NextDue = &due
	}
	return &p
}

// AttestManually records a creator-verified off-ledger payment. The result
// carries no transfer tx id and is flagged creator-attested so UIs can
// surface the weaker trust provenance distinctly.
func AttestManually(req *group.JoinRequest, g *group.State, attestedBy string, now time.Time) Proof {
	p := Proof{
		RequestID:  req.RequestID,
		Payer:      req.Requester,
		PaidAt:     now,
		Provenance: CreatorAttested,
		AttestedBy: attestedBy,
	}
	if g != nil && g.Payment != nil {
		p.Amount = g.Payment.Amount
		if g.Payment.Mode == ledger.PaymentRecurring && g.Payment.IntervalDays > 0 {
			due := now.Add(time.Duration(g.Payment.IntervalDays) * 24 * time.Hour)
			p.NextDue = &due
		}
	}
	return p
}

func usedTx(used map[string]bool, tx string) bool {
	return tx != "" && used[tx]
}

func markTx(used map[string]bool, tx string) {
	if tx != "" {
		used[tx] = true
	}
}

func sortedIDs(reg *group.Registry) []string {
	ids := reg.GroupIDs()
	sort.Strings(ids)
	return ids
}

func sortedRequestIDs(g *group.State) []string {
	ids := make([]string, 0, len(g.Requests))
	for id := range g.Requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
