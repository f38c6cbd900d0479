// Package group folds ordered ledger events into derived group state:
// membership, join-request lifecycle and payment policy. Everything here is a
// locally-derived read-only projection; nothing writes back to the ledger.
package group

import (
	"sort"
	"time"

	"github.com/groupledger/groupsync/internal/ledger"
)

// RequestStatus is the lifecycle state of a join request. The status is
// advisory for UI purposes; only an observed join_approve event grants
// membership.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// JoinRequest tracks one request keyed by its caller-chosen id. RequestID is
// ideally the payment transaction id so transfers correlate without a broker.
type JoinRequest struct {
	RequestID  string        `json:"request_id"`
	GroupID    string        `json:"group_id"`
	Requester  string        `json:"requester"`
	Status     RequestStatus `json:"status"`
	Message    string        `json:"message,omitempty"`
	CreatedAt  time.Time     `json:"created_at,omitempty"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
}

// State is the derived state of a single group. Version 0 marks a provisional
// shell created when events for a group arrive before its group_create (the
// cross-account reordering case); the create event later fills it in.
type State struct {
	GroupID  string                  `json:"group_id"`
	Creator  string                  `json:"creator"`
	Name     string                  `json:"name"`
	Version  int64                   `json:"version"`
	Members  map[string]bool         `json:"members"`
	Payment  *ledger.PaymentPolicy   `json:"payment_policy,omitempty"`
	Requests map[string]*JoinRequest `json:"requests"`
}

func newState(groupID string) *State {
	return &State{
		GroupID:  groupID,
		Members:  make(map[string]bool),
		Requests: make(map[string]*JoinRequest),
	}
}

// Created reports whether a group_create has been applied.
func (s *State) Created() bool { return s.Version > 0 }

// IsMember reports membership for a username.
func (s *State) IsMember(username string) bool { return s.Members[username] }

// MemberList returns members sorted for stable output.
func (s *State) MemberList() []string {
	out := make([]string, 0, len(s.Members))
	for m := range s.Members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// PendingRequests returns the non-terminal requests sorted by id.
func (s *State) PendingRequests() []*JoinRequest {
	var out []*JoinRequest
	for _, r := range s.Requests {
		if !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Clone deep-copies the state so snapshots can leave the single-writer
// pipeline safely.
func (s *State) Clone() *State {
	c := &State{
		GroupID:  s.GroupID,
		Creator:  s.Creator,
		Name:     s.Name,
		Version:  s.Version,
		Members:  make(map[string]bool, len(s.Members)),
		Requests: make(map[string]*JoinRequest, len(s.Requests)),
	}
	for m := range s.Members {
		c.Members[m] = true
	}
	for id, r := range s.Requests {
		rc := *r
		c.Requests[id] = &rc
	}
	if s.Payment != nil {
		p := *s.Payment
		c.Payment = &p
	}
	return c
}
