package group

import (
	"github.com/rs/zerolog/log"

	"github.com/groupledger/groupsync/internal/ledger"
)

// Registry folds events into per-group state. Apply is deterministic,
// idempotent under duplicate delivery, and tolerant of the bounded
// reordering that independent account histories produce (most notably a
// join_approve observed before its join_request). It is not safe for
// concurrent use; the sync orchestrator is the single writer.
type Registry struct {
	Groups map[string]*State `json:"groups"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Groups: make(map[string]*State)}
}

// Get returns the state for a group id, or nil.
func (r *Registry) Get(groupID string) *State { return r.Groups[groupID] }

// GroupIDs returns all known group ids.
func (r *Registry) GroupIDs() []string {
	out := make([]string, 0, len(r.Groups))
	for id := range r.Groups {
		out = append(out, id)
	}
	return out
}

// Restore installs a previously-snapshotted state, replacing any current one.
func (r *Registry) Restore(s *State) {
	if s == nil || s.GroupID == "" {
		return
	}
	if s.Members == nil {
		s.Members = make(map[string]bool)
	}
	if s.Requests == nil {
		s.Requests = make(map[string]*JoinRequest)
	}
	r.Groups[s.GroupID] = s
}

func (r *Registry) ensure(groupID string) *State {
	s, ok := r.Groups[groupID]
	if !ok {
		s = newState(groupID)
		r.Groups[groupID] = s
	}
	return s
}

// Apply folds one event into the registry. Transfers are ignored here; the
// payment correlator consumes them separately.
func (r *Registry) Apply(ev ledger.Event) {
	if ev.Action == ledger.ActionTransfer || ev.Group == nil {
		return
	}
	op := ev.Group

	switch ev.Action {
	case ledger.ActionGroupCreate:
		r.applyCreate(ev, op)
	case ledger.ActionGroupUpdate:
		r.applyUpdate(ev, op)
	case ledger.ActionJoinRequest:
		r.applyJoinRequest(ev, op)
	case ledger.ActionJoinApprove:
		r.applyResolution(ev, op, StatusApproved)
	case ledger.ActionJoinReject:
		r.applyResolution(ev, op, StatusRejected)
	case ledger.ActionLeaveGroup:
		r.applyLeave(ev, op)
	}
}

// ApplyAll folds a batch of events in order.
func (r *Registry) ApplyAll(events []ledger.Event) {
	for _, ev := range events {
		r.Apply(ev)
	}
}

func (r *Registry) applyCreate(ev ledger.Event, op *ledger.GroupOp) {
	s := r.ensure(op.GroupID)
	if s.Created() {
		// Create-once: a second group_create for the same id is noise.
		return
	}
	s.Creator = op.Username
	s.Name = op.Name
	s.Version = 1
	s.Members[op.Username] = true
	for _, m := range op.Members {
		s.Members[m] = true
	}
	if op.Payment != nil {
		p := *op.Payment
		s.Payment = &p
	}
}

func (r *Registry) applyUpdate(ev ledger.Event, op *ledger.GroupOp) {
	s := r.Groups[op.GroupID]
	if s == nil || !s.Created() {
		log.Warn().Str("group", op.GroupID).Str("tx", ev.TxID).
			Msg("group_update for unknown group ignored")
		return
	}
	// Last-writer-wins by version, never by timestamp: wall clocks on the
	// ledger are untrusted.
	if op.Version <= s.Version {
		return
	}
	s.Version = op.Version
	if op.Name != "" {
		s.Name = op.Name
	}
	// Full-state update: the member set is replaced wholesale, except the
	// creator, whose departure is not representable in this schema.
	s.Members = make(map[string]bool, len(op.Members)+1)
	for _, m := range op.Members {
		s.Members[m] = true
	}
	s.Members[s.Creator] = true
	if op.Payment != nil {
		p := *op.Payment
		s.Payment = &p
	} else {
		s.Payment = nil
	}
}

func (r *Registry) applyJoinRequest(ev ledger.Event, op *ledger.GroupOp) {
	if op.RequestID == "" {
		return
	}
	s := r.ensure(op.GroupID)

	if existing, ok := s.Requests[op.RequestID]; ok {
		// A terminal resolution may have been observed first; the request
		// event only backfills details. First terminal event wins, and a
		// request-carried status (e.g. the self-auto-approve flow writing
		// "approved") never overrides it nor grants membership by itself.
		if existing.Requester == "" {
			existing.Requester = op.Username
		}
		if existing.Message == "" {
			existing.Message = op.Message
		}
		if existing.CreatedAt.IsZero() {
			existing.CreatedAt = ev.Timestamp
		}
		return
	}

	s.Requests[op.RequestID] = &JoinRequest{
		RequestID: op.RequestID,
		GroupID:   op.GroupID,
		Requester: op.Username,
		Status:    StatusPending,
		Message:   op.Message,
		CreatedAt: ev.Timestamp,
	}
}

func (r *Registry) applyResolution(ev ledger.Event, op *ledger.GroupOp, terminal RequestStatus) {
	if op.RequestID == "" {
		return
	}
	s := r.ensure(op.GroupID)

	req, ok := s.Requests[op.RequestID]
	if !ok {
		// Resolution observed before its request: record the terminal state
		// so the late-arriving join_request lands already resolved.
		req = &JoinRequest{
			RequestID: op.RequestID,
			GroupID:   op.GroupID,
			Requester: op.Username,
			Status:    StatusPending,
		}
		s.Requests[op.RequestID] = req
	}

	if req.Status.Terminal() {
		if req.Status != terminal {
			// Conflicting terminal events: first one wins, all observers
			// converge without coordination.
			log.Warn().Str("group", op.GroupID).Str("request", op.RequestID).
				Str("kept", string(req.Status)).Str("ignored", string(terminal)).
				Msg("Conflicting terminal resolution ignored")
		}
		// Duplicate terminal events are pure no-ops; re-adding the member
		// here would resurrect someone who left after the first approval.
		return
	}

	req.Status = terminal
	req.ResolvedAt = ev.Timestamp
	req.ResolvedBy = op.Actor
	if req.Requester == "" {
		req.Requester = op.Username
	}

	// Membership is solely a function of join_approve. A join_request that
	// merely claims "approved" status never reaches this line.
	if terminal == StatusApproved && req.Requester != "" {
		s.Members[req.Requester] = true
	}
}

func (r *Registry) applyLeave(ev ledger.Event, op *ledger.GroupOp) {
	s := r.Groups[op.GroupID]
	if s == nil {
		return
	}
	if op.Username == s.Creator {
		// Creator departure is not representable; ignore at the reducer.
		log.Debug().Str("group", op.GroupID).Msg("Creator leave_group ignored")
		return
	}
	delete(s.Members, op.Username)
}
