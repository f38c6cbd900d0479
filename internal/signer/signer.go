// Package signer builds the custom-operation payloads clients broadcast to
// the ledger. Key custody stays outside this process: the Broadcaster is an
// interface to whatever holds the keys (a browser keychain bridge, a local
// wallet, a test fake), and this package only guarantees the payloads are
// well-formed and carry fresh correlation ids.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/groupledger/groupsync/internal/group"
	"github.com/groupledger/groupsync/internal/ledger"
)

// KeyLevel selects which authority must sign an operation. Group events need
// only the posting key; moving funds needs the active key.
type KeyLevel string

const (
	KeyPosting KeyLevel = "posting"
	KeyActive  KeyLevel = "active"
)

// Broadcaster signs and submits one operation, returning its transaction id.
type Broadcaster interface {
	BroadcastCustomJSON(ctx context.Context, account, customID, body string, level KeyLevel) (string, error)
	BroadcastTransfer(ctx context.Context, from, to, amount, memo string) (string, error)
}

// Client composes payload building with a Broadcaster.
type Client struct {
	broadcaster Broadcaster
	customID    string
	now         func() time.Time
	newID       func() string
}

// New builds a client. An empty customID uses the shared default; every
// interoperating client must agree on it.
func New(b Broadcaster, customID string) *Client {
	if customID == "" {
		customID = ledger.DefaultCustomID
	}
	return &Client{
		broadcaster: b,
		customID:    customID,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

type payload struct {
	Action    string                `json:"action"`
	GroupID   string                `json:"groupId"`
	RequestID string                `json:"requestId,omitempty"`
	Username  string                `json:"username"`
	Status    string                `json:"status,omitempty"`
	Message   string                `json:"message,omitempty"`
	Name      string                `json:"name,omitempty"`
	Version   int64                 `json:"version,omitempty"`
	Members   []string              `json:"members,omitempty"`
	Payment   *ledger.PaymentPolicy `json:"memberPayment,omitempty"`
	Timestamp string                `json:"timestamp"`
}

func (c *Client) broadcast(ctx context.Context, account string, p payload) (string, error) {
	p.Timestamp = c.now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", p.Action, err)
	}
	txid, err := c.broadcaster.BroadcastCustomJSON(ctx, account, c.customID, string(body), KeyPosting)
	if err != nil {
		return "", fmt.Errorf("broadcast %s: %w", p.Action, err)
	}
	return txid, nil
}

// CreateGroup broadcasts a group_create. The group id is derived from the
// creator and a fresh uuid so ids never collide across creators.
func (c *Client) CreateGroup(ctx context.Context, creator, name string, policy *ledger.PaymentPolicy) (groupID, txid string, err error) {
	groupID = creator + "-" + c.newID()
	txid, err = c.broadcast(ctx, creator, payload{
		Action:   string(ledger.ActionGroupCreate),
		GroupID:  groupID,
		Username: creator,
		Name:     name,
		Version:  1,
		Payment:  policy,
	})
	return groupID, txid, err
}

// UpdateGroup broadcasts a full-state group_update at the given version.
// Members is the complete member list; omission removes.
func (c *Client) UpdateGroup(ctx context.Context, creator, groupID, name string, version int64, members []string, policy *ledger.PaymentPolicy) (string, error) {
	return c.broadcast(ctx, creator, payload{
		Action:   string(ledger.ActionGroupUpdate),
		GroupID:  groupID,
		Username: creator,
		Name:     name,
		Version:  version,
		Members:  members,
		Payment:  policy,
	})
}

// RequestJoin broadcasts a join_request with a fresh request id. The id
// doubles as the payment correlation id: a paying requester puts it in the
// transfer memo.
func (c *Client) RequestJoin(ctx context.Context, requester, groupID, message string) (requestID, txid string, err error) {
	requestID = c.newID()
	txid, err = c.broadcast(ctx, requester, payload{
		Action:    string(ledger.ActionJoinRequest),
		GroupID:   groupID,
		RequestID: requestID,
		Username:  requester,
		Message:   message,
	})
	return requestID, txid, err
}

// ApproveJoin broadcasts a join_approve for a pending request.
func (c *Client) ApproveJoin(ctx context.Context, approver, groupID, requestID, requester string) (string, error) {
	return c.broadcast(ctx, approver, payload{
		Action:    string(ledger.ActionJoinApprove),
		GroupID:   groupID,
		RequestID: requestID,
		Username:  requester,
		Status:    "approved",
	})
}

// RejectJoin broadcasts a join_reject for a pending request.
func (c *Client) RejectJoin(ctx context.Context, rejecter, groupID, requestID, requester, reason string) (string, error) {
	return c.broadcast(ctx, rejecter, payload{
		Action:    string(ledger.ActionJoinReject),
		GroupID:   groupID,
		RequestID: requestID,
		Username:  requester,
		Status:    "rejected",
		Message:   reason,
	})
}

// LeaveGroup broadcasts a leave_group for the member's own account.
func (c *Client) LeaveGroup(ctx context.Context, member, groupID string) (string, error) {
	return c.broadcast(ctx, member, payload{
		Action:   string(ledger.ActionLeaveGroup),
		GroupID:  groupID,
		Username: member,
	})
}

// PayJoin transfers the membership fee to the group creator with the request
// id in the memo, making correlation exact instead of heuristic.
func (c *Client) PayJoin(ctx context.Context, payer string, g *group.State, requestID string) (string, error) {
	if g == nil || g.Payment == nil || !g.Payment.Enabled {
		return "", fmt.Errorf("group has no payment policy")
	}
	txid, err := c.broadcaster.BroadcastTransfer(ctx, payer, g.Creator, g.Payment.Amount, requestID)
	if err != nil {
		return "", fmt.Errorf("broadcast transfer: %w", err)
	}
	return txid, nil
}

// NextVersion is a small helper for update callers.
func NextVersion(current int64) int64 { return current + 1 }

// FormatAmount renders an amount in the ledger's "N.NNN SYMBOL" form.
func FormatAmount(value float64, symbol string) string {
	return strconv.FormatFloat(value, 'f', 3, 64) + " " + symbol
}
