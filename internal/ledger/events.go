// Package ledger defines the event schema shared by all clients and fetches
// account histories from the read nodes. Ledger payloads arrive as untyped
// JSON; they are parsed into a closed set of tagged variants at this boundary
// and unrecognized actions are dropped rather than propagated inward.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action discriminates the group/payment event family.
type Action string

const (
	ActionGroupCreate Action = "group_create"
	ActionGroupUpdate Action = "group_update"
	ActionJoinRequest Action = "join_request"
	ActionJoinApprove Action = "join_approve"
	ActionJoinReject  Action = "join_reject"
	ActionLeaveGroup  Action = "leave_group"
	ActionTransfer    Action = "transfer"
)

// knownActions is the closed set accepted from the wire.
var knownActions = map[Action]bool{
	ActionGroupCreate: true,
	ActionGroupUpdate: true,
	ActionJoinRequest: true,
	ActionJoinApprove: true,
	ActionJoinReject:  true,
	ActionLeaveGroup:  true,
}

// DefaultCustomID is the custom-operation id under which group events are
// embedded in the ledger. Every interoperating client must use the same id.
const DefaultCustomID = "groupledger"

// PaymentMode selects one-time versus recurring membership payments.
type PaymentMode string

const (
	PaymentOneTime   PaymentMode = "one_time"
	PaymentRecurring PaymentMode = "recurring"
)

// PaymentPolicy is the group's membership payment configuration. Amount is
// kept as the ledger's exact string representation so correlation never
// depends on float rounding.
type PaymentPolicy struct {
	Enabled      bool        `json:"enabled"`
	Amount       string      `json:"amount,omitempty"`
	Mode         PaymentMode `json:"mode,omitempty"`
	IntervalDays int         `json:"intervalDays,omitempty"`
	AutoApprove  bool        `json:"autoApprove,omitempty"`
}

// GroupOp is the decoded payload of a structured group event.
type GroupOp struct {
	GroupID   string         `json:"groupId"`
	RequestID string         `json:"requestId,omitempty"`
	Username  string         `json:"username"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Name      string         `json:"name,omitempty"`
	Version   int64          `json:"version,omitempty"`
	Members   []string       `json:"members,omitempty"`
	Payment   *PaymentPolicy `json:"memberPayment,omitempty"`
	Actor     string         `json:"-"` // signing account, informational only
}

// TransferOp is a native currency transfer; Memo may carry a correlation id.
type TransferOp struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

// Event is one immutable, ledger-ordered record observed in an account's
// history. Sequence is the per-account history index; ordering across
// accounts is only meaningful by Block.
type Event struct {
	Action    Action
	Account   string // the account whose history this was observed under
	Sequence  int64
	Block     int64
	TxID      string
	Timestamp time.Time
	Group     *GroupOp
	Transfer  *TransferOp
}

// OpFilter is the operation-category bitmask sent to the node. Categories
// combine via OR; zero means unfiltered. Bit positions follow the node's
// operation enum.
type OpFilter uint64

const (
	OpAll       OpFilter = 0
	OpTransfers OpFilter = 1 << 2
	OpCustom    OpFilter = 1 << 18
	OpBoth               = OpTransfers | OpCustom
)

type wirePayload struct {
	Action    string         `json:"action"`
	GroupID   string         `json:"groupId"`
	RequestID string         `json:"requestId,omitempty"`
	Username  string         `json:"username"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Name      string         `json:"name,omitempty"`
	Version   int64          `json:"version,omitempty"`
	Members   []string       `json:"members,omitempty"`
	Payment   *PaymentPolicy `json:"memberPayment,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

type customJSONBody struct {
	ID                   string   `json:"id"`
	JSON                 string   `json:"json"`
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
}

type historyItem struct {
	Block     int64             `json:"block"`
	TrxID     string            `json:"trx_id"`
	Timestamp string            `json:"timestamp"`
	Op        []json.RawMessage `json:"op"`
}

// ledger nodes emit second-resolution timestamps without a zone suffix.
const ledgerTimeLayout = "2006-01-02T15:04:05"

func parseLedgerTime(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(ledgerTimeLayout, s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

// decodeHistory turns a raw get_account_history result into events. Entries
// that are not transfers or recognized group events are skipped silently:
// account histories are full of unrelated ledger noise.
func decodeHistory(account string, raw json.RawMessage, customID string) ([]Event, error) {
	var rows [][2]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		var seq int64
		if err := json.Unmarshal(row[0], &seq); err != nil {
			return nil, fmt.Errorf("decode history sequence: %w", err)
		}
		var item historyItem
		if err := json.Unmarshal(row[1], &item); err != nil {
			return nil, fmt.Errorf("decode history item %d: %w", seq, err)
		}
		if len(item.Op) != 2 {
			continue
		}

		var opName string
		if err := json.Unmarshal(item.Op[0], &opName); err != nil {
			continue
		}

		ev := Event{
			Account:   account,
			Sequence:  seq,
			Block:     item.Block,
			TxID:      item.TrxID,
			Timestamp: parseLedgerTime(item.Timestamp),
		}

		switch opName {
		case "transfer":
			var tr TransferOp
			if err := json.Unmarshal(item.Op[1], &tr); err != nil {
				continue
			}
			ev.Action = ActionTransfer
			ev.Transfer = &tr

		case "custom_json":
			var body customJSONBody
			if err := json.Unmarshal(item.Op[1], &body); err != nil || body.ID != customID {
				continue
			}
			var payload wirePayload
			if err := json.Unmarshal([]byte(body.JSON), &payload); err != nil {
				continue
			}
			action := Action(payload.Action)
			if !knownActions[action] {
				continue // reject unrecognized actions at the boundary
			}
			ev.Action = action
			ev.Group = &GroupOp{
				GroupID:   payload.GroupID,
				RequestID: payload.RequestID,
				Username:  payload.Username,
				Status:    payload.Status,
				Message:   payload.Message,
				Name:      payload.Name,
				Version:   payload.Version,
				Members:   payload.Members,
				Payment:   payload.Payment,
				Actor:     opActor(body),
			}
			if ev.Group.GroupID == "" {
				continue
			}

		default:
			continue
		}

		events = append(events, ev)
	}
	return events, nil
}

func opActor(body customJSONBody) string {
	if len(body.RequiredPostingAuths) > 0 {
		return body.RequiredPostingAuths[0]
	}
	if len(body.RequiredAuths) > 0 {
		return body.RequiredAuths[0]
	}
	return ""
}
