package rpc

import (
	"errors"
	"fmt"
)

// Error codes carried by NodeError.
const (
	ErrCodeTransport   = "TRANSPORT_ERROR"
	ErrCodeHTTPStatus  = "HTTP_STATUS"
	ErrCodeRPC         = "RPC_ERROR"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
	ErrCodeDecode      = "DECODE_ERROR"
)

// ErrRetriesExhausted wraps the final attempt's error once the retry budget
// is spent.
var ErrRetriesExhausted = errors.New("rpc: retries exhausted")

// ErrNoNodes is returned when the pool has no nodes configured.
var ErrNoNodes = errors.New("rpc: no nodes configured")

// NodeError describes a failure talking to a specific read-node. Temporary
// errors are retried against the (re-ranked) pool; validation errors surface
// immediately.
type NodeError struct {
	Node      string
	Code      string
	Message   string
	Temporary bool
	Cause     error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rpc: %s [%s]: %s: %v", e.Node, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("rpc: %s [%s]: %s", e.Node, e.Code, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }

// IsTemporary reports whether err is worth retrying against another node.
// Unknown error types default to temporary, since transport-level failures
// arrive in many shapes.
func IsTemporary(err error) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Temporary
	}
	return true
}
