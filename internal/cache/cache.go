// Package cache is the hot-state store for derived snapshots and sync
// checkpoints. Values are JSON documents; keys are namespaced under a single
// prefix so one Redis instance can serve multiple deployments.
package cache

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key has no value. Callers treat it as
// "cold start", never as a failure.
var ErrNotFound = errors.New("cache: key not found")

// Store is a JSON key-value store. Put marshals v; Get unmarshals into out.
type Store interface {
	Put(ctx context.Context, key string, v interface{}) error
	Get(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const keyspace = "groupsync"

// GroupKey addresses a group's derived state snapshot.
func GroupKey(groupID string) string {
	return fmt.Sprintf("%s:group:%s", keyspace, groupID)
}

// GroupKeyPrefix is the scan prefix for all group snapshots.
func GroupKeyPrefix() string {
	return keyspace + ":group:"
}

// CheckpointKey addresses the per-account history cursor.
func CheckpointKey(account string) string {
	return fmt.Sprintf("%s:checkpoint:%s", keyspace, account)
}

// CheckpointKeyPrefix is the scan prefix for all checkpoints.
func CheckpointKeyPrefix() string {
	return keyspace + ":checkpoint:"
}

// ProofsKey addresses the payment-proof map for a group.
func ProofsKey(groupID string) string {
	return fmt.Sprintf("%s:proofs:%s", keyspace, groupID)
}

// IndexKey addresses the global group-id index.
func IndexKey() string {
	return keyspace + ":index"
}
