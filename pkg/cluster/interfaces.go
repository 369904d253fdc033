package cluster

import (
	"context"
	"errors"
)

// ErrNoHostsAvailable is returned by a Mapper for an empty snapshot.
var ErrNoHostsAvailable = errors.New("no hosts available")

// Mapper assigns every topic exactly one owner among the hosts of a snapshot.
//
// OwnerOf must be deterministic: every node computing it over an equal host list
// gets the same answer.
type Mapper interface {
	OwnerOf(topic string, snapshot Snapshot) (string, error)
}

// Membership tracks which hosts are live.
type Membership interface {
	// Join registers the local host with the cluster.
	Join(ctx context.Context) error

	// Leave deregisters the local host.
	Leave(ctx context.Context) error

	// Snapshot returns the latest known view.
	Snapshot() Snapshot

	// Watch streams snapshots until ctx is done, starting with the current one.
	// Slow readers only observe the latest snapshot; intermediate ones may be skipped.
	Watch(ctx context.Context) <-chan Snapshot
}
