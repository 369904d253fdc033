// Package discovery provides cluster membership implementations: a static seed list,
// an in-memory cluster for tests and embedded use, and etcd lease-backed membership.
package discovery

import (
	"context"
	"errors"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// ErrNotJoined is returned by Leave when the member never joined.
var ErrNotJoined = errors.New("member has not joined the cluster")

// Discovery defines the interface for node discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns available peer nodes
	FindPeers(ctx context.Context) ([]peerlink.PeerNode, error)
}

// Advertiser is implemented by memberships that publish the transport address of
// the local node. The address is only known once the transport is listening.
type Advertiser interface {
	SetAddress(address string)
}

var (
	_ cluster.Membership = (*StaticMembership)(nil)
	_ cluster.Membership = (*MemoryMembership)(nil)
	_ cluster.Membership = (*EtcdMembership)(nil)
	_ Advertiser         = (*MemoryMembership)(nil)
	_ Advertiser         = (*EtcdMembership)(nil)
)
