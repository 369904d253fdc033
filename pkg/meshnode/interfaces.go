package meshnode

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// Client is a named local subscriber of a mesh node.
type Client interface {
	eventrouter.RawListener

	// ID returns unique identifier for this client
	ID() string
}

// MeshNode represents a single node of the event router cluster.
// It owns the peer link and the router and ties them to a cluster membership.
type MeshNode interface {
	io.Closer

	// Start starts the peer link, advertises its address and joins the cluster.
	Start(ctx context.Context) error

	// Stop leaves the cluster. Every local subscription is closed with
	// CloseLeftCluster before Stop returns.
	Stop(ctx context.Context) error

	// Publish sends payload to every subscriber of topic in the cluster.
	Publish(topic string, payload []byte)

	// Subscribe registers listener for topic.
	Subscribe(topic string, listener eventrouter.RawListener) eventrouter.Subscription

	// GetRouter returns the node's event router.
	GetRouter() eventrouter.EventRouter

	// GetPeerLink returns the node's peer link interface.
	GetPeerLink() peerlink.PeerLink

	// GetNodeID returns this node's unique identifier in the cluster.
	GetNodeID() string

	// GetConnectedPeers returns all currently connected peer nodes.
	GetConnectedPeers(ctx context.Context) ([]peerlink.PeerNode, error)

	// GetHealth returns the overall health status of this mesh node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the overall health of a mesh node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool

	// Joined indicates the node has joined the cluster and sees itself in the view
	Joined bool

	// ClusterSize is the number of hosts in the node's current view
	ClusterSize int

	// ConnectedPeers is the number of connected peer nodes
	ConnectedPeers int

	// QuarantinedPeers is the number of peers whose send queue overflowed
	QuarantinedPeers int

	// DroppedMessages is the number of peer messages dropped so far
	DroppedMessages uint64

	// SlowSubscribers is the number of subscriptions closed for falling behind
	SlowSubscribers uint64

	// Message provides additional health information
	Message string
}
