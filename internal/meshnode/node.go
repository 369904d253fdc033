package meshnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/discovery"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/peerlink"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/router"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/meshnode"
	peerlinkpkg "github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// ErrNodeClosed is returned by operations on a closed node.
var ErrNodeClosed = errors.New("mesh node is closed")

// listenAddresser is implemented by links that learn their address when they start.
type listenAddresser interface {
	ListenAddr() string
}

// Node implements the meshnode.MeshNode interface.
// It orchestrates the PeerLink, the cluster membership and the router.
type Node struct {
	mu     sync.RWMutex
	config *Config
	logger *zap.Logger

	// Core components
	router     *router.Router
	peerLink   peerlinkpkg.PeerLink
	membership cluster.Membership

	// State management
	started bool
	closed  bool
}

var _ meshnode.MeshNode = (*Node)(nil)

// NewMeshNode creates a node over an existing link and membership. The node owns
// both afterwards: Close closes them. Call Start() to begin operation.
func NewMeshNode(config *Config, membership cluster.Membership, link peerlinkpkg.PeerLink) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if membership == nil {
		return nil, fmt.Errorf("membership cannot be nil")
	}
	if link == nil {
		return nil, fmt.Errorf("peer link cannot be nil")
	}

	r, err := router.New(config.routerConfig(), membership, link, config.Mapper)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &Node{
		config:     config,
		logger:     config.logger().Named("meshnode").With(zap.String("node", config.NodeID)),
		router:     r,
		peerLink:   link,
		membership: membership,
	}, nil
}

// NewGRPCMeshNode creates a node whose peers talk over gRPC.
func NewGRPCMeshNode(config *Config, membership cluster.Membership) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	link, err := peerlink.NewGRPCPeerLink(config.peerLinkConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerLink: %w", err)
	}
	node, err := NewMeshNode(config, membership, link)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	return node, nil
}

// Start starts the peer link, advertises its address through the membership when
// supported and joins the cluster.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("cannot start closed mesh node: %w", ErrNodeClosed)
	}
	if n.started {
		return nil // Already started, idempotent
	}

	if err := n.peerLink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start PeerLink: %w", err)
	}

	if adv, ok := n.membership.(discovery.Advertiser); ok {
		if la, ok := n.peerLink.(listenAddresser); ok {
			adv.SetAddress(la.ListenAddr())
			n.logger.Debug("advertising peer address", zap.String("address", la.ListenAddr()))
		}
	}

	if err := n.router.JoinCluster(ctx); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	n.started = true
	n.logger.Info("mesh node started")
	return nil
}

// Stop leaves the cluster. The peer link keeps running so the node can Start again.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil // Not started, idempotent
	}
	n.started = false

	if err := n.router.LeaveCluster(ctx); err != nil {
		return fmt.Errorf("failed to leave cluster: %w", err)
	}
	n.logger.Info("mesh node stopped")
	return nil
}

// Close leaves the cluster if needed and releases the router, the peer link and
// the membership.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}
	n.closed = true
	n.started = false

	var errs error
	if err := n.router.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close router: %w", err))
	}
	if err := n.peerLink.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close PeerLink: %w", err))
	}
	if closer, ok := n.membership.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close membership: %w", err))
		}
	}
	return errs
}

// Publish sends payload to every subscriber of topic in the cluster.
func (n *Node) Publish(topic string, payload []byte) {
	n.router.Publish(topic, payload)
}

// Subscribe registers listener for topic.
func (n *Node) Subscribe(topic string, listener eventrouter.RawListener) eventrouter.Subscription {
	return n.router.Subscribe(topic, listener)
}

// Flush waits until everything submitted to the node so far has been routed and
// every resulting callback has run.
func (n *Node) Flush(ctx context.Context) error {
	return n.router.Flush(ctx)
}

// GetRouter returns the node's event router.
func (n *Node) GetRouter() eventrouter.EventRouter {
	return n.router
}

// GetPeerLink returns the node's peer link interface.
func (n *Node) GetPeerLink() peerlinkpkg.PeerLink {
	return n.peerLink
}

// GetNodeID returns this node's unique identifier.
func (n *Node) GetNodeID() string {
	return n.config.NodeID
}

// GetStats returns the router counters.
func (n *Node) GetStats() router.Stats {
	return n.router.Stats()
}

// GetConnectedPeers returns all currently connected peer nodes.
func (n *Node) GetConnectedPeers(ctx context.Context) ([]peerlinkpkg.PeerNode, error) {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil, ErrNodeClosed
	}

	snapshot := n.router.Snapshot()
	var peers []peerlinkpkg.PeerNode
	for _, id := range n.peerLink.ConnectedPeers() {
		peers = append(peers, peerlinkpkg.NewPeerNode(id, snapshot.Address(id)))
	}
	return peers, nil
}

// GetHealth returns the overall health status of this mesh node.
func (n *Node) GetHealth(ctx context.Context) (meshnode.HealthStatus, error) {
	n.mu.RLock()
	closed, started := n.closed, n.started
	n.mu.RUnlock()

	if closed {
		return meshnode.HealthStatus{Message: "node is closed"}, nil
	}

	snapshot := n.router.Snapshot()
	stats := n.router.Stats()
	status := meshnode.HealthStatus{
		Joined:          started && snapshot.Contains(n.config.NodeID),
		ClusterSize:     len(snapshot.Hosts),
		DroppedMessages: stats.Dropped,
		SlowSubscribers: stats.SlowSubscribers,
	}

	if !started {
		status.Message = "node has not joined the cluster"
		return status, nil
	}

	peers, err := n.router.Peers(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to inspect peers: %w", err)
	}
	var problems []string
	for _, p := range peers {
		if p.Loopback {
			continue
		}
		switch p.State {
		case peerlinkpkg.PeerConnected:
			status.ConnectedPeers++
		case peerlinkpkg.PeerQuarantined:
			status.QuarantinedPeers++
			problems = append(problems, fmt.Sprintf("peer %s quarantined", p.Host))
		default:
			problems = append(problems, fmt.Sprintf("peer %s disconnected", p.Host))
		}
	}

	switch {
	case !status.Joined:
		status.Message = "waiting for the local node to appear in the cluster view"
	case len(problems) > 0:
		status.Message = strings.Join(problems, "; ")
	default:
		status.Healthy = true
		status.Message = "all components healthy"
	}
	return status, nil
}
