package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// StaticDiscovery implements Discovery using a static list of seed nodes.
//
// A seed is either "id@host:port" or a bare "host:port", in which case the address
// doubles as the node id.
type StaticDiscovery struct {
	seedNodes []string
}

// NewStaticDiscovery creates a new static discovery service with the given seed nodes
func NewStaticDiscovery(seedNodes []string) *StaticDiscovery {
	return &StaticDiscovery{
		seedNodes: seedNodes,
	}
}

// FindPeers returns peer nodes from the static seed node list
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peerlink.PeerNode, error) {
	peers := make([]peerlink.PeerNode, 0, len(s.seedNodes))
	for _, seed := range s.seedNodes {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		id, address, found := strings.Cut(seed, "@")
		if !found {
			address = id
		}
		if id == "" || address == "" {
			return nil, fmt.Errorf("invalid seed node %q", seed)
		}
		peers = append(peers, peerlink.NewPeerNode(id, address))
	}
	return peers, nil
}

// StaticMembership treats every discovered peer as permanently live. Only the local
// node joins and leaves.
type StaticMembership struct {
	self      peerlink.PeerNode
	discovery Discovery
	logger    *zap.Logger
	watchers  *watchers

	mu     sync.Mutex
	joined bool
}

// NewStaticMembership creates a membership of self plus the peers found by discovery.
func NewStaticMembership(self peerlink.PeerNode, discovery Discovery, logger *zap.Logger) *StaticMembership {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticMembership{
		self:      self,
		discovery: discovery,
		logger:    logger.Named("membership").With(zap.String("node", self.ID())),
		watchers:  newWatchers(cluster.Snapshot{Self: self.ID()}),
	}
}

func (m *StaticMembership) Join(ctx context.Context) error {
	peers, err := m.discovery.FindPeers(ctx)
	if err != nil {
		return fmt.Errorf("find peers: %w", err)
	}

	hosts := []string{m.self.ID()}
	addresses := map[string]string{m.self.ID(): m.self.Address()}
	for _, p := range peers {
		hosts = append(hosts, p.ID())
		addresses[p.ID()] = p.Address()
	}

	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()

	snap := cluster.NewSnapshot(m.self.ID(), hosts, addresses)
	m.logger.Info("joined static cluster", zap.Stringer("hosts", snap))
	m.watchers.publish(snap)
	return nil
}

func (m *StaticMembership) Leave(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return ErrNotJoined
	}
	m.joined = false

	prev := m.watchers.snapshot()
	hosts := make([]string, 0, len(prev.Hosts))
	for _, h := range prev.Hosts {
		if h != m.self.ID() {
			hosts = append(hosts, h)
		}
	}
	m.watchers.publish(cluster.NewSnapshot(m.self.ID(), hosts, prev.Addresses))
	m.logger.Info("left static cluster")
	return nil
}

func (m *StaticMembership) Snapshot() cluster.Snapshot {
	return m.watchers.snapshot()
}

func (m *StaticMembership) Watch(ctx context.Context) <-chan cluster.Snapshot {
	return m.watchers.watch(ctx)
}
