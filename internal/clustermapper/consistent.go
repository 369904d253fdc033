// Package clustermapper assigns topic ownership over cluster snapshots.
package clustermapper

import (
	"errors"
	"sync"

	"github.com/lafikl/consistent"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

// ConsistentMapper places topics on a consistent hash ring of the snapshot hosts.
// Removing a host only moves the topics that host owned.
//
// The ring of the most recent host list is cached; rebuilding happens only when
// the host list changes.
type ConsistentMapper struct {
	mu   sync.Mutex
	key  string
	ring *consistent.Consistent
}

var _ cluster.Mapper = (*ConsistentMapper)(nil)

// NewConsistentMapper creates a mapper with an empty cache.
func NewConsistentMapper() *ConsistentMapper {
	return &ConsistentMapper{}
}

// OwnerOf returns the host owning topic, or cluster.ErrNoHostsAvailable.
func (m *ConsistentMapper) OwnerOf(topic string, snapshot cluster.Snapshot) (string, error) {
	if snapshot.Empty() {
		return "", cluster.ErrNoHostsAvailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key := snapshot.Key(); m.ring == nil || key != m.key {
		ring := consistent.New()
		for _, host := range snapshot.Hosts {
			ring.Add(host)
		}
		m.ring, m.key = ring, key
	}

	owner, err := m.ring.Get(topic)
	if errors.Is(err, consistent.ErrNoHosts) {
		return "", cluster.ErrNoHostsAvailable
	}
	return owner, err
}
