package discovery

import (
	"context"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

// Cluster is an in-memory membership registry shared by the members of one process.
// Every membership change is pushed to all members in the same order.
type Cluster struct {
	mu      sync.Mutex
	live    *orderedmap.OrderedMap[string, string] // id -> address
	members *orderedmap.OrderedMap[string, *MemoryMembership]
}

// NewCluster creates an empty in-memory cluster.
func NewCluster() *Cluster {
	return &Cluster{
		live:    orderedmap.NewOrderedMap[string, string](),
		members: orderedmap.NewOrderedMap[string, *MemoryMembership](),
	}
}

// Member returns the membership view of nodeID, creating it on first use.
func (c *Cluster) Member(nodeID, address string) *MemoryMembership {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.members.Get(nodeID); ok {
		return m
	}
	m := &MemoryMembership{
		cluster:  c,
		id:       nodeID,
		address:  address,
		watchers: newWatchers(c.snapshotFor(nodeID)),
	}
	c.members.Set(nodeID, m)
	return m
}

// Evict removes nodeID from the live set without it leaving, as a crashed node would.
func (c *Cluster) Evict(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live.Delete(nodeID) {
		c.broadcast()
	}
}

// Hosts returns the ids of the live members.
func (c *Cluster) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.Keys()
}

func (c *Cluster) join(m *MemoryMembership) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live.Set(m.id, m.currentAddress())
	c.broadcast()
}

func (c *Cluster) leave(m *MemoryMembership) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live.Delete(m.id) {
		return false
	}
	c.broadcast()
	return true
}

// broadcast must be called with c.mu held.
func (c *Cluster) broadcast() {
	for el := c.members.Front(); el != nil; el = el.Next() {
		el.Value.watchers.publish(c.snapshotFor(el.Key))
	}
}

// snapshotFor must be called with c.mu held.
func (c *Cluster) snapshotFor(self string) cluster.Snapshot {
	hosts := make([]string, 0, c.live.Len())
	addresses := make(map[string]string, c.live.Len())
	for el := c.live.Front(); el != nil; el = el.Next() {
		hosts = append(hosts, el.Key)
		addresses[el.Key] = el.Value
	}
	return cluster.NewSnapshot(self, hosts, addresses)
}

// MemoryMembership is one member's view of a Cluster.
type MemoryMembership struct {
	cluster  *Cluster
	id       string
	watchers *watchers

	mu      sync.Mutex
	address string
}

func (m *MemoryMembership) SetAddress(address string) {
	m.mu.Lock()
	m.address = address
	m.mu.Unlock()
}

func (m *MemoryMembership) currentAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

func (m *MemoryMembership) Join(ctx context.Context) error {
	m.cluster.join(m)
	return nil
}

func (m *MemoryMembership) Leave(ctx context.Context) error {
	if !m.cluster.leave(m) {
		return ErrNotJoined
	}
	return nil
}

func (m *MemoryMembership) Snapshot() cluster.Snapshot {
	return m.watchers.snapshot()
}

func (m *MemoryMembership) Watch(ctx context.Context) <-chan cluster.Snapshot {
	return m.watchers.watch(ctx)
}
