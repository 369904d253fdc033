package clustermapper

import (
	"sync"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

// StaticMapper pins the owner of every topic per host list. Host lists without a
// pinned owner, or whose pinned owner is not among the hosts, fall back to the
// first host.
type StaticMapper struct {
	mu     sync.RWMutex
	owners map[string]string
}

var _ cluster.Mapper = (*StaticMapper)(nil)

func NewStaticMapper() *StaticMapper {
	return &StaticMapper{owners: make(map[string]string)}
}

// SetOwnerForHosts makes owner the owner of all topics whenever the live hosts equal hosts.
func (m *StaticMapper) SetOwnerForHosts(hosts []string, owner string) {
	key := cluster.NewSnapshot("", hosts, nil).Key()
	m.mu.Lock()
	m.owners[key] = owner
	m.mu.Unlock()
}

func (m *StaticMapper) OwnerOf(_ string, snapshot cluster.Snapshot) (string, error) {
	if snapshot.Empty() {
		return "", cluster.ErrNoHostsAvailable
	}
	m.mu.RLock()
	owner, ok := m.owners[snapshot.Key()]
	m.mu.RUnlock()
	if ok && snapshot.Contains(owner) {
		return owner, nil
	}
	return snapshot.Hosts[0], nil
}
