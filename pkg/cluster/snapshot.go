package cluster

import (
	"sort"
	"strings"
)

// Snapshot is an immutable view of the live hosts in the cluster as seen by Self.
type Snapshot struct {
	// Self is the id of the local host.
	Self string

	// Hosts is sorted and free of duplicates.
	Hosts []string

	// Addresses maps host ids to their peer transport address. It may be nil.
	Addresses map[string]string
}

// NewSnapshot builds a snapshot, sorting and de-duplicating hosts.
// Addresses for hosts not present in the list are discarded.
func NewSnapshot(self string, hosts []string, addresses map[string]string) Snapshot {
	seen := make(map[string]struct{}, len(hosts))
	sorted := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)

	var addrs map[string]string
	if len(addresses) > 0 {
		addrs = make(map[string]string, len(sorted))
		for _, h := range sorted {
			if a, ok := addresses[h]; ok && a != "" {
				addrs[h] = a
			}
		}
	}

	return Snapshot{Self: self, Hosts: sorted, Addresses: addrs}
}

// Empty reports whether the snapshot has no hosts.
func (s Snapshot) Empty() bool {
	return len(s.Hosts) == 0
}

// Contains reports whether host is live in the snapshot.
func (s Snapshot) Contains(host string) bool {
	i := sort.SearchStrings(s.Hosts, host)
	return i < len(s.Hosts) && s.Hosts[i] == host
}

// Address returns the transport address of host, falling back to the host id.
func (s Snapshot) Address(host string) string {
	if a, ok := s.Addresses[host]; ok {
		return a
	}
	return host
}

// Key identifies the host list; two snapshots with equal keys map topics identically.
func (s Snapshot) Key() string {
	return strings.Join(s.Hosts, ",")
}

// Removed returns the hosts of prev that are missing from s.
func (s Snapshot) Removed(prev Snapshot) []string {
	var out []string
	for _, h := range prev.Hosts {
		if !s.Contains(h) {
			out = append(out, h)
		}
	}
	return out
}

// Added returns the hosts of s that are missing from prev.
func (s Snapshot) Added(prev Snapshot) []string {
	return prev.Removed(s)
}

func (s Snapshot) String() string {
	return "[" + s.Key() + "]"
}
