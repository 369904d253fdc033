// Package cluster defines the membership view shared by every router in a cluster.
//
// A Snapshot is the agreed list of live hosts at a point in time. Snapshots are
// immutable and replaced wholesale whenever membership changes. A Mapper turns a
// snapshot into topic ownership, and a Membership service produces snapshots.
//
// Implementations live in internal/discovery (membership) and
// internal/clustermapper (ownership).
package cluster
