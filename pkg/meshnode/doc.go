// Package meshnode provides interfaces for the node orchestrator of the event router.
//
// A mesh node wires three components together:
//   - PeerLink: message transport between cluster nodes
//   - Membership: the source of cluster snapshots
//   - EventRouter: topic ownership, subscriptions and event fan-out
//
// Lifecycle:
//  1. Start brings up the peer link and learns its listening address
//  2. The address is advertised through the membership, when it supports that
//  3. The router joins the cluster and follows membership snapshots
//  4. Stop leaves the cluster, closing every local subscription
//  5. Close releases the router, the peer link and the membership
//
// Example usage:
//
//	node, err := meshnode.NewGRPCMeshNode(config, membership)
//	if err != nil {
//		return err
//	}
//	defer node.Close()
//
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	node.Subscribe("orders", listener)
//	node.Publish("orders", payload)
package meshnode
