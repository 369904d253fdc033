// Package peerlink provides the interfaces for node-to-node messaging.
//
// This package defines the abstractions the event router relies on to talk to the
// other members of its cluster:
//   - PeerNode: a remote member addressed by id and transport address
//   - Message: the unit exchanged between routers (subscribe, publish, deliver ...)
//   - PeerLink: connection management plus non-blocking, per-peer FIFO sends
//
// Delivery guarantees are deliberately small. Messages sent to one peer arrive in
// order while the connection lives. Send never blocks: when the bounded outbound
// queue of a peer is full the message is rejected with ErrQueueFull and the caller
// decides what to do about the slow peer.
//
// Example usage:
//
//	err := link.Connect(ctx, peerlink.NewPeerNode("node-2", "node-2.cluster.local:9090"))
//	if err != nil {
//		return err
//	}
//
//	err = link.Send("node-2", peerlink.Message{Kind: peerlink.KindPublish, Topic: "orders", Payload: data})
//	if errors.Is(err, peerlink.ErrQueueFull) {
//		// peer is slow, the message was dropped
//	}
//
//	for {
//		select {
//		case msg := <-link.Receive():
//			handle(msg)
//		case peerID := <-link.Disconnects():
//			forget(peerID)
//		case <-ctx.Done():
//			return ctx.Err()
//		}
//	}
//
// Implementations live in internal/peerlink: an in-memory network and a gRPC transport.
package peerlink
