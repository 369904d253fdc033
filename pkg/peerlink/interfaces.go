package peerlink

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue of the peer is full.
	ErrQueueFull = errors.New("peer send queue is full")
	// ErrPeerNotConnected is returned by Send for a peer without a connection.
	ErrPeerNotConnected = errors.New("peer is not connected")
	// ErrPeerUnreachable is returned by Connect when the peer cannot be reached.
	ErrPeerUnreachable = errors.New("peer is unreachable")
	// ErrLinkClosed is returned by every operation after Close.
	ErrLinkClosed = errors.New("peer link is closed")
)

// PeerState represents the state of the connection to a peer
type PeerState int

const (
	PeerDisconnected PeerState = iota
	PeerConnected
	// PeerQuarantined peers are connected but recently dropped messages.
	PeerQuarantined
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "Connected"
	case PeerQuarantined:
		return "Quarantined"
	case PeerDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Capability flags describe which kinds of traffic a peer accepts.
type Capability uint8

const (
	// CapSubscribeRelay covers Subscribe, Unsubscribe and Ack.
	CapSubscribeRelay Capability = 1 << iota
	// CapPublishRelay covers Publish and Deliver.
	CapPublishRelay
	// CapLifecycle covers Close.
	CapLifecycle

	CapAll = CapSubscribeRelay | CapPublishRelay | CapLifecycle
)

// Has reports whether all flags of other are set.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// PeerNode represents a remote node in the cluster
type PeerNode interface {
	// ID returns unique identifier for this peer node
	ID() string

	// Address returns the network address of the peer node
	Address() string
}

type peerNode struct {
	id      string
	address string
}

func (p peerNode) ID() string      { return p.id }
func (p peerNode) Address() string { return p.address }

// NewPeerNode returns a PeerNode with a fixed id and address.
func NewPeerNode(id, address string) PeerNode {
	return peerNode{id: id, address: address}
}

// PeerLink manages connections between routers and carries Messages over them.
type PeerLink interface {
	io.Closer

	// Start makes the link ready to accept connections from other nodes.
	Start(ctx context.Context) error

	// Connect establishes a connection to the peer. Connecting to an already
	// connected peer is a no-op. Implementations may finish the handshake in the
	// background; messages sent meanwhile are queued.
	Connect(ctx context.Context, peer PeerNode) error

	// Disconnect closes the connection to the peer without notifying Disconnects locally.
	Disconnect(ctx context.Context, peerID string) error

	// Send queues msg for the peer. It never blocks.
	Send(peerID string, msg Message) error

	// Receive returns the channel of messages from all peers.
	Receive() <-chan Message

	// Disconnects returns the channel of peer ids whose connection broke.
	// A disconnect is signalled only after every message received over the
	// broken connection has been handed to Receive.
	Disconnects() <-chan string

	// PeerState returns the state of the connection to the peer.
	PeerState(peerID string) PeerState

	// PeerCapabilities returns the capabilities the peer advertised when the
	// connection was established, or CapAll while none are known.
	PeerCapabilities(peerID string) Capability

	// ConnectedPeers returns the ids of all peers with a live connection.
	ConnectedPeers() []string
}
