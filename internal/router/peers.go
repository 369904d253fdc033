package router

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// peer is a cluster member as seen by the local router, including the local node
// itself. Peers are owned by the action processor.
type peer struct {
	host     string
	state    peerlink.PeerState
	caps     peerlink.Capability
	dropped  uint64
	loopback bool

	// inView is set once the host appeared in a snapshot. Peers created to answer
	// a host the local view does not know yet are not disconnected by snapshots
	// that still miss it.
	inView bool
}

// PeerInfo describes a peer for health reporting.
type PeerInfo struct {
	Host         string
	State        peerlink.PeerState
	Capabilities peerlink.Capability
	Dropped      uint64
	Loopback     bool
}

func newLoopbackPeer(host string) *peer {
	return &peer{host: host, state: peerlink.PeerConnected, caps: peerlink.CapAll, loopback: true, inView: true}
}

func (p *peer) info() PeerInfo {
	return PeerInfo{Host: p.host, State: p.state, Capabilities: p.caps, Dropped: p.dropped, Loopback: p.loopback}
}

// peer returns the peer for host, creating a disconnected one on first use.
func (r *Router) peer(host string) *peer {
	p, ok := r.peers[host]
	if !ok {
		p = &peer{host: host, state: peerlink.PeerDisconnected, caps: peerlink.CapAll}
		r.peers[host] = p
	}
	return p
}

func (r *Router) connect(p *peer) error {
	if err := r.link.Connect(r.ctx, peerlink.NewPeerNode(p.host, r.current.Address(p.host))); err != nil {
		r.logger.Warn("connect failed", zap.String("peer", p.host), zap.Error(err))
		return err
	}
	p.state = peerlink.PeerConnected
	p.caps = r.link.PeerCapabilities(p.host)
	return nil
}

// send hands msg to the link without blocking. Messages the peer did not advertise
// a capability for are dropped. A full peer queue quarantines the peer until a later
// send succeeds. Every failure is counted and returned as ErrDeliveryDropped.
func (r *Router) send(host string, msg peerlink.Message) error {
	msg.Sender = r.nodeID
	p := r.peer(host)
	if p.state == peerlink.PeerDisconnected {
		if err := r.connect(p); err != nil {
			r.countDrop(p, msg, err)
			return fmt.Errorf("%w: %w", eventrouter.ErrDeliveryDropped, err)
		}
	}

	// The handshake may finish after Connect returned.
	if !p.loopback {
		p.caps = r.link.PeerCapabilities(host)
	}
	if !p.caps.Has(msg.Kind.Capability()) {
		err := fmt.Errorf("%s does not accept %s", host, msg.Kind)
		r.countDrop(p, msg, err)
		return fmt.Errorf("%w: %w", eventrouter.ErrDeliveryDropped, err)
	}

	err := r.link.Send(host, msg)
	if err == nil {
		if p.state == peerlink.PeerQuarantined {
			r.logger.Info("peer recovered", zap.String("peer", host))
			p.state = peerlink.PeerConnected
		}
		return nil
	}

	if errors.Is(err, peerlink.ErrQueueFull) {
		if p.state != peerlink.PeerQuarantined {
			r.logger.Warn("peer quarantined", zap.String("peer", host))
		}
		p.state = peerlink.PeerQuarantined
	} else {
		p.state = peerlink.PeerDisconnected
	}
	r.countDrop(p, msg, err)
	return fmt.Errorf("%w: %w", eventrouter.ErrDeliveryDropped, err)
}

func (r *Router) countDrop(p *peer, msg peerlink.Message, err error) {
	p.dropped++
	r.dropped.Add(1)
	r.logger.Warn("dropping peer message",
		zap.String("peer", p.host),
		zap.Stringer("kind", msg.Kind),
		zap.String("topic", msg.Topic),
		zap.Error(err))
}
