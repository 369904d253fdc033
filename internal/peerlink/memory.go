package peerlink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// Network connects MemoryLinks inside one process. Connections are bidirectional
// and FIFO per direction, like a real stream.
type Network struct {
	mu          sync.Mutex
	links       map[string]*MemoryLink
	partitioned map[[2]string]bool
	queueSize   int
	logger      *zap.Logger
}

// NewNetwork creates an empty network whose links queue up to queueSize messages per peer.
func NewNetwork(queueSize int, logger *zap.Logger) *Network {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		links:       make(map[string]*MemoryLink),
		partitioned: make(map[[2]string]bool),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Link returns the link of nodeID, creating it on first use.
func (n *Network) Link(nodeID string) *MemoryLink {
	n.mu.Lock()
	defer n.mu.Unlock()

	if l, ok := n.links[nodeID]; ok {
		return l
	}
	l := &MemoryLink{
		network:     n,
		id:          nodeID,
		logger:      n.logger.Named("peerlink").With(zap.String("node", nodeID)),
		conns:       make(map[string]*memoryConn),
		caps:        peerlink.CapAll,
		inbox:       make(chan peerlink.Message, n.queueSize),
		disconnects: make(chan string, 64),
		done:        make(chan struct{}),
	}
	n.links[nodeID] = l
	return l
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Partition severs the connection between a and b and refuses new ones until Heal.
// Both sides are notified through Disconnects.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	n.partitioned[pairKey(a, b)] = true
	la, lb := n.links[a], n.links[b]
	n.mu.Unlock()

	if la != nil && lb != nil {
		tearDown(la, lb, true, true)
	}
}

// Heal lifts a partition between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	delete(n.partitioned, pairKey(a, b))
	n.mu.Unlock()
}

func (n *Network) lookup(from, to string) (*MemoryLink, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	target, ok := n.links[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not on the network", peerlink.ErrPeerUnreachable, to)
	}
	if n.partitioned[pairKey(from, to)] {
		return nil, fmt.Errorf("%w: %s is partitioned from %s", peerlink.ErrPeerUnreachable, to, from)
	}
	return target, nil
}

func (n *Network) remove(l *MemoryLink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links[l.id] == l {
		delete(n.links, l.id)
	}
}

// memoryConn is one direction of a connection.
type memoryConn struct {
	target   *MemoryLink
	queue    chan peerlink.Message
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

func newMemoryConn(target *MemoryLink, size int) *memoryConn {
	c := &memoryConn{
		target:   target,
		queue:    make(chan peerlink.Message, size),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go c.forward()
	return c
}

func (c *memoryConn) forward() {
	defer close(c.finished)
	for {
		select {
		case msg := <-c.queue:
			if !c.deliver(msg) {
				return
			}
		case <-c.stop:
			// Flush what was queued before the connection broke.
			for {
				select {
				case msg := <-c.queue:
					if !c.deliver(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *memoryConn) deliver(msg peerlink.Message) bool {
	select {
	case c.target.inbox <- msg:
		return true
	case <-c.target.done:
		return false
	}
}

func (c *memoryConn) close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// MemoryLink is the PeerLink of one node on a Network.
type MemoryLink struct {
	network *Network
	id      string
	logger  *zap.Logger

	mu     sync.Mutex
	conns  map[string]*memoryConn // outbound direction, keyed by peer id
	drops  map[string]uint64
	caps   peerlink.Capability
	closed bool

	inbox       chan peerlink.Message
	disconnects chan string
	done        chan struct{}
}

var _ peerlink.PeerLink = (*MemoryLink)(nil)

func (l *MemoryLink) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return peerlink.ErrLinkClosed
	}
	return nil
}

func (l *MemoryLink) Connect(ctx context.Context, peer peerlink.PeerNode) error {
	if peer.ID() == l.id {
		return fmt.Errorf("cannot connect to self")
	}
	target, err := l.network.lookup(l.id, peer.ID())
	if err != nil {
		return err
	}

	first, second := l, target
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if l.closed || target.closed {
		return peerlink.ErrLinkClosed
	}
	if _, ok := l.conns[target.id]; ok {
		return nil
	}
	l.conns[target.id] = newMemoryConn(target, l.network.queueSize)
	target.conns[l.id] = newMemoryConn(l, l.network.queueSize)
	l.logger.Debug("connected", zap.String("peer", target.id))
	return nil
}

func (l *MemoryLink) Disconnect(ctx context.Context, peerID string) error {
	l.network.mu.Lock()
	target := l.network.links[peerID]
	l.network.mu.Unlock()
	if target == nil {
		return nil
	}
	tearDown(l, target, false, true)
	return nil
}

// tearDown removes the connection between a and b and notifies the requested sides
// once everything sent towards them has been delivered.
func tearDown(a, b *MemoryLink, notifyA, notifyB bool) {
	first, second := a, b
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	ab, okAB := a.conns[b.id]
	ba, okBA := b.conns[a.id]
	delete(a.conns, b.id)
	delete(b.conns, a.id)
	second.mu.Unlock()
	first.mu.Unlock()

	if okAB {
		ab.close()
		if notifyB {
			go b.notifyDisconnect(a.id, ab)
		}
	}
	if okBA {
		ba.close()
		if notifyA {
			go a.notifyDisconnect(b.id, ba)
		}
	}
}

// notifyDisconnect signals peerID after the incoming connection has flushed.
func (l *MemoryLink) notifyDisconnect(peerID string, incoming *memoryConn) {
	<-incoming.finished
	select {
	case l.disconnects <- peerID:
	case <-l.done:
	}
}

func (l *MemoryLink) Send(peerID string, msg peerlink.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return peerlink.ErrLinkClosed
	}
	conn, ok := l.conns[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", peerlink.ErrPeerNotConnected, peerID)
	}
	select {
	case conn.queue <- msg:
		return nil
	default:
		if l.drops == nil {
			l.drops = make(map[string]uint64)
		}
		l.drops[peerID]++
		return fmt.Errorf("%w: %s", peerlink.ErrQueueFull, peerID)
	}
}

func (l *MemoryLink) Receive() <-chan peerlink.Message {
	return l.inbox
}

func (l *MemoryLink) Disconnects() <-chan string {
	return l.disconnects
}

func (l *MemoryLink) PeerState(peerID string) peerlink.PeerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.conns[peerID]
	switch {
	case !ok:
		return peerlink.PeerDisconnected
	case len(conn.queue) == cap(conn.queue):
		return peerlink.PeerQuarantined
	default:
		return peerlink.PeerConnected
	}
}

// Advertise sets the capabilities other links see for this one.
func (l *MemoryLink) Advertise(caps peerlink.Capability) {
	l.mu.Lock()
	l.caps = caps
	l.mu.Unlock()
}

func (l *MemoryLink) PeerCapabilities(peerID string) peerlink.Capability {
	l.network.mu.Lock()
	target := l.network.links[peerID]
	l.network.mu.Unlock()
	if target == nil {
		return peerlink.CapAll
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	return target.caps
}

func (l *MemoryLink) ConnectedPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.conns))
	for id := range l.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetDropsCount returns how many sends to peerID were rejected with ErrQueueFull.
func (l *MemoryLink) GetDropsCount(peerID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drops[peerID]
}

// Close disconnects every peer, notifying them, and removes the link from the network.
func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	l.closed = true
	peers := make([]string, 0, len(l.conns))
	for id := range l.conns {
		peers = append(peers, id)
	}
	l.mu.Unlock()

	l.network.remove(l)
	for _, id := range peers {
		l.network.mu.Lock()
		target := l.network.links[id]
		l.network.mu.Unlock()
		if target != nil {
			tearDown(l, target, false, true)
		}
	}
	close(l.done)
	return nil
}
