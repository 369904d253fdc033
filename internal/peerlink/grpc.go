package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

var errHeartbeatTimeout = errors.New("peer heartbeat timed out")

// GRPCPeerLink implements the PeerLink interface using gRPC for peer-to-peer communication.
//
// Every peer gets one bidirectional Exchange stream. The first frame in both
// directions is a hello carrying the node id, protocol version and, when a shared
// secret is configured, a JWT. Outbound messages go through a bounded per-peer queue
// drained by a single sender, so per-peer order is preserved.
type GRPCPeerLink struct {
	config *Config
	logger *zap.Logger
	auth   *TokenAuth

	mu       sync.RWMutex
	peers    map[string]*grpcPeer
	started  bool
	closed   bool
	listener net.Listener
	server   *grpc.Server

	inbox       chan peerlink.Message
	disconnects chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type grpcPeer struct {
	id      string
	address string
	queue   chan peerlink.Message

	ctx    context.Context
	cancel context.CancelFunc

	connected   atomic.Bool
	quarantined atomic.Bool
	drops       atomic.Uint64
	caps        atomic.Uint32
}

var _ peerlink.PeerLink = (*GRPCPeerLink)(nil)

// NewGRPCPeerLink creates a new GRPCPeerLink with the given configuration
func NewGRPCPeerLink(config *Config) (*GRPCPeerLink, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	l := &GRPCPeerLink{
		config:      &configCopy,
		logger:      configCopy.Logger.Named("peerlink").With(zap.String("node", configCopy.NodeID)),
		peers:       make(map[string]*grpcPeer),
		inbox:       make(chan peerlink.Message, configCopy.SendQueueSize),
		disconnects: make(chan string, 64),
		ctx:         ctx,
		cancel:      cancel,
	}
	if configCopy.SharedSecret != "" {
		l.auth = NewTokenAuth(configCopy.SharedSecret, configCopy.TokenTTL)
	}
	return l, nil
}

// Start listens for peer connections
func (l *GRPCPeerLink) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return peerlink.ErrLinkClosed
	}
	if l.started {
		return nil
	}

	lis, err := net.Listen("tcp", l.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.config.ListenAddress, err)
	}

	l.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(l.config.MaxMessageSize),
		grpc.MaxSendMsgSize(l.config.MaxMessageSize),
	)
	l.server.RegisterService(&peerLinkServiceDesc, l)
	l.listener = lis
	l.started = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			l.logger.Error("peer server stopped", zap.Error(err))
		}
	}()

	l.logger.Info("peer link listening", zap.String("address", lis.Addr().String()))
	return nil
}

// GetListeningAddress returns the bound address, useful with port 0.
func (l *GRPCPeerLink) GetListeningAddress() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.config.ListenAddress
}

// ListenAddr is GetListeningAddress, used by the mesh node to advertise the link.
func (l *GRPCPeerLink) ListenAddr() string {
	return l.GetListeningAddress()
}

func (l *GRPCPeerLink) newPeer(id, address string) *grpcPeer {
	ctx, cancel := context.WithCancel(l.ctx)
	p := &grpcPeer{
		id:      id,
		address: address,
		queue:   make(chan peerlink.Message, l.config.SendQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.caps.Store(uint32(peerlink.CapAll))
	return p
}

// advertised returns the capabilities of a hello. Peers that advertise none accept
// everything.
func advertised(h *hello) peerlink.Capability {
	if h.Capabilities == 0 {
		return peerlink.CapAll
	}
	return h.Capabilities
}

// Connect registers the peer and dials it in the background. Messages sent before
// the handshake completes are queued.
func (l *GRPCPeerLink) Connect(ctx context.Context, peer peerlink.PeerNode) error {
	if peer.ID() == l.config.NodeID {
		return errors.New("cannot connect to self")
	}
	if peer.Address() == "" {
		return fmt.Errorf("%w: %s has no address", peerlink.ErrPeerUnreachable, peer.ID())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return peerlink.ErrLinkClosed
	}
	if _, ok := l.peers[peer.ID()]; ok {
		return nil
	}

	p := l.newPeer(peer.ID(), peer.Address())
	l.peers[p.id] = p

	l.wg.Add(1)
	go l.runOutbound(p)
	return nil
}

func newDialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

func (l *GRPCPeerLink) runOutbound(p *grpcPeer) {
	defer l.wg.Done()

	b := newDialBackoff(l.config.ReconnectTimeout)
	for p.ctx.Err() == nil {
		if !l.attemptStreamConnection(p) {
			break
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			l.logger.Warn("giving up connecting to peer", zap.String("peer", p.id), zap.String("address", p.address))
			break
		}
		select {
		case <-time.After(wait):
		case <-p.ctx.Done():
		}
	}
	l.dropPeer(p)
}

// attemptStreamConnection dials the peer and serves the stream until it breaks.
// It returns true when the attempt failed before the handshake and may be retried.
func (l *GRPCPeerLink) attemptStreamConnection(p *grpcPeer) bool {
	conn, err := grpc.NewClient(p.address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(l.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(l.config.MaxMessageSize),
		),
	)
	if err != nil {
		l.logger.Warn("invalid peer address", zap.String("peer", p.id), zap.Error(err))
		return false
	}
	defer conn.Close()

	streamCtx, streamCancel := context.WithCancel(p.ctx)
	defer streamCancel()
	handshakeTimer := time.AfterFunc(l.config.DialTimeout, streamCancel)

	stream, err := conn.NewStream(streamCtx, &peerLinkServiceDesc.Streams[0], exchangeMethod)
	if err != nil {
		l.logger.Debug("stream connection failed", zap.String("peer", p.id), zap.Error(err))
		return true
	}
	hello, err := l.localHello()
	if err != nil {
		l.logger.Error("cannot create handshake", zap.Error(err))
		return false
	}
	if err := stream.SendMsg(&frame{Hello: hello}); err != nil {
		l.logger.Debug("handshake send failed", zap.String("peer", p.id), zap.Error(err))
		return true
	}
	var reply frame
	if err := stream.RecvMsg(&reply); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			l.logger.Warn("peer rejected handshake", zap.String("peer", p.id), zap.Error(err))
			return false
		}
		l.logger.Debug("handshake receive failed", zap.String("peer", p.id), zap.Error(err))
		return true
	}
	if err := l.verifyHello(reply.Hello, p.id); err != nil {
		l.logger.Warn("invalid peer handshake", zap.String("peer", p.id), zap.Error(err))
		return false
	}
	if !handshakeTimer.Stop() {
		return true
	}

	p.caps.Store(uint32(advertised(reply.Hello)))
	p.connected.Store(true)
	l.logger.Info("connected to peer",
		zap.String("peer", p.id),
		zap.String("address", p.address),
		zap.Uint8("capabilities", uint8(advertised(reply.Hello))))

	recvDone := l.serve(streamCtx, p, stream)
	streamCancel()
	<-recvDone
	return false
}

func (l *GRPCPeerLink) localHello() (*hello, error) {
	h := &hello{
		NodeID:          l.config.NodeID,
		ProtocolVersion: protocolVersion,
		Capabilities:    l.config.Capabilities,
	}
	if l.auth != nil {
		token, err := l.auth.Issue(l.config.NodeID)
		if err != nil {
			return nil, err
		}
		h.Token = token
	}
	return h, nil
}

func (l *GRPCPeerLink) verifyHello(h *hello, expectedID string) error {
	if h == nil {
		return errors.New("expected handshake frame")
	}
	if h.NodeID == "" {
		return errors.New("handshake without node id")
	}
	if h.ProtocolVersion/100 != protocolVersion/100 {
		return fmt.Errorf("unsupported protocol version %d", h.ProtocolVersion)
	}
	if expectedID != "" && h.NodeID != expectedID {
		return fmt.Errorf("expected node %q, got %q", expectedID, h.NodeID)
	}
	if l.auth != nil {
		return l.auth.Verify(h.Token, h.NodeID)
	}
	return nil
}

// exchange serves a stream opened by a remote peer.
func (l *GRPCPeerLink) exchange(stream grpc.ServerStream) error {
	var first frame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if err := l.verifyHello(first.Hello, ""); err != nil {
		l.logger.Warn("rejecting peer handshake", zap.Error(err))
		return status.Error(codes.Unauthenticated, err.Error())
	}
	remote := first.Hello.NodeID

	hello, err := l.localHello()
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(&frame{Hello: hello}); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return status.Error(codes.Unavailable, "peer link is closed")
	}
	p, exists := l.peers[remote]
	if !exists {
		p = l.newPeer(remote, "")
		p.connected.Store(true)
		l.peers[remote] = p
	}
	p.caps.Store(uint32(advertised(first.Hello)))
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(stream.Context(), cancel)
	defer stop()

	if exists {
		// Both sides dialed. The remote sends over this stream, replies keep
		// using the existing connection.
		errCh := make(chan error, 1)
		go func() {
			var lastSeen atomic.Int64
			errCh <- l.receiveLoop(ctx, remote, stream, &lastSeen)
		}()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	}

	l.logger.Info("accepted peer", zap.String("peer", remote))
	recvDone := l.serve(ctx, p, stream)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-recvDone
		l.dropPeer(p)
	}()
	return nil
}

// serve pumps frames in both directions. It returns when sending stopped; the
// returned channel is closed once the receive side stopped too.
func (l *GRPCPeerLink) serve(ctx context.Context, p *grpcPeer, stream frameStream) <-chan struct{} {
	ctx, cancel := context.WithCancel(ctx)

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		defer cancel()
		if err := l.receiveLoop(ctx, p.id, stream, &lastSeen); err != nil && ctx.Err() == nil {
			l.logger.Debug("peer receive stopped", zap.String("peer", p.id), zap.Error(err))
		}
	}()

	if err := l.sendLoop(ctx, p, stream, &lastSeen); err != nil && ctx.Err() == nil {
		l.logger.Warn("peer send stopped", zap.String("peer", p.id), zap.Error(err))
	}
	cancel()
	return recvDone
}

func (l *GRPCPeerLink) receiveLoop(ctx context.Context, peerID string, stream frameStream, lastSeen *atomic.Int64) error {
	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			return err
		}
		lastSeen.Store(time.Now().UnixNano())
		if f.Message == nil {
			continue
		}
		msg := *f.Message
		if msg.Sender == "" {
			msg.Sender = peerID
		}
		select {
		case l.inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *GRPCPeerLink) sendLoop(ctx context.Context, p *grpcPeer, stream frameStream, lastSeen *atomic.Int64) error {
	interval := l.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.queue:
			if err := stream.SendMsg(&frame{Message: &msg}); err != nil {
				return err
			}
		case <-ticker.C:
			if time.Since(time.Unix(0, lastSeen.Load())) > 3*interval {
				return errHeartbeatTimeout
			}
			if err := stream.SendMsg(&frame{Heartbeat: true}); err != nil {
				return err
			}
		}
	}
}

// dropPeer forgets p and reports the disconnect, unless p was already removed by
// Disconnect or Close.
func (l *GRPCPeerLink) dropPeer(p *grpcPeer) {
	l.mu.Lock()
	registered := l.peers[p.id] == p
	if registered {
		delete(l.peers, p.id)
	}
	l.mu.Unlock()

	p.connected.Store(false)
	p.cancel()
	if !registered {
		return
	}

	l.logger.Info("peer disconnected", zap.String("peer", p.id))
	select {
	case l.disconnects <- p.id:
	case <-l.ctx.Done():
	}
}

// Disconnect closes the connection to the specified peer node
func (l *GRPCPeerLink) Disconnect(ctx context.Context, peerID string) error {
	l.mu.Lock()
	p, ok := l.peers[peerID]
	delete(l.peers, peerID)
	l.mu.Unlock()

	if ok {
		p.connected.Store(false)
		p.cancel()
	}
	return nil
}

// Send queues msg for the peer without blocking
func (l *GRPCPeerLink) Send(peerID string, msg peerlink.Message) error {
	l.mu.RLock()
	closed := l.closed
	p := l.peers[peerID]
	l.mu.RUnlock()

	if closed {
		return peerlink.ErrLinkClosed
	}
	if p == nil {
		return fmt.Errorf("%w: %s", peerlink.ErrPeerNotConnected, peerID)
	}
	if msg.Sender == "" {
		msg.Sender = l.config.NodeID
	}

	select {
	case p.queue <- msg:
		p.quarantined.Store(false)
		return nil
	default:
		p.drops.Add(1)
		p.quarantined.Store(true)
		return fmt.Errorf("%w: %s", peerlink.ErrQueueFull, peerID)
	}
}

func (l *GRPCPeerLink) Receive() <-chan peerlink.Message {
	return l.inbox
}

func (l *GRPCPeerLink) Disconnects() <-chan string {
	return l.disconnects
}

func (l *GRPCPeerLink) PeerState(peerID string) peerlink.PeerState {
	l.mu.RLock()
	p := l.peers[peerID]
	l.mu.RUnlock()

	switch {
	case p == nil || !p.connected.Load():
		return peerlink.PeerDisconnected
	case p.quarantined.Load():
		return peerlink.PeerQuarantined
	default:
		return peerlink.PeerConnected
	}
}

func (l *GRPCPeerLink) PeerCapabilities(peerID string) peerlink.Capability {
	l.mu.RLock()
	p := l.peers[peerID]
	l.mu.RUnlock()
	if p == nil {
		return peerlink.CapAll
	}
	return peerlink.Capability(p.caps.Load())
}

func (l *GRPCPeerLink) ConnectedPeers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.peers))
	for id, p := range l.peers {
		if p.connected.Load() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// GetQueueDepth returns the number of messages waiting to be sent to the peer.
func (l *GRPCPeerLink) GetQueueDepth(peerID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.peers[peerID]; ok {
		return len(p.queue)
	}
	return 0
}

// GetDropsCount returns how many messages to the peer were rejected with ErrQueueFull.
func (l *GRPCPeerLink) GetDropsCount(peerID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.peers[peerID]; ok {
		return p.drops.Load()
	}
	return 0
}

// Close closes the PeerLink and cleans up resources
func (l *GRPCPeerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	l.closed = true
	l.peers = make(map[string]*grpcPeer)
	server := l.server
	l.mu.Unlock()

	l.cancel()
	if server != nil {
		server.Stop()
	}
	l.wg.Wait()
	return nil
}
