// Package router implements eventrouter.EventRouter on top of a peer link, a
// cluster membership and a cluster mapper.
//
// Every change to routing state happens on one goroutine, the action processor,
// which drains an unbounded FIFO of actions. Public methods only enqueue actions,
// so Publish, Subscribe and Cancel never block. Listener callbacks run on a
// dispatcher, never on the processor.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/clustermapper"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/dispatcher"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/routingtable"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// sweepEvery is how often, in processed actions, provisional interest is swept.
const sweepEvery = 64

// Stats are cumulative counters of a router.
type Stats struct {
	// Delivered counts OnEvent callbacks handed to the dispatcher.
	Delivered uint64
	// Dropped counts peer messages that could not be sent.
	Dropped uint64
	// Forwarded counts publishes sent to a remote owner.
	Forwarded uint64
	// SlowSubscribers counts subscriptions closed with CloseSlowSubscriber.
	SlowSubscribers uint64
}

// TopicInfo describes the routing state of one topic.
type TopicInfo struct {
	Name               string
	Owner              string
	LocalSubscriptions int
	Interest           []routingtable.Interest
}

type session struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Router is the EventRouter of one node.
type Router struct {
	config     Config
	nodeID     string
	logger     *zap.Logger
	membership cluster.Membership
	link       peerlink.PeerLink
	mapper     cluster.Mapper
	dispatcher *dispatcher.Dispatcher
	queue      *actionQueue

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	groupCtx  context.Context
	startOnce sync.Once
	started   atomic.Bool
	stopPump  context.CancelFunc

	mu      sync.Mutex // serializes JoinCluster, LeaveCluster and Close
	session *session
	closed  bool

	snapshot atomic.Pointer[cluster.Snapshot]

	delivered       atomic.Uint64
	dropped         atomic.Uint64
	forwarded       atomic.Uint64
	slowSubscribers atomic.Uint64

	// Owned by the action processor.
	table       *routingtable.Table[*subscription]
	subs        map[string]*subscription
	peers       map[string]*peer
	current     cluster.Snapshot
	joined      bool
	ready       bool
	left        bool
	deferred    []action
	actionCount uint64
}

var _ eventrouter.EventRouter = (*Router)(nil)

// New creates a router. A nil mapper selects consistent hashing.
func New(config Config, membership cluster.Membership, link peerlink.PeerLink, mapper cluster.Mapper) (*Router, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.SetDefaults()
	if membership == nil {
		return nil, errors.New("membership cannot be nil")
	}
	if link == nil {
		return nil, errors.New("peer link cannot be nil")
	}
	if mapper == nil {
		mapper = clustermapper.NewConsistentMapper()
	}

	logger := config.Logger.Named("router").With(zap.String("node", config.NodeID))
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	r := &Router{
		config:     config,
		nodeID:     config.NodeID,
		logger:     logger,
		membership: membership,
		link:       link,
		mapper:     mapper,
		dispatcher: dispatcher.New(dispatcher.Config{
			Workers:     config.DispatcherWorkers,
			MailboxSize: config.SubscriberQueueSize,
			Logger:      logger,
		}),
		queue:    newActionQueue(),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		groupCtx: groupCtx,
		table:    routingtable.NewTable[*subscription](),
		subs:     make(map[string]*subscription),
		current:  cluster.Snapshot{Self: config.NodeID},
	}
	r.peers = map[string]*peer{r.nodeID: newLoopbackPeer(r.nodeID)}
	initial := r.current
	r.snapshot.Store(&initial)
	return r, nil
}

// NodeID returns the id of the local node.
func (r *Router) NodeID() string {
	return r.nodeID
}

// JoinCluster starts the action processor on first use, registers the node with
// the membership and starts following snapshots. Routing actions submitted before
// the first snapshot containing the local node are held and replayed in order.
func (r *Router) JoinCluster(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return eventrouter.ErrRouterClosed
	}
	if r.session != nil {
		return nil
	}

	r.startOnce.Do(r.start)

	if err := r.await(ctx, func(done chan struct{}) action { return joinAction{done: done} }); err != nil {
		return err
	}
	if err := r.membership.Join(ctx); err != nil {
		_ = r.await(context.Background(), func(done chan struct{}) action { return leaveAction{done: done} })
		return fmt.Errorf("join membership: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(r.ctx)
	group, groupCtx := errgroup.WithContext(sessionCtx)
	group.Go(func() error { return r.watchMembership(groupCtx) })
	r.session = &session{cancel: cancel, group: group}

	r.logger.Info("joined cluster")
	return nil
}

// LeaveCluster closes every local subscription with CloseLeftCluster, notifies
// remote subscribers of owned topics with ClosePeerLeft, deregisters the node and
// waits for pending callbacks. It is bounded by Config.LeaveTimeout.
func (r *Router) LeaveCluster(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(ctx)
}

func (r *Router) leaveLocked(ctx context.Context) error {
	sess := r.session
	if sess == nil {
		return nil
	}
	r.session = nil

	ctx, cancel := context.WithTimeout(ctx, r.config.LeaveTimeout)
	defer cancel()

	var errs error
	if err := r.await(ctx, func(done chan struct{}) action { return leaveAction{done: done} }); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: %w", eventrouter.ErrDrainTimeout, err))
	}

	sess.cancel()
	_ = sess.group.Wait()

	if err := r.membership.Leave(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("leave membership: %w", err))
	}
	if err := r.dispatcher.Drain(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: %w", eventrouter.ErrDrainTimeout, err))
	}

	r.logger.Info("left cluster")
	return errs
}

// Publish enqueues payload for topic. It never blocks.
func (r *Router) Publish(topic string, payload []byte) {
	if !r.queue.push(publishAction{topic: topic, payload: payload}) {
		r.logger.Debug("publish after close dropped", zap.String("topic", topic))
	}
}

// Subscribe registers listener for topic and returns a subscription in StateOpening.
func (r *Router) Subscribe(topic string, listener eventrouter.RawListener) eventrouter.Subscription {
	sub := &subscription{
		id:       uuid.NewString(),
		topic:    topic,
		listener: listener,
		router:   r,
	}
	sub.state.Store(int32(eventrouter.StateOpening))

	if !r.queue.push(subscribeAction{sub: sub}) {
		r.abandon(sub, eventrouter.CloseLeftCluster)
	}
	return sub
}

// Flush waits until every action submitted before the call has been processed and
// every resulting callback has run.
func (r *Router) Flush(ctx context.Context) error {
	if err := r.inspect(ctx, func() {}); err != nil {
		return err
	}
	return r.dispatcher.Drain(ctx)
}

// Stats returns the cumulative counters of the router.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered:       r.delivered.Load(),
		Dropped:         r.dropped.Load(),
		Forwarded:       r.forwarded.Load(),
		SlowSubscribers: r.slowSubscribers.Load(),
	}
}

// Snapshot returns the last cluster snapshot applied by the router.
func (r *Router) Snapshot() cluster.Snapshot {
	return *r.snapshot.Load()
}

// Peers returns the router's view of every known peer, including itself.
func (r *Router) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := r.inspect(ctx, func() {
		for _, host := range sortedKeys(r.peers) {
			out = append(out, r.peers[host].info())
		}
	})
	return out, err
}

// Topics returns the routing state of every topic the node currently tracks.
func (r *Router) Topics(ctx context.Context) ([]TopicInfo, error) {
	var out []TopicInfo
	err := r.inspect(ctx, func() {
		for _, t := range r.table.Topics() {
			out = append(out, TopicInfo{
				Name:               t.Name,
				Owner:              t.Owner,
				LocalSubscriptions: t.LocalCount(),
				Interest:           t.Interest(),
			})
		}
	})
	return out, err
}

// Close leaves the cluster if joined and stops the router. Subscriptions created
// afterwards are closed immediately with CloseLeftCluster.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil // Already closed, safe to call multiple times
	}

	errs := r.leaveLocked(context.Background())
	r.closed = true

	r.queue.close()
	if r.started.Load() {
		r.stopPump()
		if err := r.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, err)
		}
	} else {
		r.abandonQueued()
	}
	r.cancel()
	r.dispatcher.Close()
	return errs
}

func (r *Router) start() {
	pumpCtx, stopPump := context.WithCancel(r.groupCtx)
	r.stopPump = stopPump
	r.started.Store(true)
	r.group.Go(func() error { return r.run(r.groupCtx) })
	r.group.Go(func() error { return r.pumpPeerLink(pumpCtx) })
}

// await enqueues the action built by mk and waits for the processor to handle it.
func (r *Router) await(ctx context.Context, mk func(done chan struct{}) action) error {
	done := make(chan struct{})
	if !r.started.Load() || !r.queue.push(mk(done)) {
		return eventrouter.ErrRouterClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) inspect(ctx context.Context, fn func()) error {
	return r.await(ctx, func(done chan struct{}) action { return inspectAction{fn: fn, done: done} })
}

// abandon closes a subscription the processor will never see.
func (r *Router) abandon(sub *subscription, reason eventrouter.CloseReason) {
	if sub.markClosed(reason) {
		go sub.listener.OnClose(sub, reason)
	}
}

// abandonQueued closes the subscriptions submitted to a router that never joined.
func (r *Router) abandonQueued() {
	for {
		a, ok := r.queue.pop(r.ctx)
		if !ok {
			return
		}
		if s, ok := a.(subscribeAction); ok {
			r.abandon(s.sub, eventrouter.CloseLeftCluster)
		}
	}
}

func (r *Router) watchMembership(ctx context.Context) error {
	snapshots := r.membership.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			r.queue.push(clusterChangedAction{snapshot: snap})
		}
	}
}

// pumpPeerLink turns link traffic into actions. A disconnect is enqueued only
// after every message already received from the link has been enqueued.
func (r *Router) pumpPeerLink(ctx context.Context) error {
	received := r.link.Receive()
	disconnects := r.link.Disconnects()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-received:
			if !ok {
				received = nil
				continue
			}
			r.queue.push(peerMessageAction{msg: msg})
		case host, ok := <-disconnects:
			if !ok {
				disconnects = nil
				continue
			}
			r.drainReceived(received)
			r.queue.push(peerDisconnectedAction{host: host})
		}
	}
}

func (r *Router) drainReceived(received <-chan peerlink.Message) {
	for {
		select {
		case msg, ok := <-received:
			if !ok {
				return
			}
			r.queue.push(peerMessageAction{msg: msg})
		default:
			return
		}
	}
}

// run is the action processor.
func (r *Router) run(ctx context.Context) error {
	for {
		a, ok := r.queue.pop(ctx)
		if !ok {
			return nil
		}
		r.actionCount++
		r.handle(a)
		if r.actionCount%sweepEvery == 0 {
			r.sweepProvisional()
		}
	}
}
