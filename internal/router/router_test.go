package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/clustermapper"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/discovery"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/peerlink"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	peerlinkpkg "github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

const waitTimeout = 5 * time.Second

// recorder is a RawListener that records every callback as a string.
type recorder struct {
	mu     sync.Mutex
	log    []string
	block  chan struct{}
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) OnOpen(sub eventrouter.Subscription) {
	r.append("open")
}

func (r *recorder) OnEvent(sub eventrouter.Subscription, event eventrouter.Event) {
	if r.block != nil {
		<-r.block
	}
	r.append(string(event.Payload))
}

func (r *recorder) OnClose(sub eventrouter.Subscription, reason eventrouter.CloseReason) {
	r.append("close:" + reason.String())
	close(r.closed)
}

func (r *recorder) append(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) waitFor(t *testing.T, entries ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := r.entries()
		return len(got) >= len(entries)
	}, waitTimeout, 5*time.Millisecond, "waiting for %v, have %v", entries, r.entries())
	assert.Equal(t, entries, r.entries())
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("subscription not closed, log %v", r.entries())
	}
}

// testCluster runs routers over an in-memory network and membership.
type testCluster struct {
	t       *testing.T
	network *peerlink.Network
	members *discovery.Cluster
	mapper  cluster.Mapper
	routers map[string]*Router
	config  func(*Config)
}

func newTestCluster(t *testing.T, mapper cluster.Mapper) *testCluster {
	c := &testCluster{
		t:       t,
		network: peerlink.NewNetwork(256, zaptest.NewLogger(t)),
		members: discovery.NewCluster(),
		mapper:  mapper,
		routers: make(map[string]*Router),
	}
	t.Cleanup(func() {
		for _, r := range c.routers {
			_ = r.Close()
		}
	})
	return c
}

func (c *testCluster) node(id string) *Router {
	if r, ok := c.routers[id]; ok {
		return r
	}
	config := Config{NodeID: id, Logger: zaptest.NewLogger(c.t)}
	if c.config != nil {
		c.config(&config)
	}
	r, err := New(config, c.members.Member(id, id), c.network.Link(id), c.mapper)
	require.NoError(c.t, err)
	c.routers[id] = r
	return r
}

// join joins ids and waits until every joined router has applied the full view.
func (c *testCluster) join(ids ...string) {
	for _, id := range ids {
		require.NoError(c.t, c.node(id).JoinCluster(context.Background()))
	}
	c.converge()
}

func (c *testCluster) converge() {
	c.t.Helper()
	hosts := c.members.Hosts()
	want := cluster.NewSnapshot("", hosts, nil).Key()
	for _, id := range hosts {
		r := c.routers[id]
		require.Eventually(c.t, func() bool {
			return r.Snapshot().Key() == want
		}, waitTimeout, 5*time.Millisecond, "node %s did not converge on %v", id, hosts)
		require.NoError(c.t, r.Flush(context.Background()))
	}
}

func (c *testCluster) flush() {
	for _, id := range c.members.Hosts() {
		require.NoError(c.t, c.routers[id].Flush(context.Background()))
	}
}

func pinned(owners map[string][]string) *clustermapper.StaticMapper {
	m := clustermapper.NewStaticMapper()
	for owner, hosts := range owners {
		m.SetOwnerForHosts(hosts, owner)
	}
	return m
}

func TestConfig_ValidateAndDefaults(t *testing.T) {
	config := Config{}
	assert.Error(t, config.Validate())

	config.NodeID = "a"
	require.NoError(t, config.Validate())
	config.SetDefaults()
	assert.Equal(t, 1024, config.SubscriberQueueSize)
	assert.Equal(t, 16, config.DispatcherWorkers)
	assert.Equal(t, 30*time.Second, config.LeaveTimeout)
	assert.Equal(t, uint64(1024), config.InterestGraceActions)
	assert.NotNil(t, config.Logger)
}

func TestNew_RequiresDependencies(t *testing.T) {
	network := peerlink.NewNetwork(0, nil)
	members := discovery.NewCluster()

	_, err := New(Config{}, members.Member("a", ""), network.Link("a"), nil)
	assert.Error(t, err)
	_, err = New(Config{NodeID: "a"}, nil, network.Link("a"), nil)
	assert.Error(t, err)
	_, err = New(Config{NodeID: "a"}, members.Member("a", ""), nil, nil)
	assert.Error(t, err)
}

func TestRouter_SingleNode(t *testing.T) {
	c := newTestCluster(t, nil)
	c.join("a")
	a := c.node("a")

	rec := newRecorder()
	sub := a.Subscribe("orders", rec)
	assert.Equal(t, "orders", sub.Topic())
	rec.waitFor(t, "open")
	assert.Equal(t, eventrouter.StateOpen, sub.State())

	a.Publish("orders", []byte("hello"))
	a.Publish("other", []byte("ignored"))
	rec.waitFor(t, "open", "hello")

	sub.Cancel()
	rec.waitClosed(t)
	assert.Equal(t, []string{"open", "hello", "close:Cancelled"}, rec.entries())
	assert.Equal(t, eventrouter.StateClosed, sub.State())
	assert.Equal(t, eventrouter.CloseCancelled, sub.CloseReason())
}

func TestRouter_SubscribeBeforeJoinIsDeferred(t *testing.T) {
	c := newTestCluster(t, nil)
	a := c.node("a")

	rec := newRecorder()
	sub := a.Subscribe("orders", rec)
	a.Publish("orders", []byte("one"))
	assert.Equal(t, eventrouter.StateOpening, sub.State())

	c.join("a")
	rec.waitFor(t, "open", "one")
}

func TestRouter_RemoteOwner(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"b": {"a", "b"}}))
	c.join("a", "b")
	a, b := c.node("a"), c.node("b")

	rec := newRecorder()
	sub := a.Subscribe("orders", rec)
	rec.waitFor(t, "open")

	a.Publish("orders", []byte("from-a"))
	rec.waitFor(t, "open", "from-a")
	b.Publish("orders", []byte("from-b"))
	rec.waitFor(t, "open", "from-a", "from-b")
	assert.Equal(t, uint64(1), a.Stats().Forwarded)

	topics, err := b.Topics(context.Background())
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "b", topics[0].Owner)
	require.Len(t, topics[0].Interest, 1)
	assert.Equal(t, "a", topics[0].Interest[0].Host)
	assert.Equal(t, []string{sub.ID()}, topics[0].Interest[0].SubscriptionIDs)

	sub.Cancel()
	rec.waitClosed(t)
	assert.Equal(t, eventrouter.CloseCancelled, sub.CloseReason())

	// The owner forgets the interest once the cancellation is applied.
	c.flush()
	topics, err = b.Topics(context.Background())
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestRouter_ThreeNodes(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"c": {"a", "b", "c"}}))
	c.join("a", "b", "c")

	recA, recB := newRecorder(), newRecorder()
	c.node("a").Subscribe("orders", recA)
	c.node("b").Subscribe("orders", recB)
	recA.waitFor(t, "open")
	recB.waitFor(t, "open")

	c.node("b").Publish("orders", []byte("1"))
	recA.waitFor(t, "open", "1")
	c.node("a").Publish("orders", []byte("2"))
	recA.waitFor(t, "open", "1", "2")
	recB.waitFor(t, "open", "1", "2")
}

func TestRouter_CancelStopsDelivery(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"b": {"a", "b"}}))
	c.join("a", "b")
	a := c.node("a")

	events := make(chan eventrouter.Event, 16)
	closes := make(chan eventrouter.CloseReason, 16)
	var sub eventrouter.Subscription
	listener := &funcListener{
		onEvent: func(s eventrouter.Subscription, e eventrouter.Event) {
			events <- e
			s.Cancel()
		},
		onClose: func(_ eventrouter.Subscription, reason eventrouter.CloseReason) { closes <- reason },
	}
	sub = a.Subscribe("orders", listener)
	require.Eventually(t, func() bool { return sub.State() == eventrouter.StateOpen }, waitTimeout, time.Millisecond)

	for i := 0; i < 5; i++ {
		a.Publish("orders", []byte(fmt.Sprint(i)))
	}

	select {
	case reason := <-closes:
		assert.Equal(t, eventrouter.CloseCancelled, reason)
	case <-time.After(waitTimeout):
		t.Fatal("subscription not closed")
	}
	c.flush()
	assert.Len(t, events, 1)
	assert.Len(t, closes, 0)
}

func TestRouter_NonOwnerLeavingKeepsSubscriptions(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{
		"a": {"a", "b", "c"},
	}))
	c.join("a", "b", "c")

	rec := newRecorder()
	sub := c.node("b").Subscribe("orders", rec)
	rec.waitFor(t, "open")

	require.NoError(t, c.node("c").LeaveCluster(context.Background()))
	c.converge()

	c.node("a").Publish("orders", []byte("after"))
	rec.waitFor(t, "open", "after")
	assert.Equal(t, eventrouter.StateOpen, sub.State())
}

func TestRouter_OwnerLeavingClosesWithPeerLeft(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"a": {"a", "b"}}))
	c.join("a", "b")
	b := c.node("b")

	rec := newRecorder()
	sub := b.Subscribe("orders", rec)
	rec.waitFor(t, "open")

	require.NoError(t, c.node("a").LeaveCluster(context.Background()))
	rec.waitClosed(t)
	assert.Equal(t, []string{"open", "close:PeerLeft"}, rec.entries())
	assert.Equal(t, eventrouter.ClosePeerLeft, sub.CloseReason())

	// Resubscribing after the view settles reaches the new owner.
	c.converge()
	again := newRecorder()
	b.Subscribe("orders", again)
	again.waitFor(t, "open")
	b.Publish("orders", []byte("x"))
	again.waitFor(t, "open", "x")
}

func TestRouter_OwnerEvictedClosesWithPeerLeft(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"a": {"a", "b"}}))
	c.join("a", "b")

	rec := newRecorder()
	c.node("b").Subscribe("orders", rec)
	rec.waitFor(t, "open")

	c.members.Evict("a")
	rec.waitClosed(t)
	entries := rec.entries()
	assert.Contains(t, []string{"close:PeerLeft", "close:OwnerUnreachable"}, entries[len(entries)-1])
}

func TestRouter_OwnerMigrationKeepsSubscriptionsOpen(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{
		"a": {"a", "b"},
		"c": {"a", "b", "c"},
	}))
	c.join("a", "b")

	rec := newRecorder()
	sub := c.node("b").Subscribe("orders", rec)
	rec.waitFor(t, "open")

	c.join("c")

	var topics []TopicInfo
	require.Eventually(t, func() bool {
		var err error
		topics, err = c.node("c").Topics(context.Background())
		return err == nil && len(topics) == 1 && len(topics[0].Interest) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "c", topics[0].Owner)
	assert.Equal(t, "b", topics[0].Interest[0].Host)
	assert.False(t, topics[0].Interest[0].Provisional)

	c.node("a").Publish("orders", []byte("moved"))
	rec.waitFor(t, "open", "moved")
	assert.Equal(t, eventrouter.StateOpen, sub.State())
}

func TestRouter_UnreachableOwner(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"b": {"a", "b"}}))
	c.join("a", "b")

	c.network.Partition("a", "b")

	rec := newRecorder()
	c.node("a").Subscribe("orders", rec)
	rec.waitClosed(t)
	assert.Equal(t, []string{"close:OwnerUnreachable"}, rec.entries())
}

func TestRouter_PartitionClosesOpenSubscriptions(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"b": {"a", "b"}}))
	c.join("a", "b")

	rec := newRecorder()
	c.node("a").Subscribe("orders", rec)
	rec.waitFor(t, "open")

	c.network.Partition("a", "b")
	rec.waitClosed(t)
	assert.Equal(t, []string{"open", "close:OwnerUnreachable"}, rec.entries())

	// The owner dropped the interest of the unreachable host.
	require.Eventually(t, func() bool {
		topics, err := c.node("b").Topics(context.Background())
		return err == nil && len(topics) == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestRouter_BlockedListenerDoesNotStallOthers(t *testing.T) {
	c := newTestCluster(t, nil)
	c.join("a")
	a := c.node("a")

	blocked := newRecorder()
	blocked.block = make(chan struct{})
	defer close(blocked.block)
	free := newRecorder()

	a.Subscribe("orders", blocked)
	a.Subscribe("orders", free)
	blocked.waitFor(t, "open")
	free.waitFor(t, "open")

	a.Publish("orders", []byte("1"))
	a.Publish("orders", []byte("2"))
	free.waitFor(t, "open", "1", "2")
}

func TestRouter_SlowSubscriberIsClosed(t *testing.T) {
	c := newTestCluster(t, nil)
	c.config = func(config *Config) { config.SubscriberQueueSize = 2 }
	c.join("a")
	a := c.node("a")

	slow := newRecorder()
	slow.block = make(chan struct{})
	fast := newRecorder()
	slowSub := a.Subscribe("orders", slow)
	a.Subscribe("orders", fast)
	slow.waitFor(t, "open")
	fast.waitFor(t, "open")

	want := []string{"open"}
	for i := 0; i < 10; i++ {
		payload := fmt.Sprint(i)
		want = append(want, payload)
		a.Publish("orders", []byte(payload))
		// Keep the fast subscriber's mailbox under the bound.
		fast.waitFor(t, want...)
	}

	require.Eventually(t, func() bool { return slowSub.State() == eventrouter.StateClosed }, waitTimeout, time.Millisecond)
	assert.Equal(t, eventrouter.CloseSlowSubscriber, slowSub.CloseReason())
	assert.Equal(t, uint64(1), a.Stats().SlowSubscribers)

	close(slow.block)
	slow.waitClosed(t)
	entries := slow.entries()
	assert.Equal(t, "close:SlowSubscriber", entries[len(entries)-1])
}

func TestRouter_ConcurrentPublishersSeeOneOrder(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"a": {"a", "b", "c"}}))
	c.join("a", "b", "c")

	recB, recC := newRecorder(), newRecorder()
	c.node("b").Subscribe("orders", recB)
	c.node("c").Subscribe("orders", recC)
	recB.waitFor(t, "open")
	recC.waitFor(t, "open")

	const perPublisher = 50
	var wg sync.WaitGroup
	for _, id := range []string{"b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				c.node(id).Publish("orders", []byte(fmt.Sprintf("%s-%02d", id, i)))
			}
		}(id)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(recB.entries()) == 1+2*perPublisher && len(recC.entries()) == 1+2*perPublisher
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, recB.entries(), recC.entries())

	// Each publisher's events keep their publish order.
	last := map[byte]string{}
	for _, entry := range recB.entries()[1:] {
		prev := last[entry[0]]
		assert.Less(t, prev, entry)
		last[entry[0]] = entry
	}
}

func TestRouter_LeaveClosesEverySubscription(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"b": {"a", "b"}}))
	c.join("a", "b")
	a := c.node("a")

	var recs []*recorder
	for _, topic := range []string{"t1", "t2", "t3"} {
		rec := newRecorder()
		a.Subscribe(topic, rec)
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		rec.waitFor(t, "open")
	}

	require.NoError(t, a.LeaveCluster(context.Background()))
	for _, rec := range recs {
		// Every OnClose has run by the time LeaveCluster returns.
		assert.Equal(t, []string{"open", "close:LeftCluster"}, rec.entries())
	}

	late := newRecorder()
	a.Subscribe("t1", late)
	late.waitClosed(t)
	assert.Equal(t, []string{"close:LeftCluster"}, late.entries())

	// The owner dropped the interest of the departed node.
	c.converge()
	topics, err := c.node("b").Topics(context.Background())
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestRouter_RejoinAfterLeave(t *testing.T) {
	c := newTestCluster(t, nil)
	c.join("a")
	a := c.node("a")
	require.NoError(t, a.LeaveCluster(context.Background()))

	c.join("a")
	rec := newRecorder()
	a.Subscribe("orders", rec)
	rec.waitFor(t, "open")
}

func TestRouter_SingleOwnerPerTopic(t *testing.T) {
	c := newTestCluster(t, clustermapper.NewConsistentMapper())
	c.join("a", "b", "c")

	topics := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, topic := range topics {
		for _, id := range []string{"a", "b", "c"} {
			c.node(id).Subscribe(topic, newRecorder())
		}
	}
	c.flush()

	owners := map[string]string{}
	for _, id := range []string{"a", "b", "c"} {
		infos, err := c.node(id).Topics(context.Background())
		require.NoError(t, err)
		require.Len(t, infos, len(topics))
		for _, info := range infos {
			if prev, ok := owners[info.Name]; ok {
				assert.Equal(t, prev, info.Owner, "topic %s", info.Name)
			}
			owners[info.Name] = info.Owner
		}
	}
}

func TestRouter_PeersAndClose(t *testing.T) {
	c := newTestCluster(t, nil)
	c.join("a", "b")

	peers, err := c.node("a").Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.True(t, peers[0].Loopback)
	assert.Equal(t, "b", peers[1].Host)

	a := c.node("a")
	rec := newRecorder()
	a.Subscribe("orders", rec)
	rec.waitFor(t, "open")

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, []string{"open", "close:LeftCluster"}, rec.entries())
	assert.ErrorIs(t, a.JoinCluster(context.Background()), eventrouter.ErrRouterClosed)
	assert.ErrorIs(t, a.Flush(context.Background()), eventrouter.ErrRouterClosed)

	late := newRecorder()
	a.Subscribe("orders", late)
	late.waitClosed(t)
}

func TestRouter_CloseWithoutJoin(t *testing.T) {
	c := newTestCluster(t, nil)
	a := c.node("a")
	rec := newRecorder()
	a.Subscribe("orders", rec)
	require.NoError(t, a.Close())
	rec.waitClosed(t)
	assert.Equal(t, []string{"close:LeftCluster"}, rec.entries())
}

// scriptedMembership hands the router exactly the snapshots a test pushes, in the
// order it pushes them.
type scriptedMembership struct {
	self  string
	snaps chan cluster.Snapshot

	mu   sync.Mutex
	last cluster.Snapshot
}

func newScriptedMembership(self string) *scriptedMembership {
	return &scriptedMembership{self: self, snaps: make(chan cluster.Snapshot, 16), last: cluster.Snapshot{Self: self}}
}

func (m *scriptedMembership) Join(ctx context.Context) error  { return nil }
func (m *scriptedMembership) Leave(ctx context.Context) error { return nil }

func (m *scriptedMembership) Snapshot() cluster.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *scriptedMembership) Watch(ctx context.Context) <-chan cluster.Snapshot {
	return m.snaps
}

func (m *scriptedMembership) push(hosts ...string) {
	snap := cluster.NewSnapshot(m.self, hosts, nil)
	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	m.snaps <- snap
}

func TestRouter_RepeatedCancelClosesOnce(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"b": {"a", "b"}}))
	c.join("a", "b")
	a, b := c.node("a"), c.node("b")

	local, remote := newRecorder(), newRecorder()
	localSub := b.Subscribe("orders", local)
	remoteSub := a.Subscribe("orders", remote)
	local.waitFor(t, "open")
	remote.waitFor(t, "open")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); localSub.Cancel() }()
		go func() { defer wg.Done(); remoteSub.Cancel() }()
	}
	wg.Wait()

	local.waitClosed(t)
	remote.waitClosed(t)
	localSub.Cancel()
	remoteSub.Cancel()
	c.flush()

	assert.Equal(t, []string{"open", "close:Cancelled"}, local.entries())
	assert.Equal(t, []string{"open", "close:Cancelled"}, remote.entries())
}

func TestRouter_CancelRacingCloseClosesOnce(t *testing.T) {
	c := newTestCluster(t, nil)
	c.join("a")
	a := c.node("a")

	const n = 50
	recs := make([]*recorder, n)
	subs := make([]eventrouter.Subscription, n)
	for i := range recs {
		recs[i] = newRecorder()
		subs[i] = a.Subscribe(fmt.Sprintf("topic-%d", i%5), recs[i])
	}
	for _, rec := range recs {
		rec.waitFor(t, "open")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.Close())
	}()
	for _, sub := range subs {
		wg.Add(1)
		go func(sub eventrouter.Subscription) {
			defer wg.Done()
			sub.Cancel()
		}(sub)
	}
	wg.Wait()

	for _, rec := range recs {
		rec.waitClosed(t)
	}
	// A second OnClose would have panicked closing the recorder channel twice.
	time.Sleep(20 * time.Millisecond)
	for _, rec := range recs {
		entries := rec.entries()
		require.Len(t, entries, 2)
		assert.Contains(t, []string{"close:Cancelled", "close:LeftCluster"}, entries[1])
	}
}

func TestRouter_OutOfOrderSnapshotsAreAuthoritative(t *testing.T) {
	network := peerlink.NewNetwork(64, zaptest.NewLogger(t))
	mapper := pinned(map[string][]string{"b": {"a", "b"}})
	ma, mb := newScriptedMembership("a"), newScriptedMembership("b")

	a, err := New(Config{NodeID: "a", Logger: zaptest.NewLogger(t)}, ma, network.Link("a"), mapper)
	require.NoError(t, err)
	b, err := New(Config{NodeID: "b", Logger: zaptest.NewLogger(t)}, mb, network.Link("b"), mapper)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	require.NoError(t, a.JoinCluster(context.Background()))
	require.NoError(t, b.JoinCluster(context.Background()))

	settle := func(r *Router, hosts ...string) {
		t.Helper()
		want := cluster.NewSnapshot("", hosts, nil).Key()
		require.Eventually(t, func() bool { return r.Snapshot().Key() == want }, waitTimeout, 5*time.Millisecond)
		require.NoError(t, r.Flush(context.Background()))
	}

	mb.push("a", "b")
	ma.push("a", "b")
	settle(b, "a", "b")
	settle(a, "a", "b")

	first := newRecorder()
	a.Subscribe("orders", first)
	first.waitFor(t, "open")

	// An older view without b arrives late. It wins until a newer one replaces it.
	ma.push("a")
	settle(a, "a")
	first.waitClosed(t)
	assert.Equal(t, []string{"open", "close:PeerLeft"}, first.entries())

	second := newRecorder()
	secondSub := a.Subscribe("orders", second)
	second.waitFor(t, "open")
	topics, err := a.Topics(context.Background())
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "a", topics[0].Owner)

	// Re-applying the current view changes nothing.
	ma.push("a")
	settle(a, "a")
	assert.Equal(t, []string{"open"}, second.entries())

	// The newer view again: ownership moves back to b and the subscription follows.
	ma.push("a", "b")
	settle(a, "a", "b")
	require.Eventually(t, func() bool {
		topics, err := b.Topics(context.Background())
		return err == nil && len(topics) == 1 && len(topics[0].Interest) == 1
	}, waitTimeout, 5*time.Millisecond)

	b.Publish("orders", []byte("again"))
	second.waitFor(t, "open", "again")
	assert.Equal(t, eventrouter.StateOpen, secondSub.State())
}

func TestRouter_UnreachableNewOwnerClosesWithOwnerUnreachable(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{
		"a": {"a", "b"},
		"c": {"a", "b", "c"},
	}))
	c.join("a", "b")

	onA, onB := newRecorder(), newRecorder()
	subA := c.node("a").Subscribe("orders", onA)
	c.node("b").Subscribe("orders", onB)
	onA.waitFor(t, "open")
	onB.waitFor(t, "open")

	// b cannot reach the node that takes the topic over.
	c.network.Partition("b", "c")
	c.join("c")

	onB.waitClosed(t)
	assert.Equal(t, []string{"open", "close:OwnerUnreachable"}, onB.entries())

	require.Eventually(t, func() bool {
		topics, err := c.node("c").Topics(context.Background())
		return err == nil && len(topics) == 1 && len(topics[0].Interest) == 1
	}, waitTimeout, 5*time.Millisecond)
	c.node("c").Publish("orders", []byte("moved"))
	onA.waitFor(t, "open", "moved")
	assert.Equal(t, eventrouter.StateOpen, subA.State())
}

func TestRouter_PeerWithoutPublishRelayDropsDeliveries(t *testing.T) {
	c := newTestCluster(t, pinned(map[string][]string{"a": {"a", "b"}}))
	subscribeOnly := peerlinkpkg.CapSubscribeRelay | peerlinkpkg.CapLifecycle
	c.network.Link("b").Advertise(subscribeOnly)
	c.join("a", "b")
	a, b := c.node("a"), c.node("b")

	onA, onB := newRecorder(), newRecorder()
	a.Subscribe("orders", onA)
	b.Subscribe("orders", onB)
	onA.waitFor(t, "open")
	onB.waitFor(t, "open")

	a.Publish("orders", []byte("1"))
	onA.waitFor(t, "open", "1")
	c.flush()

	assert.Equal(t, []string{"open"}, onB.entries())
	assert.Equal(t, uint64(1), a.Stats().Dropped)

	peers, err := a.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "b", peers[1].Host)
	assert.Equal(t, subscribeOnly, peers[1].Capabilities)
	assert.Equal(t, uint64(1), peers[1].Dropped)

	// b still forwards publishes to an owner that accepts them.
	b.Publish("orders", []byte("2"))
	onA.waitFor(t, "open", "1", "2")
	assert.Equal(t, []string{"open"}, onB.entries())
}

type funcListener struct {
	onEvent func(eventrouter.Subscription, eventrouter.Event)
	onClose func(eventrouter.Subscription, eventrouter.CloseReason)
}

func (l *funcListener) OnOpen(eventrouter.Subscription) {}

func (l *funcListener) OnEvent(sub eventrouter.Subscription, event eventrouter.Event) {
	l.onEvent(sub, event)
}

func (l *funcListener) OnClose(sub eventrouter.Subscription, reason eventrouter.CloseReason) {
	l.onClose(sub, reason)
}
