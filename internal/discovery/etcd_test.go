package discovery

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

func TestEtcdConfig_Validate(t *testing.T) {
	cfg := EtcdConfig{NodeID: "node-1"}
	assert.Error(t, cfg.Validate())

	cfg.Endpoints = []string{"localhost:2379"}
	assert.NoError(t, cfg.Validate())

	cfg.NodeID = "a/b"
	assert.Error(t, cfg.Validate())

	cfg = EtcdConfig{Prefix: "/members"}
	cfg.SetDefaults()
	assert.Equal(t, "/members/", cfg.Prefix)
	assert.Equal(t, 10*time.Second, cfg.LeaseTTL)
}

// TestEtcdMembership requires a running etcd, e.g. ETCD_ENDPOINTS=localhost:2379.
func TestEtcdMembership(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prefix := "/eventrouter-test/" + uuid.NewString() + "/"
	newMember := func(id string) *EtcdMembership {
		m, err := NewEtcdMembership(EtcdConfig{
			Endpoints: strings.Split(endpoints, ","),
			Prefix:    prefix,
			NodeID:    id,
			Address:   id + ":9090",
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		return m
	}

	a := newMember("node-a")
	b := newMember("node-b")
	watchA := a.Watch(ctx)

	require.NoError(t, a.Join(ctx))
	require.NoError(t, b.Join(ctx))
	snap := waitFor(t, watchA, "node-a", "node-b")
	assert.Equal(t, "node-b:9090", snap.Address("node-b"))

	require.NoError(t, b.Leave(ctx))
	waitFor(t, watchA, "node-a")
}

// scriptedWatcher hands out one prepared channel per Watch call and records the
// revision each call starts from.
type scriptedWatcher struct {
	etcd.Watcher

	mu     sync.Mutex
	revs   []int64
	queued []etcd.WatchChan
}

func (w *scriptedWatcher) Watch(ctx context.Context, key string, opts ...etcd.OpOption) etcd.WatchChan {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.revs = append(w.revs, etcd.OpGet(key, opts...).Rev())
	if len(w.queued) == 0 {
		ch := make(chan etcd.WatchResponse)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch
	}
	next := w.queued[0]
	w.queued = w.queued[1:]
	return next
}

func (w *scriptedWatcher) startRevisions() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.revs...)
}

type listingKV struct {
	etcd.KV

	mu    sync.Mutex
	calls int
	resp  *etcd.GetResponse
}

func (kv *listingKV) Get(context.Context, string, ...etcd.OpOption) (*etcd.GetResponse, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.calls++
	return kv.resp, nil
}

func (kv *listingKV) gets() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.calls
}

func memberKV(prefix, id string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(prefix + id), Value: []byte(id + ":9090")}
}

func TestEtcdMembership_WatchReloadsAfterCompaction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const prefix = "/members/"
	first := make(chan etcd.WatchResponse, 2)
	first <- etcd.WatchResponse{
		Header: etcdserverpb.ResponseHeader{Revision: 11},
		Events: []*etcd.Event{{Type: mvccpb.PUT, Kv: memberKV(prefix, "node-b")}},
	}
	first <- etcd.WatchResponse{CompactRevision: 40, Canceled: true}
	close(first)

	watcher := &scriptedWatcher{queued: []etcd.WatchChan{first}}
	kv := &listingKV{resp: &etcd.GetResponse{
		Header: &etcdserverpb.ResponseHeader{Revision: 50},
		Kvs:    []*mvccpb.KeyValue{memberKV(prefix, "node-a"), memberKV(prefix, "node-c")},
	}}
	m := &EtcdMembership{
		config:   EtcdConfig{Prefix: prefix, NodeID: "node-a"},
		kv:       kv,
		watcher:  watcher,
		logger:   zaptest.NewLogger(t),
		watchers: newWatchers(cluster.Snapshot{Self: "node-a"}),
		members:  map[string]string{"node-a": "node-a:9090"},
	}
	updates := m.Watch(ctx)

	done := make(chan struct{})
	go m.watch(ctx, 10, done)

	waitFor(t, updates, "node-a", "node-b")
	snap := waitFor(t, updates, "node-a", "node-c")
	assert.Equal(t, "node-c:9090", snap.Address("node-c"))

	require.Eventually(t, func() bool {
		return len(watcher.startRevisions()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{11, 51}, watcher.startRevisions())
	assert.Equal(t, 1, kv.gets())

	cancel()
	<-done
}

func TestEtcdMembership_WatchBacksOffWhenStreamsFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	closed := func() etcd.WatchChan {
		ch := make(chan etcd.WatchResponse)
		close(ch)
		return ch
	}
	watcher := &scriptedWatcher{}
	for range 50 {
		watcher.queued = append(watcher.queued, closed())
	}
	kv := &listingKV{resp: &etcd.GetResponse{Header: &etcdserverpb.ResponseHeader{Revision: 7}}}
	m := &EtcdMembership{
		config:   EtcdConfig{Prefix: "/members/", NodeID: "node-a"},
		kv:       kv,
		watcher:  watcher,
		logger:   zaptest.NewLogger(t),
		watchers: newWatchers(cluster.Snapshot{Self: "node-a"}),
		members:  map[string]string{},
	}

	done := make(chan struct{})
	go m.watch(ctx, 3, done)
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	// 100ms initial interval with growth keeps a broken stream to a handful of restarts.
	assert.LessOrEqual(t, len(watcher.startRevisions()), 5)
	assert.Equal(t, int64(4), watcher.startRevisions()[0])
	if revs := watcher.startRevisions(); len(revs) > 1 {
		assert.Equal(t, int64(8), revs[1])
	}
}
