package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

// EtcdConfig configures etcd lease-backed membership.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	NodeID      string
	Address     string
	LeaseTTL    time.Duration
	DialTimeout time.Duration
}

// Validate checks if the configuration is valid
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("etcd endpoints cannot be empty")
	}
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if strings.Contains(c.NodeID, "/") {
		return fmt.Errorf("node ID %q cannot contain '/'", c.NodeID)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *EtcdConfig) SetDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/eventrouter/members/"
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// EtcdMembership registers the local node under a leased key and watches the prefix
// for the other members. A crashed node disappears once its lease expires.
type EtcdMembership struct {
	config   EtcdConfig
	client   *etcd.Client
	kv       etcd.KV
	watcher  etcd.Watcher
	logger   *zap.Logger
	watchers *watchers

	mu      sync.Mutex
	lease   etcd.LeaseID
	cancel  context.CancelFunc
	done    chan struct{}
	members map[string]string
}

// NewEtcdMembership connects to etcd. The connection is reused across Join/Leave cycles.
func NewEtcdMembership(config EtcdConfig, logger *zap.Logger) (*EtcdMembership, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid etcd config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := etcd.New(etcd.Config{
		Context:     context.Background(),
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create etcd client: %w", err)
	}

	return &EtcdMembership{
		config:   config,
		client:   client,
		kv:       client,
		watcher:  client,
		logger:   logger.Named("membership").With(zap.String("node", config.NodeID)),
		watchers: newWatchers(cluster.Snapshot{Self: config.NodeID}),
	}, nil
}

func (m *EtcdMembership) key() string {
	return m.config.Prefix + m.config.NodeID
}

func (m *EtcdMembership) SetAddress(address string) {
	m.mu.Lock()
	m.config.Address = address
	m.mu.Unlock()
}

func (m *EtcdMembership) Join(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	grant, err := m.client.Grant(ctx, int64(m.config.LeaseTTL/time.Second))
	if err != nil {
		return fmt.Errorf("cannot grant lease: %w", err)
	}
	if _, err := m.client.Put(ctx, m.key(), m.config.Address, etcd.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("cannot register member: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := m.client.KeepAlive(sessionCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("cannot keep lease alive: %w", err)
	}

	members, rev, err := m.load(ctx)
	if err != nil {
		cancel()
		return err
	}

	m.lease, m.cancel, m.members = grant.ID, cancel, members
	m.done = make(chan struct{})
	m.publishLocked()

	go m.drainKeepAlive(sessionCtx, keepAlive)
	go m.watch(sessionCtx, rev, m.done)

	m.logger.Info("joined etcd cluster", zap.Int64("lease", int64(grant.ID)))
	return nil
}

func (m *EtcdMembership) load(ctx context.Context) (map[string]string, int64, error) {
	resp, err := m.kv.Get(ctx, m.config.Prefix, etcd.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("cannot list members: %w", err)
	}
	members := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members[strings.TrimPrefix(string(kv.Key), m.config.Prefix)] = string(kv.Value)
	}
	return members, resp.Header.Revision, nil
}

func (m *EtcdMembership) drainKeepAlive(ctx context.Context, ch <-chan *etcd.LeaseKeepAliveResponse) {
	for range ch {
	}
	if ctx.Err() == nil {
		m.logger.Error("etcd lease lost, node is no longer a cluster member")
	}
}

func newWatchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// watch applies member changes after rev. Whenever the stream ends, the member
// list is reloaded in full because the missed history may have been compacted.
func (m *EtcdMembership) watch(ctx context.Context, rev int64, done chan struct{}) {
	defer close(done)
	b := newWatchBackoff()
	for {
		rev = m.watchFrom(ctx, rev, b)
		if ctx.Err() != nil {
			return
		}
		for {
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return
			}
			members, loaded, err := m.load(ctx)
			if err != nil {
				m.logger.Warn("cannot reload etcd members", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.members = members
			m.publishLocked()
			m.mu.Unlock()
			rev = loaded
			break
		}
	}
}

// watchFrom consumes one watch stream and returns the last applied revision.
func (m *EtcdMembership) watchFrom(ctx context.Context, rev int64, b backoff.BackOff) int64 {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wch := m.watcher.Watch(ctx, m.config.Prefix, etcd.WithPrefix(), etcd.WithRev(rev+1))
	for resp := range wch {
		if resp.CompactRevision != 0 {
			m.logger.Warn("etcd watch compacted, reloading members",
				zap.Int64("revision", rev), zap.Int64("compacted", resp.CompactRevision))
			return rev
		}
		if err := resp.Err(); err != nil {
			m.logger.Warn("etcd watch error", zap.Error(err))
			if resp.Canceled {
				return rev
			}
			continue
		}
		b.Reset()
		if resp.IsProgressNotify() || len(resp.Events) == 0 {
			rev = max(rev, resp.Header.Revision)
			continue
		}
		rev = resp.Header.Revision
		m.mu.Lock()
		for _, ev := range resp.Events {
			id := strings.TrimPrefix(string(ev.Kv.Key), m.config.Prefix)
			switch ev.Type {
			case mvccpb.PUT:
				m.members[id] = string(ev.Kv.Value)
			case mvccpb.DELETE:
				delete(m.members, id)
			}
		}
		m.publishLocked()
		m.mu.Unlock()
	}
	return rev
}

// publishLocked must be called with m.mu held.
func (m *EtcdMembership) publishLocked() {
	hosts := make([]string, 0, len(m.members))
	for id := range m.members {
		hosts = append(hosts, id)
	}
	m.watchers.publish(cluster.NewSnapshot(m.config.NodeID, hosts, m.members))
}

func (m *EtcdMembership) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return ErrNotJoined
	}
	cancel, done, lease := m.cancel, m.done, m.lease
	m.cancel = nil
	m.mu.Unlock()

	_, err := m.client.Revoke(ctx, lease)
	cancel()
	<-done

	m.mu.Lock()
	delete(m.members, m.config.NodeID)
	m.publishLocked()
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("cannot revoke lease: %w", err)
	}
	m.logger.Info("left etcd cluster")
	return nil
}

func (m *EtcdMembership) Snapshot() cluster.Snapshot {
	return m.watchers.snapshot()
}

func (m *EtcdMembership) Watch(ctx context.Context) <-chan cluster.Snapshot {
	return m.watchers.watch(ctx)
}

// Close leaves the cluster if needed and closes the etcd client.
func (m *EtcdMembership) Close() error {
	m.mu.Lock()
	joined := m.cancel != nil
	m.mu.Unlock()
	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
		defer cancel()
		_ = m.Leave(ctx)
	}
	return m.client.Close()
}
