package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/discovery"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/meshnode"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/peerlink"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/router"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	peerlinkpkg "github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// fileConfig is the YAML configuration of the daemon. Command line flags override it.
type fileConfig struct {
	NodeID     string `yaml:"node_id"`
	Listen     string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Secret     string `yaml:"secret"`
	StdinTopic string `yaml:"stdin_topic"`

	Tail []string `yaml:"tail"`

	Membership membershipConfig `yaml:"membership"`
	Router     routerConfig     `yaml:"router"`
	PeerLink   peerLinkConfig   `yaml:"peerlink"`
}

type membershipConfig struct {
	// Peers are static seeds, "id@host:port".
	Peers []string   `yaml:"peers"`
	Etcd  etcdConfig `yaml:"etcd"`
}

type etcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Prefix    string        `yaml:"prefix"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
}

type routerConfig struct {
	SubscriberQueueSize int           `yaml:"subscriber_queue_size"`
	DispatcherWorkers   int           `yaml:"dispatcher_workers"`
	LeaveTimeout        time.Duration `yaml:"leave_timeout"`
}

type peerLinkConfig struct {
	SendQueueSize     int           `yaml:"send_queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectTimeout  time.Duration `yaml:"reconnect_timeout"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

// loadConfig reads path, or returns an empty config when path is empty.
func loadConfig(path string) (*fileConfig, error) {
	config := &fileConfig{}
	if path == "" {
		return config, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *fileConfig) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}
	if c.Listen == "" {
		c.Listen = ":7946"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate checks if the configuration is valid
func (c *fileConfig) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}
	if len(c.Membership.Peers) > 0 && len(c.Membership.Etcd.Endpoints) > 0 {
		return errors.New("static peers and etcd endpoints are mutually exclusive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// meshConfig translates the daemon configuration into a mesh node configuration.
func (c *fileConfig) meshConfig(logger *zap.Logger) *meshnode.Config {
	return meshnode.NewConfig(c.NodeID, c.Listen).
		WithLogger(logger).
		WithPeerLinkConfig(&peerlink.Config{
			NodeID:            c.NodeID,
			ListenAddress:     c.Listen,
			SendQueueSize:     c.PeerLink.SendQueueSize,
			HeartbeatInterval: c.PeerLink.HeartbeatInterval,
			DialTimeout:       c.PeerLink.DialTimeout,
			ReconnectTimeout:  c.PeerLink.ReconnectTimeout,
			MaxMessageSize:    c.PeerLink.MaxMessageSize,
			SharedSecret:      c.Secret,
			TokenTTL:          c.PeerLink.TokenTTL,
			Logger:            logger,
		}).
		WithRouterConfig(&router.Config{
			NodeID:              c.NodeID,
			SubscriberQueueSize: c.Router.SubscriberQueueSize,
			DispatcherWorkers:   c.Router.DispatcherWorkers,
			LeaveTimeout:        c.Router.LeaveTimeout,
			Logger:              logger,
		})
}

// membership builds etcd membership when endpoints are configured and static
// membership otherwise.
func (c *fileConfig) membership(logger *zap.Logger) (cluster.Membership, error) {
	if len(c.Membership.Etcd.Endpoints) > 0 {
		return discovery.NewEtcdMembership(discovery.EtcdConfig{
			Endpoints: c.Membership.Etcd.Endpoints,
			Prefix:    c.Membership.Etcd.Prefix,
			NodeID:    c.NodeID,
			Address:   c.Listen,
			LeaseTTL:  c.Membership.Etcd.LeaseTTL,
		}, logger)
	}
	self := peerlinkpkg.NewPeerNode(c.NodeID, c.Listen)
	return discovery.NewStaticMembership(self, discovery.NewStaticDiscovery(c.Membership.Peers), logger), nil
}

// defaultNodeID generates a default node ID based on hostname
func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "eventrouter-node-1"
	}
	return fmt.Sprintf("eventrouter-%s", hostname)
}
