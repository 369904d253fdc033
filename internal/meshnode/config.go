package meshnode

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/peerlink"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/router"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrInvalidListenAddress is returned when listen address is invalid
	ErrInvalidListenAddress = errors.New("listen address cannot be empty")
)

// Config represents configuration for a MeshNode
type Config struct {
	// NodeID uniquely identifies this node in the cluster
	NodeID string

	// ListenAddress is the address the peer link listens on.
	// Format: "host:port" (e.g., "localhost:7946"); port 0 picks a free port.
	ListenAddress string

	// PeerLink configuration - defaults are derived from NodeID and ListenAddress
	PeerLinkConfig *peerlink.Config

	// Router configuration - defaults are derived from NodeID
	RouterConfig *router.Config

	// Mapper assigns topic owners; nil selects consistent hashing.
	Mapper cluster.Mapper

	Logger *zap.Logger
}

// NewConfig creates a new MeshNode configuration with safe defaults
func NewConfig(nodeID, listenAddress string) *Config {
	return &Config{
		NodeID:        nodeID,
		ListenAddress: listenAddress,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ListenAddress == "" {
		return ErrInvalidListenAddress
	}

	if c.PeerLinkConfig != nil {
		if err := c.PeerLinkConfig.Validate(); err != nil {
			return fmt.Errorf("invalid PeerLink config: %w", err)
		}
		if c.PeerLinkConfig.NodeID != c.NodeID {
			return fmt.Errorf("invalid PeerLink config: node ID %q does not match %q", c.PeerLinkConfig.NodeID, c.NodeID)
		}
	}
	if c.RouterConfig != nil {
		if err := c.RouterConfig.Validate(); err != nil {
			return fmt.Errorf("invalid router config: %w", err)
		}
		if c.RouterConfig.NodeID != c.NodeID {
			return fmt.Errorf("invalid router config: node ID %q does not match %q", c.RouterConfig.NodeID, c.NodeID)
		}
	}

	return nil
}

// WithPeerLinkConfig sets the PeerLink configuration
func (c *Config) WithPeerLinkConfig(config *peerlink.Config) *Config {
	c.PeerLinkConfig = config
	return c
}

// WithRouterConfig sets the router configuration
func (c *Config) WithRouterConfig(config *router.Config) *Config {
	c.RouterConfig = config
	return c
}

// WithMapper sets the topic owner mapper
func (c *Config) WithMapper(mapper cluster.Mapper) *Config {
	c.Mapper = mapper
	return c
}

// WithLogger sets the logger shared by every component that has none configured
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	c.Logger = logger
	return c
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// peerLinkConfig returns a copy of the PeerLink configuration with defaults applied.
func (c *Config) peerLinkConfig() *peerlink.Config {
	config := peerlink.Config{NodeID: c.NodeID, ListenAddress: c.ListenAddress}
	if c.PeerLinkConfig != nil {
		config = *c.PeerLinkConfig
	}
	if config.Logger == nil {
		config.Logger = c.logger()
	}
	config.SetDefaults()
	return &config
}

// routerConfig returns a copy of the router configuration with defaults applied.
func (c *Config) routerConfig() router.Config {
	config := router.Config{NodeID: c.NodeID}
	if c.RouterConfig != nil {
		config = *c.RouterConfig
	}
	if config.Logger == nil {
		config.Logger = c.logger()
	}
	config.SetDefaults()
	return config
}
