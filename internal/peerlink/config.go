package peerlink

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// Config holds configuration for the gRPC PeerLink
type Config struct {
	NodeID        string
	ListenAddress string

	// SendQueueSize bounds the outbound queue of every peer.
	SendQueueSize int

	// HeartbeatInterval is how often an idle stream sends a heartbeat. A stream
	// silent for three intervals is considered broken.
	HeartbeatInterval time.Duration

	// DialTimeout bounds one connection attempt including the handshake.
	DialTimeout time.Duration

	// ReconnectTimeout bounds the retries of Connect before the peer is reported
	// disconnected.
	ReconnectTimeout time.Duration

	MaxMessageSize int

	// Capabilities are advertised to peers in the handshake. Zero means CapAll.
	Capabilities peerlink.Capability

	// SharedSecret enables JWT peer authentication when set.
	SharedSecret string
	TokenTTL     time.Duration

	Logger *zap.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if c.Capabilities == 0 {
		c.Capabilities = peerlink.CapAll
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
