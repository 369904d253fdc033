package router

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for a Router
type Config struct {
	// NodeID is the id of the local node, as it appears in cluster snapshots.
	NodeID string

	// SubscriberQueueSize bounds the undelivered callbacks of one subscription.
	// A subscription exceeding it is closed with CloseSlowSubscriber.
	SubscriberQueueSize int

	// DispatcherWorkers bounds how many listener callbacks run at once.
	DispatcherWorkers int

	// LeaveTimeout bounds LeaveCluster.
	LeaveTimeout time.Duration

	// InterestGraceActions is how many processed actions provisional interest
	// survives without this node becoming the topic owner.
	InterestGraceActions uint64

	Logger *zap.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = 1024
	}
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = 16
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = 30 * time.Second
	}
	if c.InterestGraceActions == 0 {
		c.InterestGraceActions = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
