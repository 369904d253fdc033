package meshnode

import (
	"sync"
	"time"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/meshnode"
)

// ChannelClient is a local subscriber that hands events to a channel.
//
// OnEvent blocks while the channel is full, so a client that stops reading
// eventually overflows its subscription and is closed with CloseSlowSubscriber.
// A client that gives up reading must call Stop so pending callbacks can finish.
type ChannelClient struct {
	id          string
	connectedAt time.Time
	events      chan eventrouter.Event
	opened      chan struct{}
	closed      chan struct{}
	stop        chan struct{}

	mu        sync.Mutex
	reason    eventrouter.CloseReason
	openOnce  sync.Once
	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewChannelClient creates a client whose event channel holds up to buffer events.
func NewChannelClient(id string, buffer int) *ChannelClient {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelClient{
		id:          id,
		connectedAt: time.Now(),
		events:      make(chan eventrouter.Event, buffer),
		opened:      make(chan struct{}),
		closed:      make(chan struct{}),
		stop:        make(chan struct{}),
	}
}

// ID returns unique identifier for this client
func (c *ChannelClient) ID() string {
	return c.id
}

// ConnectedAt returns when this client was created
func (c *ChannelClient) ConnectedAt() time.Time {
	return c.connectedAt
}

// Events returns the channel events are delivered on. It is never closed; use
// Closed to learn when the subscription ended.
func (c *ChannelClient) Events() <-chan eventrouter.Event {
	return c.events
}

// Opened is closed once the subscription is open.
func (c *ChannelClient) Opened() <-chan struct{} {
	return c.opened
}

// Closed is closed once the subscription is closed.
func (c *ChannelClient) Closed() <-chan struct{} {
	return c.closed
}

// Reason returns why the subscription closed, CloseNone while it is active.
func (c *ChannelClient) Reason() eventrouter.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Stop makes OnEvent discard events instead of waiting for the reader.
func (c *ChannelClient) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *ChannelClient) OnOpen(eventrouter.Subscription) {
	c.openOnce.Do(func() { close(c.opened) })
}

func (c *ChannelClient) OnEvent(_ eventrouter.Subscription, event eventrouter.Event) {
	select {
	case c.events <- event:
	case <-c.stop:
	}
}

func (c *ChannelClient) OnClose(_ eventrouter.Subscription, reason eventrouter.CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// Verify that ChannelClient implements the Client interface at compile time
var _ meshnode.Client = (*ChannelClient)(nil)
