package eventrouter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

var (
	// ErrNoHostsAvailable is returned when ownership is computed over an empty cluster.
	ErrNoHostsAvailable = cluster.ErrNoHostsAvailable
	// ErrCancelled is the error form of CloseCancelled.
	ErrCancelled = errors.New("subscription cancelled")
	// ErrPeerLeft is the error form of ClosePeerLeft.
	ErrPeerLeft = errors.New("topic owner left the cluster")
	// ErrOwnerUnreachable is the error form of CloseOwnerUnreachable.
	ErrOwnerUnreachable = errors.New("topic owner is unreachable")
	// ErrLeftCluster is the error form of CloseLeftCluster.
	ErrLeftCluster = errors.New("local node left the cluster")
	// ErrSlowSubscriber is the error form of CloseSlowSubscriber.
	ErrSlowSubscriber = errors.New("subscriber delivery queue overflowed")
	// ErrDeliveryDropped marks a message dropped for one peer because its queue was full or closed.
	ErrDeliveryDropped = errors.New("delivery dropped")
	// ErrDrainTimeout is returned by LeaveCluster when pending callbacks did not finish in time.
	ErrDrainTimeout = errors.New("timed out draining subscriptions")
	// ErrRouterClosed is returned by JoinCluster after Close.
	ErrRouterClosed = errors.New("router is closed")
)

// State is the lifecycle state of a subscription.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CloseReason explains why a subscription was closed.
type CloseReason int32

const (
	CloseNone CloseReason = iota
	// CloseCancelled follows Subscription.Cancel.
	CloseCancelled
	// ClosePeerLeft means the topic owner left the cluster.
	ClosePeerLeft
	// CloseOwnerUnreachable means the topic owner could not be reached.
	CloseOwnerUnreachable
	// CloseLeftCluster means the local node left the cluster.
	CloseLeftCluster
	// CloseSlowSubscriber means the listener fell behind its delivery queue.
	CloseSlowSubscriber
)

func (r CloseReason) String() string {
	switch r {
	case CloseNone:
		return "None"
	case CloseCancelled:
		return "Cancelled"
	case ClosePeerLeft:
		return "PeerLeft"
	case CloseOwnerUnreachable:
		return "OwnerUnreachable"
	case CloseLeftCluster:
		return "LeftCluster"
	case CloseSlowSubscriber:
		return "SlowSubscriber"
	default:
		return fmt.Sprintf("CloseReason(%d)", int32(r))
	}
}

// Err returns the sentinel error matching the reason, nil for CloseNone.
func (r CloseReason) Err() error {
	switch r {
	case CloseCancelled:
		return ErrCancelled
	case ClosePeerLeft:
		return ErrPeerLeft
	case CloseOwnerUnreachable:
		return ErrOwnerUnreachable
	case CloseLeftCluster:
		return ErrLeftCluster
	case CloseSlowSubscriber:
		return ErrSlowSubscriber
	default:
		return nil
	}
}

// Event is one published message as seen by a subscriber.
type Event struct {
	Topic   string
	Payload []byte

	// Sequence is the position assigned by the topic owner.
	Sequence uint64

	// Publisher is the id of the node the event was published on.
	Publisher string
}

// Subscription is the handle of one listener's interest in one topic.
type Subscription interface {
	ID() string
	Topic() string
	State() State

	// CloseReason is CloseNone until the subscription is closed.
	CloseReason() CloseReason

	// Cancel stops event delivery at once and closes the subscription with
	// CloseCancelled once the owner has applied it. Repeated calls are no-ops.
	Cancel()
}

// RawListener receives the byte-level callbacks of a subscription.
type RawListener interface {
	OnOpen(sub Subscription)
	OnEvent(sub Subscription, event Event)
	OnClose(sub Subscription, reason CloseReason)
}

// EventRouter is the byte-level router of one node.
type EventRouter interface {
	// NodeID returns the id of the local node.
	NodeID() string

	// JoinCluster starts routing and registers the node with the cluster membership.
	JoinCluster(ctx context.Context) error

	// LeaveCluster closes every local subscription with CloseLeftCluster, deregisters
	// the node, and returns once every pending OnClose has run.
	LeaveCluster(ctx context.Context) error

	// Publish sends payload to every subscriber of topic. It never blocks. Delivery to
	// a slow or broken peer is dropped (ErrDeliveryDropped) and counted.
	Publish(topic string, payload []byte)

	// Subscribe returns a subscription in StateOpening. It never blocks.
	Subscribe(topic string, listener RawListener) Subscription
}
