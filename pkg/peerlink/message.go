package peerlink

import "fmt"

// MessageKind enumerates the messages exchanged between routers.
type MessageKind int32

const (
	KindUnknown MessageKind = iota
	// KindSubscribe asks the topic owner to record interest for a subscription.
	KindSubscribe
	// KindUnsubscribe withdraws the interest of a subscription.
	KindUnsubscribe
	// KindPublish forwards a publish to the topic owner.
	KindPublish
	// KindDeliver carries an owner-ordered event to an interested node.
	KindDeliver
	// KindAck confirms a Subscribe.
	KindAck
	// KindClose tells the subscriber node that a subscription is closed.
	KindClose
)

func (k MessageKind) String() string {
	switch k {
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindPublish:
		return "Publish"
	case KindDeliver:
		return "Deliver"
	case KindAck:
		return "Ack"
	case KindClose:
		return "Close"
	default:
		return fmt.Sprintf("MessageKind(%d)", int32(k))
	}
}

// Capability returns the capability a peer needs to accept the message kind.
func (k MessageKind) Capability() Capability {
	switch k {
	case KindPublish, KindDeliver:
		return CapPublishRelay
	case KindClose:
		return CapLifecycle
	default:
		return CapSubscribeRelay
	}
}

// Message is the unit exchanged between routers. Messages are treated as immutable
// once sent; Payload must not be modified afterwards.
type Message struct {
	Kind MessageKind

	// Sender is the host id of the node that sent the message.
	Sender string

	// Origin is the host id of the node where a published event entered the cluster.
	Origin string

	Topic          string
	SubscriptionID string
	Payload        []byte

	// Sequence is the owner-assigned position of a delivered event within its topic.
	Sequence uint64

	// Reason is the close reason code carried by KindClose.
	Reason int32
}

func (m Message) String() string {
	return fmt.Sprintf("%s{sender=%s topic=%s sub=%s seq=%d}", m.Kind, m.Sender, m.Topic, m.SubscriptionID, m.Sequence)
}
