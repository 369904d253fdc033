package peerlink

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

const (
	codecName       = "peerlink-v1"
	protocolVersion = 100 // v1.0
)

// hello is the first frame in both directions of a stream.
type hello struct {
	NodeID          string
	ProtocolVersion uint32
	Token           string
	Capabilities    peerlink.Capability
}

// frame is the unit carried by the Exchange stream. Exactly one field is set.
type frame struct {
	Hello     *hello
	Message   *peerlink.Message
	Heartbeat bool
}

// Field numbers of the wire format:
//
//	frame:   1 hello, 2 message, 3 heartbeat
//	hello:   1 node_id, 2 protocol_version, 3 token, 4 capabilities
//	message: 1 kind, 2 sender, 3 topic, 4 subscription_id, 5 payload,
//	         6 sequence, 7 reason, 8 origin
const (
	frameHello     protowire.Number = 1
	frameMessage   protowire.Number = 2
	frameHeartbeat protowire.Number = 3
)

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// wireCodec encodes frames in protobuf wire format.
type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("peerlink codec: cannot marshal %T", v)
	}
	return appendFrame(nil, f), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("peerlink codec: cannot unmarshal into %T", v)
	}
	*f = frame{}
	return decodeFrame(data, f)
}

func appendFrame(b []byte, f *frame) []byte {
	switch {
	case f.Hello != nil:
		b = protowire.AppendTag(b, frameHello, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHello(nil, f.Hello))
	case f.Message != nil:
		b = protowire.AppendTag(b, frameMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, appendMessage(nil, f.Message))
	case f.Heartbeat:
		b = protowire.AppendTag(b, frameHeartbeat, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func appendHello(b []byte, h *hello) []byte {
	b = appendString(b, 1, h.NodeID)
	b = appendVarint(b, 2, uint64(h.ProtocolVersion))
	b = appendString(b, 3, h.Token)
	b = appendVarint(b, 4, uint64(h.Capabilities))
	return b
}

func appendMessage(b []byte, m *peerlink.Message) []byte {
	b = appendVarint(b, 1, uint64(uint32(m.Kind)))
	b = appendString(b, 2, m.Sender)
	b = appendString(b, 3, m.Topic)
	b = appendString(b, 4, m.SubscriptionID)
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	b = appendVarint(b, 6, m.Sequence)
	b = appendVarint(b, 7, uint64(uint32(m.Reason)))
	b = appendString(b, 8, m.Origin)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// fieldFunc decodes one field and returns the number of bytes consumed, or a
// negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func decodeFrame(data []byte, f *frame) error {
	var nested error
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == frameHello && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Hello = &hello{}
				nested = decodeHello(v, f.Hello)
			}
			return n
		case num == frameMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Message = &peerlink.Message{}
				nested = decodeMessage(v, f.Message)
			}
			return n
		case num == frameHeartbeat && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Heartbeat = v != 0
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err != nil {
		return fmt.Errorf("peerlink codec: %w", err)
	}
	if nested != nil {
		return fmt.Errorf("peerlink codec: %w", nested)
	}
	return nil
}

func decodeHello(data []byte, h *hello) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.NodeID = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.ProtocolVersion = uint32(v)
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Token = v
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Capabilities = peerlink.Capability(v)
			return n
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
}

func decodeMessage(data []byte, m *peerlink.Message) error {
	return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.BytesType {
			switch num {
			case 2, 3, 4, 8:
				v, n := protowire.ConsumeString(b)
				switch num {
				case 2:
					m.Sender = v
				case 3:
					m.Topic = v
				case 4:
					m.SubscriptionID = v
				case 8:
					m.Origin = v
				}
				return n
			case 5:
				v, n := protowire.ConsumeBytes(b)
				m.Payload = append([]byte(nil), v...)
				return n
			}
		}
		if typ == protowire.VarintType {
			switch num {
			case 1:
				v, n := protowire.ConsumeVarint(b)
				m.Kind = peerlink.MessageKind(int32(v))
				return n
			case 6:
				v, n := protowire.ConsumeVarint(b)
				m.Sequence = v
				return n
			case 7:
				v, n := protowire.ConsumeVarint(b)
				m.Reason = int32(v)
				return n
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}
