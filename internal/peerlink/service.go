package peerlink

import (
	"google.golang.org/grpc"
)

const exchangeMethod = "/eventrouter.peerlink.v1.PeerLink/Exchange"

// exchangeServer is implemented by GRPCPeerLink.
type exchangeServer interface {
	exchange(stream grpc.ServerStream) error
}

// frameStream is the part of grpc.ClientStream and grpc.ServerStream the link uses.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// peerLinkServiceDesc describes the single bidirectional Exchange stream. Frames
// are encoded by wireCodec, selected through the content subtype.
var peerLinkServiceDesc = grpc.ServiceDesc{
	ServiceName: "eventrouter.peerlink.v1.PeerLink",
	HandlerType: (*exchangeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Exchange",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(exchangeServer).exchange(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "peerlink/v1/peerlink.proto",
}
