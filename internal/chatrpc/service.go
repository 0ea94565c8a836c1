// ABOUTME: Wire types and service descriptor for the pairchat.v1.Chat gRPC service
// ABOUTME: Messages travel as JSON through a registered codec instead of generated protobuf

package chatrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pairchat.v1.Chat"

const (
	sendMethod      = "/" + ServiceName + "/Send"
	historyMethod   = "/" + ServiceName + "/History"
	subscribeMethod = "/" + ServiceName + "/Subscribe"
)

// SendRequest asks to append a message to the conversation with Peer.
type SendRequest struct {
	Peer string `json:"peer"`
	Body string `json:"body"`
}

// SendResponse reports the outcome; Seq is zero unless Status is "sent".
type SendResponse struct {
	Status string `json:"status"`
	Seq    int64  `json:"seq,omitempty"`
}

// HistoryRequest asks for stored messages with Seq greater than Since.
type HistoryRequest struct {
	Peer  string `json:"peer"`
	Since int64  `json:"since,omitempty"`
}

// Message is one stored chat message, HTML-escaped.
type Message struct {
	Seq    int64  `json:"seq"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// HistoryResponse holds stored messages, oldest first.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

// SubscribeRequest opens a live feed. When Since is set the stream first
// replays stored messages after it; otherwise only new messages are sent.
type SubscribeRequest struct {
	Peer  string `json:"peer"`
	Since *int64 `json:"since,omitempty"`
}

// Event is one streamed message. Dropped counts live messages lost just
// before this one because the subscriber fell behind.
type Event struct {
	Seq     int64  `json:"seq"`
	Sender  string `json:"sender"`
	Body    string `json:"body"`
	Dropped uint64 `json:"dropped,omitempty"`
}

// ChatServer is the server API for the Chat service.
type ChatServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	Subscribe(*SubscribeRequest, grpc.ServerStreamingServer[Event]) error
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// ChatServiceDesc is the grpc.ServiceDesc for the Chat service.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "History", Handler: historyHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).Send(ctx, req.(*SendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func historyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HistoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).History(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: historyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).History(ctx, req.(*HistoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).Subscribe(in, &grpc.GenericServerStream[SubscribeRequest, Event]{ServerStream: stream})
}

// codecName is the content-subtype both sides use ("application/grpc+json").
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
