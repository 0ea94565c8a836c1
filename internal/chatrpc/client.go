// ABOUTME: Go client for the pairchat.v1.Chat gRPC service
// ABOUTME: Dials with the JSON codec and attaches a bearer token or dev username

package chatrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/2389/pairchat/internal/auth"
)

// Client calls the Chat service.
type Client struct {
	conn *grpc.ClientConn
}

// DialOptions selects how the client identifies itself.
type DialOptions struct {
	// Token is a JWT sent as a bearer credential.
	Token string
	// DevUser is sent as x-pairchat-user when the server runs without auth.
	DevUser string
	// Extra options, e.g. a bufconn dialer in tests.
	Extra []grpc.DialOption
}

// Dial creates a client for target. The connection is plaintext; the
// Tailscale transport provides encryption when the server runs on a tailnet.
func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if opts.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: opts.Token, Insecure: true}))
	}
	if opts.DevUser != "" {
		dialOpts = append(dialOpts,
			grpc.WithUnaryInterceptor(devUserUnary(opts.DevUser)),
			grpc.WithStreamInterceptor(devUserStream(opts.DevUser)),
		)
	}
	dialOpts = append(dialOpts, opts.Extra...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func devUserUnary(username string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-pairchat-user", username)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func devUserStream(username string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-pairchat-user", username)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Send(ctx context.Context, peer, body string) (*SendResponse, error) {
	out := new(SendResponse)
	if err := c.conn.Invoke(ctx, sendMethod, &SendRequest{Peer: peer, Body: body}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) History(ctx context.Context, peer string, since int64) ([]Message, error) {
	out := new(HistoryResponse)
	if err := c.conn.Invoke(ctx, historyMethod, &HistoryRequest{Peer: peer, Since: since}, out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Subscribe opens a message stream. since nil means live messages only.
func (c *Client) Subscribe(ctx context.Context, peer string, since *int64) (grpc.ServerStreamingClient[Event], error) {
	stream, err := c.conn.NewStream(ctx, &ChatServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[SubscribeRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&SubscribeRequest{Peer: peer, Since: since}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
