// ABOUTME: gRPC Chat service implementation backed by conversation.Service
// ABOUTME: Maps caller identity from auth interceptors and domain errors to status codes

package chatrpc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/store"
)

// Server implements ChatServer.
type Server struct {
	chat   *conversation.Service
	logger *slog.Logger
}

// NewServer creates a Chat server.
func NewServer(chat *conversation.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		chat:   chat,
		logger: logger.With("component", "chatrpc"),
	}
}

var _ ChatServer = (*Server)(nil)

func caller(ctx context.Context) (string, error) {
	username := auth.Username(ctx)
	if username == "" {
		return "", status.Error(codes.Unauthenticated, "no caller identity")
	}
	return username, nil
}

// toStatus converts domain errors to gRPC status errors.
func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, conversation.ErrInvalidParticipant):
		return status.Error(codes.InvalidArgument, "peer is required")
	case errors.Is(err, conversation.ErrUnknownPeer):
		return status.Error(codes.NotFound, "no such user")
	case errors.Is(err, conversation.ErrStoreIO):
		return status.Error(codes.Internal, "message store unavailable")
	case errors.Is(err, conversation.ErrBroadcasterClosed):
		return status.Error(codes.Unavailable, "server shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		s.logger.Error("unexpected error", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

// Send stores a message from the caller to req.Peer.
func (s *Server) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	sender, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.chat.Send(ctx, sender, req.Peer, req.Body)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &SendResponse{Status: string(res.Status), Seq: res.Message.Seq}, nil
}

// History returns escaped messages after req.Since, oldest first.
func (s *Server) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	viewer, err := caller(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := s.chat.HistorySince(ctx, viewer, req.Peer, req.Since)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &HistoryResponse{Messages: lo.Map(msgs, func(m store.Message, _ int) Message {
		return Message{Seq: m.Seq, Sender: m.Sender, Body: m.Body}
	})}, nil
}

// Subscribe streams messages until the client goes away or the server shuts
// down. An evicted subscriber gets ResourceExhausted and should resume.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStreamingServer[Event]) error {
	ctx := stream.Context()
	viewer, err := caller(ctx)
	if err != nil {
		return err
	}

	var feed *conversation.Feed
	if req.Since != nil {
		feed, err = s.chat.Resume(ctx, viewer, req.Peer, *req.Since)
	} else {
		feed, err = s.chat.Follow(ctx, viewer, req.Peer)
	}
	if err != nil {
		return s.toStatus(err)
	}
	defer feed.Close()

	s.logger.Debug("subscriber attached", "viewer", viewer, "peer", req.Peer)

	for {
		ev, err := feed.Next(ctx)
		switch {
		case errors.Is(err, conversation.ErrSubscriberEvicted):
			return status.Error(codes.ResourceExhausted, "subscriber fell behind; resume from the last seq")
		case errors.Is(err, conversation.ErrBroadcasterClosed):
			return status.Error(codes.Unavailable, "server shutting down")
		case err != nil:
			// Client went away or the session was closed.
			return nil
		}

		if err := stream.Send(&Event{
			Seq:     ev.Message.Seq,
			Sender:  ev.Message.Sender,
			Body:    ev.Message.Body,
			Dropped: ev.Dropped,
		}); err != nil {
			return err
		}
	}
}
