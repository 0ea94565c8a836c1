// ABOUTME: Service is the central layer for sending, reading and watching conversations
// ABOUTME: Record first, then notify - nothing reaches live viewers unless it is durably stored

package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/pairchat/internal/store"
)

var (
	// ErrStoreIO wraps any failure to durably append a message.
	ErrStoreIO = errors.New("message store failure")

	// ErrInvalidParticipant is returned when sender, viewer or peer is empty.
	ErrInvalidParticipant = errors.New("participant identity is required")

	// ErrUnknownPeer is returned when a Resolver does not know the peer.
	ErrUnknownPeer = errors.New("no such user")
)

// SendStatus reports what Send did with a message.
type SendStatus string

const (
	// StatusSent means the message was stored and published.
	StatusSent SendStatus = "sent"
	// StatusIgnored means the body was blank and nothing was stored.
	StatusIgnored SendStatus = "ignored"
	// StatusFailed means the append failed and nothing was published.
	StatusFailed SendStatus = "failed"
)

// SendResult is the outcome of Send. Message is set only for StatusSent.
type SendResult struct {
	Status  SendStatus
	Message store.Message
}

// sendStripes bounds the number of append+publish locks.
const sendStripes = 64

// Service orchestrates the message log and the live broadcaster.
type Service struct {
	messages store.MessageLog
	live     *Broadcaster
	logger   *slog.Logger
	observer Observer
	resolver Resolver

	stripes [sendStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithObserver attaches metrics hooks.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// Resolver maps a participant name to the spelling it was registered with.
// Unknown names yield an error wrapping store.ErrNotFound.
type Resolver interface {
	Canonical(ctx context.Context, name string) (string, error)
}

// WithResolver makes every operation key conversations by canonical names.
// The caller is canonicalized when known; an unknown peer is ErrUnknownPeer.
func WithResolver(r Resolver) Option {
	return func(s *Service) {
		s.resolver = r
	}
}

// New creates a Service
func New(messages store.MessageLog, live *Broadcaster, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		messages: messages,
		live:     live,
		logger:   logger.With("component", "conversation"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stripe returns the lock that serializes append+publish for key, so live
// viewers see messages in the same order as the log.
func (s *Service) stripe(key store.ConversationKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.stripes[h.Sum32()%sendStripes]
}

// Send appends body to the conversation between sender and peer and then
// notifies live viewers.
//
// Empty or whitespace-only bodies are ignored: nothing is stored or published
// and the result status is StatusIgnored. If the append fails, the error wraps
// ErrStoreIO and nothing is published.
func (s *Service) Send(ctx context.Context, sender, peer, body string) (SendResult, error) {
	sender, peer, err := s.participants(ctx, sender, peer)
	if err != nil {
		return SendResult{}, err
	}

	body = strings.TrimSpace(body)
	if body == "" {
		s.observer.MessageSent(StatusIgnored)
		s.logger.Debug("ignored empty message", "sender", sender, "peer", peer)
		return SendResult{Status: StatusIgnored}, nil
	}

	key := store.KeyFor(sender, peer)
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	msg, err := s.messages.Append(ctx, key, sender, body)
	s.observer.AppendDuration(time.Since(start))
	if err != nil {
		s.observer.MessageSent(StatusFailed)
		s.logger.Error("failed to record message",
			"conversation_key", key,
			"sender", sender,
			"error", err)
		return SendResult{Status: StatusFailed}, fmt.Errorf("%w: %w", ErrStoreIO, err)
	}

	s.live.Publish(key, Escape(msg))
	s.observer.MessageSent(StatusSent)

	s.logger.Debug("message recorded",
		"conversation_key", key,
		"seq", msg.Seq,
		"sender", sender)

	return SendResult{Status: StatusSent, Message: msg}, nil
}

// History returns every message between viewer and peer, oldest first, with
// sender and body HTML-escaped. A conversation that never started yields an
// empty slice.
func (s *Service) History(ctx context.Context, viewer, peer string) ([]store.Message, error) {
	return s.HistorySince(ctx, viewer, peer, 0)
}

// HistorySince is History restricted to messages with Seq greater than afterSeq.
func (s *Service) HistorySince(ctx context.Context, viewer, peer string, afterSeq int64) ([]store.Message, error) {
	viewer, peer, err := s.participants(ctx, viewer, peer)
	if err != nil {
		return nil, err
	}

	key := store.KeyFor(viewer, peer)
	var msgs []store.Message
	if afterSeq > 0 {
		msgs, err = s.messages.ReadSince(ctx, key, afterSeq)
	} else {
		msgs, err = s.messages.ReadAll(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreIO, err)
	}

	for i := range msgs {
		msgs[i] = Escape(msgs[i])
	}
	return msgs, nil
}

// OpenLiveFeed subscribes viewer to new messages in the conversation with
// peer. The feed ends when ctx is cancelled or the session is closed.
//
// Messages stored between a History call and OpenLiveFeed are not delivered
// to the feed; callers that need a gap-free view subscribe first and then
// read HistorySince, skipping sequence numbers already seen.
func (s *Service) OpenLiveFeed(ctx context.Context, viewer, peer string) (*LiveSession, error) {
	viewer, peer, err := s.participants(ctx, viewer, peer)
	if err != nil {
		return nil, err
	}
	return s.live.Subscribe(ctx, store.KeyFor(viewer, peer))
}

// Escape returns msg with sender and body made safe for HTML display.
func Escape(msg store.Message) store.Message {
	msg.Sender = html.EscapeString(msg.Sender)
	msg.Body = html.EscapeString(msg.Body)
	return msg
}

// participants validates both names and, with a resolver, replaces them with
// their canonical forms.
func (s *Service) participants(ctx context.Context, caller, peer string) (string, string, error) {
	if err := validateParticipants(caller, peer); err != nil {
		return "", "", err
	}
	if s.resolver == nil {
		return caller, peer, nil
	}

	canonical, err := s.resolver.Canonical(ctx, peer)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", "", fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	case err != nil:
		return "", "", fmt.Errorf("resolving peer: %w", err)
	}
	peer = canonical

	// Dev-mode callers need not be registered.
	canonical, err = s.resolver.Canonical(ctx, caller)
	switch {
	case err == nil:
		caller = canonical
	case !errors.Is(err, store.ErrNotFound):
		return "", "", fmt.Errorf("resolving caller: %w", err)
	}
	return caller, peer, nil
}

func validateParticipants(a, b string) error {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return ErrInvalidParticipant
	}
	return nil
}
