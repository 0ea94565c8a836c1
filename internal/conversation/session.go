// ABOUTME: LiveSession is one viewer's bounded subscription to a conversation channel
// ABOUTME: Next blocks until a message arrives or the session is closed, evicted or cancelled

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/2389/pairchat/internal/store"
)

var (
	// ErrSessionClosed is returned by Next once the session has been closed or
	// its context cancelled. When caused by a context, the context error is
	// wrapped as well.
	ErrSessionClosed = errors.New("live session closed")

	// ErrSubscriberEvicted is returned by Next after the session was dropped
	// for falling behind under OverflowDisconnect.
	ErrSubscriberEvicted = errors.New("subscriber evicted: too far behind")
)

type offerResult int

const (
	offerQueued offerResult = iota
	offerDropped
	offerRejected
)

// LiveSession receives messages published on one conversation.
// It is safe for one goroutine to call Next while others call Close.
type LiveSession struct {
	id    string
	key   store.ConversationKey
	b     *Broadcaster
	queue chan store.Message

	done      chan struct{}
	closeOnce sync.Once
	cause     error

	evicted   chan struct{}
	evictOnce sync.Once

	dropped atomic.Uint64

	mu   sync.Mutex
	stop func() bool
}

func newLiveSession(b *Broadcaster, key store.ConversationKey, id string, size int) *LiveSession {
	return &LiveSession{
		id:      id,
		key:     key,
		b:       b,
		queue:   make(chan store.Message, size),
		done:    make(chan struct{}),
		evicted: make(chan struct{}),
	}
}

// ID returns the subscriber ID.
func (s *LiveSession) ID() string {
	return s.id
}

// Key returns the conversation this session watches.
func (s *LiveSession) Key() store.ConversationKey {
	return s.key
}

// Dropped returns how many messages were discarded because the queue was full.
func (s *LiveSession) Dropped() uint64 {
	return s.dropped.Load()
}

// watch closes the session when ctx ends.
func (s *LiveSession) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.closeWith(ctx.Err())
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		stop()
	default:
		s.stop = stop
	}
}

// offer enqueues msg without blocking. Called with the channel lock held, so
// offers to one session are serialized.
func (s *LiveSession) offer(msg store.Message, policy OverflowPolicy) offerResult {
	select {
	case s.queue <- msg:
		return offerQueued
	default:
	}

	if policy == OverflowDisconnect {
		return offerRejected
	}

	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
		// The reader drained the queue in the meantime.
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
	}
	return offerDropped
}

func (s *LiveSession) evict() {
	s.evictOnce.Do(func() { close(s.evicted) })
}

// Next blocks until the next message is available.
//
// It returns ErrSessionClosed after Close (even if messages are still
// queued), ErrSubscriberEvicted once an evicted session has drained its queue,
// and ErrSessionClosed wrapping ctx.Err() if ctx ends first.
func (s *LiveSession) Next(ctx context.Context) (store.Message, error) {
	select {
	case <-s.done:
		return store.Message{}, s.closedErr()
	default:
	}

	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.done:
		return store.Message{}, s.closedErr()
	case <-s.evicted:
		select {
		case msg := <-s.queue:
			return msg, nil
		default:
			return store.Message{}, ErrSubscriberEvicted
		}
	case <-ctx.Done():
		return store.Message{}, fmt.Errorf("%w: %w", ErrSessionClosed, ctx.Err())
	}
}

func (s *LiveSession) closedErr() error {
	if s.cause != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, s.cause)
	}
	return ErrSessionClosed
}

// Close detaches the session and unblocks any pending Next. Idempotent.
func (s *LiveSession) Close() {
	s.closeWith(nil)
}

func (s *LiveSession) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.cause = cause
		close(s.done)

		s.mu.Lock()
		if s.stop != nil {
			s.stop()
		}
		s.mu.Unlock()

		s.b.detach(s)
		s.b.observer.SessionClosed()
	})
}
