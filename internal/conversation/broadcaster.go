// ABOUTME: In-memory fan-out registry delivering stored messages to live viewers
// ABOUTME: One channel per conversation key, bounded per-subscriber queues, refcounted teardown

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairchat/internal/store"
)

const (
	// DefaultBufferSize is the per-subscriber queue depth.
	DefaultBufferSize = 64
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued message to make room and
	// counts it in the session's Dropped total.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	// OverflowDisconnect evicts the subscriber. Its Next drains what is
	// already queued and then returns ErrSubscriberEvicted.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy maps a config string to a policy. Empty means drop_oldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowDisconnect:
		return OverflowDisconnect, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// ErrBroadcasterClosed is returned by Subscribe after Close.
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// BroadcasterOptions configures a Broadcaster. Zero values select defaults.
type BroadcasterOptions struct {
	BufferSize int
	Overflow   OverflowPolicy

	// IdleTTL is how long a channel with no subscribers may linger before the
	// sweeper removes it. Zero disables the sweeper.
	IdleTTL time.Duration

	Logger   *slog.Logger
	Observer Observer
}

// Channel is the fan-out point for one conversation.
type Channel struct {
	key store.ConversationKey

	mu        sync.Mutex
	subs      map[string]*LiveSession
	idleSince time.Time
}

// Key returns the conversation this channel serves.
func (c *Channel) Key() store.ConversationKey {
	return c.key
}

// Subscribers returns the current subscriber count.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Broadcaster is the process-wide registry of live conversation channels.
//
// Channels are created on first subscribe and removed when their last
// subscriber leaves. Publishing never creates a channel: a message for a
// conversation nobody is watching is dropped, since the message log already
// holds it.
type Broadcaster struct {
	mu       sync.RWMutex
	channels map[store.ConversationKey]*Channel
	closed   bool

	bufferSize int
	overflow   OverflowPolicy
	idleTTL    time.Duration
	logger     *slog.Logger
	observer   Observer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBroadcaster creates a broadcaster and starts its idle sweeper if enabled.
func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowDropOldest
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	b := &Broadcaster{
		channels:   make(map[store.ConversationKey]*Channel),
		bufferSize: opts.BufferSize,
		overflow:   opts.Overflow,
		idleTTL:    opts.IdleTTL,
		logger:     opts.Logger.With("component", "broadcaster"),
		observer:   opts.Observer,
		done:       make(chan struct{}),
	}

	if b.idleTTL > 0 {
		b.wg.Go(b.sweepLoop)
	}
	return b
}

// channelLocked returns the channel for key, creating it if needed.
// Caller holds b.mu for writing.
func (b *Broadcaster) channelLocked(key store.ConversationKey) *Channel {
	ch, ok := b.channels[key]
	if !ok {
		ch = &Channel{
			key:       key,
			subs:      make(map[string]*LiveSession),
			idleSince: time.Now(),
		}
		b.channels[key] = ch
		b.observer.ChannelsOpen(len(b.channels))
		b.logger.Debug("channel created", "conversation_key", key)
	}
	return ch
}

// GetOrCreateChannel returns the live channel for key, creating it if needed.
// Concurrent callers receive the same channel. A channel that never gains a
// subscriber is removed by the idle sweeper.
func (b *Broadcaster) GetOrCreateChannel(key store.ConversationKey) *Channel {
	b.mu.RLock()
	ch, ok := b.channels[key]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelLocked(key)
}

// Subscribe registers a new live session on key. The session receives every
// message published on key after Subscribe returns, until it is closed or ctx
// is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, key store.ConversationKey) (*LiveSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}

	s := newLiveSession(b, key, uuid.New().String(), b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBroadcasterClosed
	}
	ch := b.channelLocked(key)
	ch.mu.Lock()
	ch.subs[s.id] = s
	ch.mu.Unlock()
	b.mu.Unlock()

	s.watch(ctx)
	b.observer.SessionOpened()

	b.logger.Debug("subscriber added",
		"conversation_key", key,
		"sub_id", s.id)

	return s, nil
}

// Publish delivers msg to every current subscriber of key without blocking.
// Each subscriber sees messages in publish order.
func (b *Broadcaster) Publish(key store.ConversationKey, msg store.Message) {
	b.mu.RLock()
	ch, ok := b.channels[key]
	b.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	var evicted []*LiveSession
	for id, s := range ch.subs {
		switch s.offer(msg, b.overflow) {
		case offerDropped:
			b.observer.MessagesDropped(b.overflow, 1)
			b.logger.Debug("dropped oldest message for slow subscriber",
				"conversation_key", key,
				"sub_id", id)
		case offerRejected:
			delete(ch.subs, id)
			evicted = append(evicted, s)
		}
	}
	empty := len(ch.subs) == 0
	ch.mu.Unlock()

	for _, s := range evicted {
		s.evict()
		b.observer.MessagesDropped(b.overflow, 1)
		b.logger.Warn("evicted lagging subscriber",
			"conversation_key", key,
			"sub_id", s.id)
	}
	if len(evicted) > 0 && empty {
		b.removeIfEmpty(ch)
	}
}

// detach removes s from its channel, retiring the channel if it was the last
// subscriber.
func (b *Broadcaster) detach(s *LiveSession) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[s.key]
	if !ok {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, ok := ch.subs[s.id]; !ok {
		return
	}
	delete(ch.subs, s.id)

	b.logger.Debug("subscriber removed",
		"conversation_key", s.key,
		"sub_id", s.id)

	if len(ch.subs) == 0 {
		delete(b.channels, s.key)
		b.observer.ChannelsOpen(len(b.channels))
		b.logger.Debug("channel removed", "conversation_key", s.key)
	}
}

// removeIfEmpty drops ch from the registry if it is still registered and has
// no subscribers.
func (b *Broadcaster) removeIfEmpty(ch *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channels[ch.key] != ch {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.subs) == 0 {
		delete(b.channels, ch.key)
		b.observer.ChannelsOpen(len(b.channels))
	}
}

func (b *Broadcaster) sweepLoop() {
	interval := b.idleTTL / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep(time.Now())
		case <-b.done:
			return
		}
	}
}

// sweep removes channels that have had no subscribers for longer than idleTTL.
func (b *Broadcaster) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, ch := range b.channels {
		ch.mu.Lock()
		if len(ch.subs) == 0 && now.Sub(ch.idleSince) > b.idleTTL {
			delete(b.channels, key)
			removed++
		}
		ch.mu.Unlock()
	}
	if removed > 0 {
		b.observer.ChannelsOpen(len(b.channels))
		b.logger.Debug("swept idle channels", "count", removed)
	}
}

// Stats reports the number of live channels and subscribers.
func (b *Broadcaster) Stats() (channels, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.channels {
		subscribers += ch.Subscribers()
	}
	return len(b.channels), subscribers
}

// Close closes every live session and stops the sweeper.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var sessions []*LiveSession
	for key, ch := range b.channels {
		ch.mu.Lock()
		for _, s := range ch.subs {
			sessions = append(sessions, s)
		}
		clear(ch.subs)
		ch.mu.Unlock()
		delete(b.channels, key)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(ErrBroadcasterClosed)
	}

	close(b.done)
	b.wg.Wait()
	b.observer.ChannelsOpen(0)

	b.logger.Debug("broadcaster closed", "sessions", len(sessions))
}
