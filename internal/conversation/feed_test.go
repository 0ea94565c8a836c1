// ABOUTME: Tests for Feed, the backlog-plus-live stream used by transports
// ABOUTME: Covers resume without duplicates, live-only follow and gap reporting

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairchat/internal/store"
)

func feedNext(t *testing.T, f *Feed) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	ev, err := f.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestFeed_ResumeYieldsBacklogThenLive(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	for _, body := range []string{"one", "two", "three"} {
		_, err := svc.Send(ctx, "alice", "bob", body)
		require.NoError(t, err)
	}

	feed, err := svc.Resume(ctx, "bob", "alice", 1)
	require.NoError(t, err)
	defer feed.Close()

	assert.Equal(t, "two", feedNext(t, feed).Message.Body)
	assert.Equal(t, "three", feedNext(t, feed).Message.Body)

	_, err = svc.Send(ctx, "bob", "alice", "four")
	require.NoError(t, err)

	ev := feedNext(t, feed)
	assert.Equal(t, int64(4), ev.Message.Seq)
	assert.Equal(t, "four", ev.Message.Body)
	assert.Equal(t, int64(4), feed.Cursor())
}

func TestFeed_ResumeSkipsLiveDuplicatesOfBacklog(t *testing.T) {
	log := store.NewMockStore()
	live := NewBroadcaster(BroadcasterOptions{})
	t.Cleanup(live.Close)
	svc := New(log, live, nil)
	ctx := t.Context()

	_, err := svc.Send(ctx, "alice", "bob", "stored")
	require.NoError(t, err)

	feed, err := svc.Resume(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	defer feed.Close()

	// A message read from the log that also arrives live is delivered once.
	live.Publish(store.KeyFor("alice", "bob"), store.Message{Seq: 1, Sender: "alice", Body: "stored"})
	_, err = svc.Send(ctx, "bob", "alice", "fresh")
	require.NoError(t, err)

	assert.Equal(t, "stored", feedNext(t, feed).Message.Body)
	ev := feedNext(t, feed)
	assert.Equal(t, int64(2), ev.Message.Seq)
	assert.Equal(t, "fresh", ev.Message.Body)
}

func TestFeed_FollowIsLiveOnly(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	_, err := svc.Send(ctx, "alice", "bob", "before")
	require.NoError(t, err)

	feed, err := svc.Follow(ctx, "bob", "alice")
	require.NoError(t, err)
	defer feed.Close()

	_, err = svc.Send(ctx, "alice", "bob", "after")
	require.NoError(t, err)

	assert.Equal(t, "after", feedNext(t, feed).Message.Body)
}

func TestFeed_ReportsDroppedMessages(t *testing.T) {
	log := store.NewMockStore()
	live := NewBroadcaster(BroadcasterOptions{BufferSize: 2})
	t.Cleanup(live.Close)
	svc := New(log, live, nil)
	ctx := t.Context()

	feed, err := svc.Follow(ctx, "alice", "bob")
	require.NoError(t, err)
	defer feed.Close()

	for i := range 5 {
		_, err := svc.Send(ctx, "alice", "bob", string(rune('a'+i)))
		require.NoError(t, err)
	}

	first := feedNext(t, feed)
	assert.Equal(t, int64(4), first.Message.Seq)
	assert.Equal(t, uint64(3), first.Dropped)

	second := feedNext(t, feed)
	assert.Equal(t, int64(5), second.Message.Seq)
	assert.Zero(t, second.Dropped)
}

func TestFeed_CloseEndsNext(t *testing.T) {
	svc := newTestService(t, createTestStore(t))

	feed, err := svc.Follow(t.Context(), "alice", "bob")
	require.NoError(t, err)
	feed.Close()

	_, err = feed.Next(t.Context())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFeed_EndedContextStopsBacklog(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	for _, body := range []string{"one", "two"} {
		_, err := svc.Send(t.Context(), "alice", "bob", body)
		require.NoError(t, err)
	}

	feed, err := svc.Resume(t.Context(), "bob", "alice", 0)
	require.NoError(t, err)
	defer feed.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, context.Canceled)

	feed.Close()
	_, err = feed.Next(t.Context())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFeed_ResumeStoreFailureClosesSession(t *testing.T) {
	log := store.NewMockStore()
	live := NewBroadcaster(BroadcasterOptions{})
	t.Cleanup(live.Close)
	svc := New(log, live, nil)

	log.FailReads(errors.New("disk gone"))
	_, err := svc.Resume(t.Context(), "alice", "bob", 0)
	require.ErrorIs(t, err, ErrStoreIO)

	channels, subscribers := live.Stats()
	assert.Zero(t, channels)
	assert.Zero(t, subscribers)
}
