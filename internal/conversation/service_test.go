// ABOUTME: Tests for the conversation Service
// ABOUTME: Verifies record-before-notify, escaping, ignored bodies and live fan-out end to end

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/pairchat/internal/store"
)

func createTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "chats"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(t *testing.T, log store.MessageLog) *Service {
	t.Helper()
	live := NewBroadcaster(BroadcasterOptions{})
	t.Cleanup(live.Close)
	return New(log, live, nil)
}

func TestService_SendThenHistoryInOrder(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	for _, m := range []struct{ from, to, body string }{
		{"alice", "bob", "one"},
		{"bob", "alice", "two"},
		{"alice", "bob", "three"},
	} {
		res, err := svc.Send(ctx, m.from, m.to, m.body)
		require.NoError(t, err)
		assert.Equal(t, StatusSent, res.Status)
	}

	// Both viewers see the same conversation.
	for _, viewer := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		history, err := svc.History(ctx, viewer[0], viewer[1])
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []string{"one", "two", "three"}, []string{history[0].Body, history[1].Body, history[2].Body})
		assert.Equal(t, "bob", history[1].Sender)
	}
}

func TestService_HistoryOfUnknownConversationIsEmpty(t *testing.T) {
	svc := newTestService(t, createTestStore(t))

	history, err := svc.History(t.Context(), "alice", "nobody")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestService_EmptyAndWhitespaceBodiesAreIgnored(t *testing.T) {
	mock := store.NewMockStore()
	svc := newTestService(t, mock)
	ctx := t.Context()

	feed, err := svc.OpenLiveFeed(ctx, "bob", "alice")
	require.NoError(t, err)
	defer feed.Close()

	for _, body := range []string{"", "   ", "\n\t "} {
		res, err := svc.Send(ctx, "alice", "bob", body)
		require.NoError(t, err, "body %q", body)
		assert.Equal(t, StatusIgnored, res.Status)
	}

	assert.Zero(t, mock.AppendCalls())
	history, err := svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, history)
	assertNothingPending(t, feed)
}

func TestService_BodyIsTrimmed(t *testing.T) {
	svc := newTestService(t, createTestStore(t))

	res, err := svc.Send(t.Context(), "alice", "bob", "  padded \n")
	require.NoError(t, err)
	assert.Equal(t, "padded", res.Message.Body)
}

func TestService_StoreFailurePublishesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := store.NewMockStore()
	live := NewBroadcaster(BroadcasterOptions{})
	defer live.Close()
	svc := New(mock, live, nil)
	ctx := t.Context()

	feed, err := svc.OpenLiveFeed(ctx, "bob", "alice")
	require.NoError(t, err)
	defer feed.Close()

	boom := errors.New("disk full")
	mock.FailAppends(boom)

	res, err := svc.Send(ctx, "alice", "bob", "never seen")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreIO)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, res.Status)

	assertNothingPending(t, feed)

	mock.FailAppends(nil)
	history, err := svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_InvalidParticipants(t *testing.T) {
	svc := newTestService(t, store.NewMockStore())
	ctx := t.Context()

	_, err := svc.Send(ctx, "", "bob", "hi")
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = svc.Send(ctx, "alice", "  ", "hi")
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = svc.History(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = svc.OpenLiveFeed(ctx, "", "bob")
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestService_MarkupIsEscapedForViewers(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	feed, err := svc.OpenLiveFeed(ctx, "bob", "alice")
	require.NoError(t, err)
	defer feed.Close()

	res, err := svc.Send(ctx, "alice", "bob", `<script>alert("x")</script>`)
	require.NoError(t, err)
	// Stored verbatim.
	assert.Equal(t, `<script>alert("x")</script>`, res.Message.Body)

	escaped := `&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;`

	live := nextWithin(t, feed)
	assert.Equal(t, escaped, live.Body)

	history, err := svc.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, escaped, history[0].Body)
	assert.NotContains(t, history[0].Body, "<script>")
}

func TestService_TwoViewersSeeLiveMessagesAndIgnoredSendIsInvisible(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := createTestStore(t)
	live := NewBroadcaster(BroadcasterOptions{})
	defer live.Close()
	svc := New(log, live, nil)
	ctx := t.Context()

	aliceView, err := svc.OpenLiveFeed(ctx, "alice", "bob")
	require.NoError(t, err)
	defer aliceView.Close()
	bobView, err := svc.OpenLiveFeed(ctx, "bob", "alice")
	require.NoError(t, err)
	defer bobView.Close()

	_, err = svc.Send(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	_, err = svc.Send(ctx, "bob", "alice", "hello")
	require.NoError(t, err)
	res, err := svc.Send(ctx, "alice", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)

	for _, view := range []*LiveSession{aliceView, bobView} {
		first := nextWithin(t, view)
		second := nextWithin(t, view)
		assert.Equal(t, "alice", first.Sender)
		assert.Equal(t, "hi", first.Body)
		assert.Equal(t, "bob", second.Sender)
		assert.Equal(t, "hello", second.Body)
		assertNothingPending(t, view)
	}

	for _, viewer := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		history, err := svc.History(ctx, viewer[0], viewer[1])
		require.NoError(t, err)
		got := make([][2]string, 0, len(history))
		for _, m := range history {
			got = append(got, [2]string{m.Sender, m.Body})
		}
		assert.Equal(t, [][2]string{{"alice", "hi"}, {"bob", "hello"}}, got)
		assert.Equal(t, int64(1), history[0].Seq)
		assert.Equal(t, int64(2), history[1].Seq)
	}
}

func TestService_ClosedViewerDoesNotAffectOther(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	gone, err := svc.OpenLiveFeed(ctx, "alice", "bob")
	require.NoError(t, err)
	stays, err := svc.OpenLiveFeed(ctx, "bob", "alice")
	require.NoError(t, err)
	defer stays.Close()

	gone.Close()

	_, err = svc.Send(ctx, "alice", "bob", "after close")
	require.NoError(t, err)
	assert.Equal(t, "after close", nextWithin(t, stays).Body)
}

func TestService_LiveOrderMatchesLogOrder(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	live := NewBroadcaster(BroadcasterOptions{BufferSize: 512})
	defer live.Close()
	svc.live = live

	feed, err := svc.OpenLiveFeed(ctx, "alice", "bob")
	require.NoError(t, err)
	defer feed.Close()

	const senders, each = 4, 25
	var wg sync.WaitGroup
	for i := range senders {
		from := "alice"
		if i%2 == 1 {
			from = "bob"
		}
		to := map[string]string{"alice": "bob", "bob": "alice"}[from]
		wg.Go(func() {
			for j := range each {
				_, err := svc.Send(ctx, from, to, fmt.Sprintf("%d-%d", i, j))
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	history, err := svc.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, senders*each)

	for _, want := range history {
		got := nextWithin(t, feed)
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, want.Body, got.Body)
	}
}

func TestService_ResumeWithHistorySinceClosesTheGap(t *testing.T) {
	svc := newTestService(t, createTestStore(t))
	ctx := t.Context()

	for _, body := range []string{"one", "two"} {
		_, err := svc.Send(ctx, "alice", "bob", body)
		require.NoError(t, err)
	}

	snapshot, err := svc.History(ctx, "bob", "alice")
	require.NoError(t, err)
	cursor := snapshot[len(snapshot)-1].Seq

	// A message lands between the snapshot and the subscription.
	_, err = svc.Send(ctx, "alice", "bob", "in the gap")
	require.NoError(t, err)

	feed, err := svc.OpenLiveFeed(ctx, "bob", "alice")
	require.NoError(t, err)
	defer feed.Close()

	missed, err := svc.HistorySince(ctx, "bob", "alice", cursor)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, "in the gap", missed[0].Body)
	assert.Equal(t, int64(3), missed[0].Seq)

	_, err = svc.Send(ctx, "alice", "bob", "live")
	require.NoError(t, err)
	msg := nextWithin(t, feed)
	assert.Equal(t, int64(4), msg.Seq)
}

func TestService_OpenLiveFeedEndsWithContext(t *testing.T) {
	svc := newTestService(t, store.NewMockStore())

	ctx, cancel := context.WithCancel(t.Context())
	feed, err := svc.OpenLiveFeed(ctx, "alice", "bob")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := feed.Next(context.Background())
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("feed did not end after cancellation")
	}
}

type recordingObserver struct {
	nopObserver
	mu     sync.Mutex
	sent   map[SendStatus]int
	opened int
	closed int
}

func (r *recordingObserver) MessageSent(s SendStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[s]++
}

func (r *recordingObserver) SessionOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *recordingObserver) SessionClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func TestService_ObserverSeesOutcomes(t *testing.T) {
	obs := &recordingObserver{sent: make(map[SendStatus]int)}
	mock := store.NewMockStore()
	live := NewBroadcaster(BroadcasterOptions{Observer: obs})
	defer live.Close()
	svc := New(mock, live, nil, WithObserver(obs))
	ctx := t.Context()

	feed, err := svc.OpenLiveFeed(ctx, "a", "b")
	require.NoError(t, err)

	_, _ = svc.Send(ctx, "a", "b", "x")
	_, _ = svc.Send(ctx, "a", "b", " ")
	mock.FailAppends(errors.New("nope"))
	_, _ = svc.Send(ctx, "a", "b", "y")
	feed.Close()
	feed.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.sent[StatusSent])
	assert.Equal(t, 1, obs.sent[StatusIgnored])
	assert.Equal(t, 1, obs.sent[StatusFailed])
	assert.Equal(t, 1, obs.opened)
	assert.Equal(t, 1, obs.closed)
}

// caseFoldResolver knows a fixed set of registered names, compared case-insensitively.
type caseFoldResolver []string

func (r caseFoldResolver) Canonical(_ context.Context, name string) (string, error) {
	for _, known := range r {
		if strings.EqualFold(known, name) {
			return known, nil
		}
	}
	return "", store.ErrNotFound
}

func TestService_ResolverCanonicalizesNames(t *testing.T) {
	live := NewBroadcaster(BroadcasterOptions{})
	t.Cleanup(live.Close)
	svc := New(createTestStore(t), live, nil, WithResolver(caseFoldResolver{"Alice", "bob"}))
	ctx := t.Context()

	view, err := svc.OpenLiveFeed(ctx, "ALICE", "Bob")
	require.NoError(t, err)
	defer view.Close()

	res, err := svc.Send(ctx, "BOB", "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Message.Sender)

	msg := nextWithin(t, view)
	assert.Equal(t, "bob", msg.Sender)

	history, err := svc.History(ctx, "Alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)

	// Unregistered callers are kept as typed; unknown peers are rejected.
	_, err = svc.Send(ctx, "guest", "alice", "hello")
	require.NoError(t, err)

	_, err = svc.Send(ctx, "bob", "nobody", "hello")
	assert.ErrorIs(t, err, ErrUnknownPeer)
	_, err = svc.History(ctx, "bob", "nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
	_, err = svc.OpenLiveFeed(ctx, "bob", "nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
