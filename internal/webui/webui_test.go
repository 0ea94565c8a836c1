// ABOUTME: Tests for the browser pages
// ABOUTME: Checks history rendering is escaped exactly once and the help page renders Markdown

package webui

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/directory"
	"github.com/2389/pairchat/internal/store"
)

func newTestUI(t *testing.T) (*http.ServeMux, *conversation.Service) {
	t.Helper()

	live := conversation.NewBroadcaster(conversation.BroadcasterOptions{})
	t.Cleanup(live.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chat := conversation.New(store.NewMockStore(), live, logger)

	ui, err := New(chat, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	ui.RegisterRoutes(mux, auth.DevHTTPMiddleware())
	return mux, chat
}

func get(t *testing.T, mux http.Handler, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set(auth.DevUserHeader, user)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChatPage_RendersEscapedHistory(t *testing.T) {
	mux, chat := newTestUI(t)

	_, err := chat.Send(t.Context(), "alice", "bob", `<script>alert("x")</script>`)
	require.NoError(t, err)
	_, err = chat.Send(t.Context(), "bob", "alice", "fish & chips")
	require.NoError(t, err)

	rec := get(t, mux, "/chat/alice", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;")
	assert.NotContains(t, body, `<script>alert("x")`)
	assert.Contains(t, body, "fish &amp; chips")
	assert.NotContains(t, body, "&amp;amp;", "history must not be escaped twice")
	assert.Contains(t, body, `data-seq="2"`)
	assert.Regexp(t, `let cursor =\s*2\s*;`, body)
}

func TestChatPage_RequiresUser(t *testing.T) {
	mux, _ := newTestUI(t)

	rec := get(t, mux, "/chat/alice", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatPage_EmptyConversation(t *testing.T) {
	mux, _ := newTestUI(t)

	rec := get(t, mux, "/chat/carol", "dave")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `let cursor =\s*0\s*;`, rec.Body.String())
}

func TestHelpPage_RendersMarkdown(t *testing.T) {
	mux, _ := newTestUI(t)

	rec := get(t, mux, "/help", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>Using pairchat</h1>")
	assert.Contains(t, body, "<table>")
}

func TestIndexPage(t *testing.T) {
	mux, _ := newTestUI(t)

	rec := get(t, mux, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `id="login"`)

	rec = get(t, mux, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatPage_UnknownPeer(t *testing.T) {
	live := conversation.NewBroadcaster(conversation.BroadcasterOptions{})
	t.Cleanup(live.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := store.NewMockStore()
	dir := directory.New(users, logger)
	_, err := dir.Register(t.Context(), directory.Credentials{Username: "Alice", Password: "password1"})
	require.NoError(t, err)

	ui, err := New(conversation.New(store.NewMockStore(), live, logger, conversation.WithResolver(dir)), logger)
	require.NoError(t, err)
	mux := http.NewServeMux()
	ui.RegisterRoutes(mux, auth.DevHTTPMiddleware())

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/chat/nobody", "bob").Code)
	assert.Equal(t, http.StatusOK, get(t, mux, "/chat/alice", "bob").Code)
}
