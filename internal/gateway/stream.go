// ABOUTME: Live message delivery over Server-Sent Events and WebSocket
// ABOUTME: Supports resuming from Last-Event-ID or ?since, gap notices and heartbeats

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/config"
	"github.com/2389/pairchat/internal/conversation"
)

// SSE event names.
const (
	sseEventMessage = "message"
	sseEventGap     = "gap"
	sseEventError   = "error"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// StreamMessage is the data of an SSE "message" event.
type StreamMessage struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// GapNotice reports live messages skipped because the viewer fell behind.
type GapNotice struct {
	Dropped uint64 `json:"dropped"`
}

// WSFrame is one WebSocket text frame. Type is "message" or "gap".
type WSFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Body    string `json:"body,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
}

// openFeed resumes from cursor when one was given, otherwise follows new
// messages only.
func (g *Gateway) openFeed(ctx context.Context, viewer, peer string, cursor int64, resume bool) (*conversation.Feed, error) {
	if resume {
		return g.chat.Resume(ctx, viewer, peer, cursor)
	}
	return g.chat.Follow(ctx, viewer, peer)
}

// nextOrTick waits up to interval for the next event. idle is true when the
// interval passed without one and the caller should send a keepalive.
func nextOrTick(ctx context.Context, feed *conversation.Feed, interval time.Duration) (ev conversation.Event, idle bool, err error) {
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	ev, err = feed.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ev, true, nil
	}
	return ev, false, err
}

// streamCursor reads the resume point: Last-Event-ID wins over ?since.
func streamCursor(r *http.Request) (int64, bool, error) {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return parseSince(id)
	}
	return parseSince(r.URL.Query().Get("since"))
}

// handleStream handles GET /api/chats/{peer}/stream as Server-Sent Events.
//
// Each message is sent as:
//
//	id: <seq>
//	event: message
//	data: {"sender":"...","body":"..."}
//
// A "gap" event precedes a message when live messages were skipped. Comment
// lines keep idle connections open.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	viewer := auth.Username(r.Context())
	peer := r.PathValue("peer")

	cursor, resume, err := streamCursor(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	feed, err := g.openFeed(ctx, viewer, peer, cursor, resume)
	if err != nil {
		g.sendChatError(w, err)
		return
	}
	defer feed.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	g.logger.Debug("SSE viewer attached", "viewer", viewer, "peer", peer, "cursor", cursor, "resume", resume)

	for {
		ev, idle, err := nextOrTick(ctx, feed, g.config.Live.HeartbeatInterval)
		if idle {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		if err != nil {
			if errors.Is(err, conversation.ErrSubscriberEvicted) {
				g.writeSSEEvent(w, "", sseEventError, map[string]string{"error": "subscriber fell behind; reconnect to resume"})
				flusher.Flush()
			}
			return
		}

		if ev.Dropped > 0 {
			g.writeSSEEvent(w, "", sseEventGap, GapNotice{Dropped: ev.Dropped})
		}
		g.writeSSEEvent(w, fmt.Sprint(ev.Message.Seq), sseEventMessage, StreamMessage{
			Sender: ev.Message.Sender,
			Body:   ev.Message.Body,
		})
		flusher.Flush()
	}
}

// writeSSEEvent writes a single SSE event. id is omitted when empty.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, id, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	if id != "" {
		_, _ = fmt.Fprintf(w, "id: %s\n", id)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients (no Origin) and pages served by
// this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// handleWebSocket handles GET /api/chats/{peer}/ws. The server only writes;
// frames from the client are read and discarded to observe close.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	viewer := auth.Username(r.Context())
	peer := r.PathValue("peer")

	cursor, resume, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before upgrading so errors still get an HTTP status.
	feed, err := g.openFeed(ctx, viewer, peer, cursor, resume)
	if err != nil {
		g.sendChatError(w, err)
		return
	}
	defer feed.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	g.logger.Debug("websocket viewer attached", "viewer", viewer, "peer", peer)

	for {
		ev, idle, err := nextOrTick(ctx, feed, g.config.Live.HeartbeatInterval)
		if idle {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			continue
		}
		if err != nil {
			reason := "feed closed"
			if errors.Is(err, conversation.ErrSubscriberEvicted) {
				reason = "subscriber fell behind"
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
				time.Now().Add(wsWriteTimeout))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if ev.Dropped > 0 {
			if err := conn.WriteJSON(WSFrame{Type: sseEventGap, Dropped: ev.Dropped}); err != nil {
				return
			}
		}
		if err := conn.WriteJSON(WSFrame{
			Type:   sseEventMessage,
			Seq:    ev.Message.Seq,
			Sender: ev.Message.Sender,
			Body:   ev.Message.Body,
		}); err != nil {
			return
		}
	}
}
