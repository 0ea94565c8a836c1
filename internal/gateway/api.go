// ABOUTME: HTTP JSON API: registration, login, user search, sending and reading messages
// ABOUTME: Sends honor an Idempotency-Key header so client retries do not store a message twice

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/conversation"
	"github.com/2389/pairchat/internal/directory"
	"github.com/2389/pairchat/internal/store"
)

const (
	// maxRequestBody caps JSON request bodies.
	maxRequestBody = 1 << 20

	// IdempotencyKeyHeader names the client-chosen key for safe send retries.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from a remembered result.
	ReplayedHeader = "Idempotent-Replayed"
)

// CredentialsRequest is the JSON body for POST /api/register and /api/login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/login. Token is empty
// when the server runs without auth.
type LoginResponse struct {
	Username  string `json:"username"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// UserResponse describes one registered user.
type UserResponse struct {
	Username string `json:"username"`
}

// ListUsersResponse is the JSON response for GET /api/users.
type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
}

// SendMessageRequest is the JSON body for POST /api/chats/{peer}/messages.
type SendMessageRequest struct {
	Body string `json:"body" validate:"max=65536"`
}

// SendMessageResponse reports a send outcome. Seq is set only when Status is "sent".
type SendMessageResponse struct {
	Status string `json:"status"`
	Seq    int64  `json:"seq,omitempty"`
}

// MessageResponse is one message in a history response. Sender and Body are
// HTML-escaped.
type MessageResponse struct {
	Seq       int64  `json:"seq"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at,omitempty"`
}

// HistoryResponse is the JSON response for GET /api/chats/{peer}/messages.
type HistoryResponse struct {
	Peer     string            `json:"peer"`
	Messages []MessageResponse `json:"messages"`
}

// registerAPIRoutes registers the JSON API. Register and login are public.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /api/register", g.handleRegister)
	mux.HandleFunc("POST /api/login", g.handleLogin)
	mux.HandleFunc("POST /api/logout", g.handleLogout)
	mux.Handle("GET /api/users", requireUser(http.HandlerFunc(g.handleListUsers)))
	mux.Handle("GET /api/chats/{peer}/messages", requireUser(http.HandlerFunc(g.handleHistory)))
	mux.Handle("POST /api/chats/{peer}/messages", requireUser(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("GET /api/chats/{peer}/stream", requireUser(http.HandlerFunc(g.handleStream)))
	mux.Handle("GET /api/chats/{peer}/ws", requireUser(http.HandlerFunc(g.handleWebSocket)))
}

// handleRegister handles POST /api/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := g.directory.Register(r.Context(), directory.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	switch {
	case errors.Is(err, directory.ErrInvalidInput):
		g.sendJSONError(w, http.StatusBadRequest, "username must be 1-64 letters, digits, '.', '_' or '-', and password 8-72 characters")
		return
	case errors.Is(err, directory.ErrUserExists):
		g.sendJSONError(w, http.StatusConflict, "username already taken")
		return
	case err != nil:
		g.logger.Error("failed to register user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, UserResponse{Username: user.Username})
}

// handleLogin handles POST /api/login. On success the token is returned and
// also set as a cookie for browser clients.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := g.directory.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, directory.ErrInvalidCredentials) {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		g.logger.Error("failed to authenticate", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := LoginResponse{Username: user.Username}
	secure := r.TLS != nil

	if g.tokens == nil {
		// Dev mode: the cookie names the caller directly.
		http.SetCookie(w, &http.Cookie{
			Name:     auth.DevUserCookie,
			Value:    user.Username,
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
		g.sendJSON(w, http.StatusOK, resp)
		return
	}

	token, expiresAt, err := g.tokens.Generate(user.Username, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("failed to issue token", "username", user.Username, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	resp.Token = token
	resp.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	g.sendJSON(w, http.StatusOK, resp)
}

// handleLogout handles POST /api/logout by expiring the browser cookies.
// Tokens are stateless, so a copied bearer token stays valid until it expires.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	for _, name := range []string{auth.CookieName, auth.DevUserCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListUsers handles GET /api/users?q=. The caller is never listed.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller := auth.Username(r.Context())
	users, err := g.directory.Search(r.Context(), caller, strings.TrimSpace(r.URL.Query().Get("q")), 0)
	if err != nil {
		g.logger.Error("failed to search users", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, ListUsersResponse{
		Users: lo.Map(users, func(u *store.User, _ int) UserResponse {
			return UserResponse{Username: u.Username}
		}),
	})
}

// handleHistory handles GET /api/chats/{peer}/messages[?since=N].
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	viewer := auth.Username(r.Context())
	peer := r.PathValue("peer")

	since, _, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.chat.HistorySince(r.Context(), viewer, peer, since)
	if err != nil {
		g.sendChatError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, HistoryResponse{
		Peer:     peer,
		Messages: lo.Map(msgs, func(m store.Message, _ int) MessageResponse { return toMessageResponse(m) }),
	})
}

func toMessageResponse(m store.Message) MessageResponse {
	resp := MessageResponse{Seq: m.Seq, Sender: m.Sender, Body: m.Body}
	if !m.CreatedAt.IsZero() {
		resp.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// handleSendMessage handles POST /api/chats/{peer}/messages.
//
// A request carrying an Idempotency-Key that matches one from the same caller
// to the same peer within the replay window gets the first response again
// and stores nothing. Failed sends are not remembered.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sender := auth.Username(r.Context())
	peer := r.PathValue("peer")

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.validate.Struct(req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "message body too long")
		return
	}

	send := func() (SendMessageResponse, error) {
		res, err := g.chat.Send(r.Context(), sender, peer, req.Body)
		if err != nil {
			return SendMessageResponse{}, err
		}
		return SendMessageResponse{Status: string(res.Status), Seq: res.Message.Seq}, nil
	}

	var (
		resp     SendMessageResponse
		replayed bool
		err      error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		resp, replayed, err = g.sends.Do(r.Context(), idempotencyKey(sender, peer, key), send)
	} else {
		resp, err = send()
	}
	if err != nil {
		g.sendChatError(w, err)
		return
	}

	if replayed {
		w.Header().Set(ReplayedHeader, "true")
		g.logger.Debug("replayed idempotent send", "sender", sender, "peer", peer, "seq", resp.Seq)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// idempotencyKey scopes a client key to one sender and peer. Names are folded
// the way the directory compares them.
func idempotencyKey(sender, peer, key string) string {
	return strconv.Quote(strings.ToLower(sender)) + strconv.Quote(strings.ToLower(peer)) + key
}

// parseSince parses a non-negative sequence cursor. ok is false when s is empty.
func parseSince(s string) (since int64, ok bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	since, err = strconv.ParseInt(s, 10, 64)
	if err != nil || since < 0 {
		return 0, false, errors.New("since must be a non-negative integer")
	}
	return since, true, nil
}

// sendChatError maps conversation errors to HTTP responses.
func (g *Gateway) sendChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidParticipant):
		g.sendJSONError(w, http.StatusBadRequest, "peer is required")
	case errors.Is(err, conversation.ErrUnknownPeer):
		g.sendJSONError(w, http.StatusNotFound, "no such user")
	case errors.Is(err, conversation.ErrBroadcasterClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "server shutting down")
	default:
		g.logger.Error("chat operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON decodes a size-limited JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
