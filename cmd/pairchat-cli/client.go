// ABOUTME: HTTP client for the pairchat JSON API used by the CLI
// ABOUTME: Retries transient send failures with a stable Idempotency-Key and tails streams with resume

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/gateway"
)

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// temporary reports whether the request is worth retrying.
func (e *apiError) temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Client talks to one pairchat server as one user.
type Client struct {
	baseURL string
	token   string // JWT, when the server requires auth
	devUser string // caller name for servers without auth
	http    *http.Client

	// Retry tuning for Send and Tail.
	retries     uint64
	backoffBase time.Duration
}

func NewClient(baseURL, token, devUser string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		devUser:     devUser,
		http:        &http.Client{},
		retries:     4,
		backoffBase: 200 * time.Millisecond,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.devUser != "" {
		req.Header.Set(auth.DevUserHeader, c.devUser)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return resp, &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.call(ctx, http.MethodPost, "/api/register",
		gateway.CredentialsRequest{Username: username, Password: password}, nil)
}

func (c *Client) Login(ctx context.Context, username, password string) (gateway.LoginResponse, error) {
	var resp gateway.LoginResponse
	err := c.call(ctx, http.MethodPost, "/api/login",
		gateway.CredentialsRequest{Username: username, Password: password}, &resp)
	return resp, err
}

func (c *Client) Users(ctx context.Context, query string) ([]gateway.UserResponse, error) {
	var resp gateway.ListUsersResponse
	path := "/api/users"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Users, err
}

func chatPath(peer, suffix string) string {
	return "/api/chats/" + url.PathEscape(peer) + suffix
}

func (c *Client) History(ctx context.Context, peer string, since int64) ([]gateway.MessageResponse, error) {
	path := chatPath(peer, "/messages")
	if since > 0 {
		path += "?since=" + strconv.FormatInt(since, 10)
	}
	var resp gateway.HistoryResponse
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Messages, err
}

// Send posts one message. Transport errors and 5xx responses are retried
// with exponential backoff under a single Idempotency-Key, so the message is
// stored at most once. replayed reports whether the server answered from a
// remembered earlier attempt.
func (c *Client) Send(ctx context.Context, peer, body string) (resp gateway.SendMessageResponse, replayed bool, err error) {
	key := uuid.NewString()
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoffBase))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPost, chatPath(peer, "/messages"), gateway.SendMessageRequest{Body: body})
		if err != nil {
			return err
		}
		req.Header.Set(gateway.IdempotencyKeyHeader, key)

		httpResp, err := c.do(req, &resp)
		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr):
			if apiErr.temporary() {
				return retry.RetryableError(err)
			}
			return err
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		replayed = httpResp.Header.Get(gateway.ReplayedHeader) == "true"
		return nil
	})
	return resp, replayed, err
}

// StreamEvent is one event from a chat stream.
type StreamEvent struct {
	Seq     int64
	Sender  string
	Body    string
	Dropped uint64 // set on gap events
}

// errReconnect ends a retry round after a connection that delivered
// messages, so the next connection starts with a fresh retry budget.
var errReconnect = errors.New("reconnect")

// Tail streams messages with peer, starting after since (or live only when
// since is negative). Dropped connections are resumed from the last seen
// seq. It returns when ctx ends, fn returns an error, or reconnecting fails
// past the retry budget.
func (c *Client) Tail(ctx context.Context, peer string, since int64, fn func(StreamEvent) error) error {
	cursor := since
	for {
		err := retry.Do(ctx, retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoffBase)), func(ctx context.Context) error {
			var progressed bool
			err := c.tailOnce(ctx, peer, &cursor, &progressed, fn)

			var stop *stopError
			var apiErr *apiError
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.As(err, &stop):
				return stop.err
			case errors.As(err, &apiErr) && !apiErr.temporary():
				return err
			case progressed:
				return errReconnect
			}
			return retry.RetryableError(err)
		})
		if errors.Is(err, errReconnect) {
			continue
		}
		return err
	}
}

// stopError carries an error from the caller's callback.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }

func (c *Client) tailOnce(ctx context.Context, peer string, cursor *int64, progressed *bool, fn func(StreamEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, chatPath(peer, "/stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *cursor >= 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*cursor, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode}
	}

	var id, event, data string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			ev, ok, err := parseEvent(id, event, data)
			id, event, data = "", "", ""
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := fn(ev); err != nil {
				return &stopError{err: err}
			}
			if ev.Seq > 0 {
				*cursor = ev.Seq
				*progressed = true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(line[len("data:"):])
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// parseEvent turns one SSE block into a StreamEvent. ok is false for blocks
// that carry no event (comments, heartbeats) and for server error notices,
// which are followed by the server closing the stream.
func parseEvent(id, event, data string) (StreamEvent, bool, error) {
	switch event {
	case "message":
		var m gateway.StreamMessage
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return StreamEvent{}, false, fmt.Errorf("decoding message event: %w", err)
		}
		seq, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return StreamEvent{}, false, fmt.Errorf("message event has bad id %q", id)
		}
		return StreamEvent{Seq: seq, Sender: m.Sender, Body: m.Body}, true, nil
	case "gap":
		var g gateway.GapNotice
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return StreamEvent{}, false, fmt.Errorf("decoding gap event: %w", err)
		}
		return StreamEvent{Dropped: g.Dropped}, true, nil
	default:
		return StreamEvent{}, false, nil
	}
}
