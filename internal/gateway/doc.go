// Package gateway assembles the pairchat server.
//
// A Gateway owns the user database, the message log, the live broadcaster
// and the chat service, and serves them over HTTP and gRPC. Listeners are
// plain TCP or a Tailscale node.
//
// # HTTP
//
//   - POST /api/register, POST /api/login, POST /api/logout
//   - GET /api/users?q=
//   - GET, POST /api/chats/{peer}/messages
//   - GET /api/chats/{peer}/stream (Server-Sent Events)
//   - GET /api/chats/{peer}/ws (WebSocket)
//   - GET /health, GET /health/ready
//   - GET /, /help, /chat/{peer} (web UI)
//
// {peer} is matched against the directory case-insensitively; unknown peers
// get 404. Streams resume from Last-Event-ID or ?since=N with no duplicates. Without
// a cursor they carry only messages sent after the viewer attached.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
package gateway
