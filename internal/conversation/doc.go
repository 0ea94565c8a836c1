// Package conversation implements two-party chat on top of a durable message
// log and an in-memory live broadcaster.
//
// # Overview
//
// The conversation package sits between the transports (HTTP, SSE, WebSocket,
// gRPC) and the store. Transports only ever talk to Service:
//
//	live := conversation.NewBroadcaster(conversation.BroadcasterOptions{})
//	svc := conversation.New(messageLog, live, logger)
//
// Key operations:
//
//   - Send(ctx, sender, peer, body): store a message, then notify viewers
//   - History(ctx, viewer, peer): full escaped history, oldest first
//   - HistorySince(ctx, viewer, peer, seq): history after a sequence number
//   - OpenLiveFeed(ctx, viewer, peer): a LiveSession for new messages
//
// # Record First, Then Notify
//
// Send appends to the message log before publishing. If the append fails the
// error wraps ErrStoreIO and no viewer ever sees the message. Append and
// publish for one conversation run under the same lock, so live viewers see
// messages in log order.
//
// # Broadcaster
//
// Broadcaster keeps one Channel per conversation that has live viewers.
// Channels are created on first subscribe and removed when the last
// subscriber closes. Channels created with GetOrCreateChannel that never gain
// a subscriber are swept after BroadcasterOptions.IdleTTL.
//
// Each LiveSession owns a bounded queue. Publishing never blocks: when a
// queue is full the OverflowPolicy decides between dropping the oldest queued
// message (counted by LiveSession.Dropped) and evicting the subscriber.
//
// # Escaping
//
// Message bodies are stored exactly as sent (trimmed). Everything handed to a
// viewer, from History or a LiveSession, has sender and body HTML-escaped.
//
// # Gaps Between History and Live
//
// History followed by OpenLiveFeed can miss a message stored in between.
// Transports that resume from a sequence number subscribe first, then read
// HistorySince and drop live messages they already replayed.
package conversation
