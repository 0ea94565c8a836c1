// ABOUTME: Feed combines stored backlog and live delivery into one ordered stream
// ABOUTME: Used by the SSE, WebSocket and gRPC transports to resume from a cursor

package conversation

import (
	"context"
	"fmt"

	"github.com/2389/pairchat/internal/store"
)

// Event is one item produced by a Feed. Dropped is the number of live
// messages this subscriber lost since the previous event.
type Event struct {
	Message store.Message
	Dropped uint64
}

// Feed yields escaped messages in sequence order, never repeating a sequence
// number. Not safe for concurrent use.
type Feed struct {
	session *LiveSession
	backlog []store.Message
	last    int64
	dropped uint64
}

// Follow opens a live-only feed: it yields messages sent after the call.
func (s *Service) Follow(ctx context.Context, viewer, peer string) (*Feed, error) {
	session, err := s.OpenLiveFeed(ctx, viewer, peer)
	if err != nil {
		return nil, err
	}
	return &Feed{session: session}, nil
}

// Resume opens a feed that first yields stored messages after afterSeq and
// then live ones. It subscribes before reading the log, so a message stored
// in between is seen by one path or both and deduplicated by Seq.
func (s *Service) Resume(ctx context.Context, viewer, peer string, afterSeq int64) (*Feed, error) {
	session, err := s.OpenLiveFeed(ctx, viewer, peer)
	if err != nil {
		return nil, err
	}

	backlog, err := s.HistorySince(ctx, viewer, peer, afterSeq)
	if err != nil {
		session.Close()
		return nil, err
	}

	return &Feed{session: session, backlog: backlog, last: afterSeq}, nil
}

// Next returns the next event, blocking for live messages. Errors are those
// of LiveSession.Next; a closed session or ended ctx also stops the backlog.
func (f *Feed) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	select {
	case <-f.session.done:
		return Event{}, f.session.closedErr()
	default:
	}

	for len(f.backlog) > 0 {
		msg := f.backlog[0]
		f.backlog = f.backlog[1:]
		if msg.Seq <= f.last {
			continue
		}
		f.last = msg.Seq
		return Event{Message: msg}, nil
	}

	for {
		msg, err := f.session.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		if msg.Seq <= f.last {
			continue
		}
		f.last = msg.Seq

		total := f.session.Dropped()
		gap := total - f.dropped
		f.dropped = total
		return Event{Message: msg, Dropped: gap}, nil
	}
}

// Cursor is the sequence number of the last event returned.
func (f *Feed) Cursor() int64 {
	return f.last
}

// Close ends the underlying live session.
func (f *Feed) Close() {
	f.session.Close()
}
