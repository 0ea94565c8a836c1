// ABOUTME: Observer hooks for metrics on sends, appends and live delivery
// ABOUTME: Implemented by the observability package; a no-op is used when none is set

package conversation

import "time"

// Observer receives instrumentation events from the service and broadcaster.
type Observer interface {
	MessageSent(status SendStatus)
	AppendDuration(d time.Duration)
	SessionOpened()
	SessionClosed()
	MessagesDropped(policy OverflowPolicy, n int)
	ChannelsOpen(n int)
}

type nopObserver struct{}

func (nopObserver) MessageSent(SendStatus) {}
func (nopObserver) AppendDuration(time.Duration) {}
func (nopObserver) SessionOpened() {}
func (nopObserver) SessionClosed() {}
func (nopObserver) MessagesDropped(OverflowPolicy, int) {}
func (nopObserver) ChannelsOpen(int) {}
