package router

import (
	"sync/atomic"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
)

type subscription struct {
	id       string
	topic    string
	listener eventrouter.RawListener
	router   *Router

	state     atomic.Int32
	reason    atomic.Int32
	cancelled atomic.Bool
	closed    atomic.Bool

	// Owned by the action processor.
	owner      string
	cancelling bool
}

var _ eventrouter.Subscription = (*subscription)(nil)

func (s *subscription) ID() string    { return s.id }
func (s *subscription) Topic() string { return s.topic }

func (s *subscription) State() eventrouter.State {
	return eventrouter.State(s.state.Load())
}

func (s *subscription) CloseReason() eventrouter.CloseReason {
	return eventrouter.CloseReason(s.reason.Load())
}

// markClosed moves s to StateClosed with reason. Only the first caller succeeds
// and must deliver OnClose.
func (s *subscription) markClosed(reason eventrouter.CloseReason) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.reason.Store(int32(reason))
	s.state.Store(int32(eventrouter.StateClosed))
	return true
}

func (s *subscription) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	if !s.router.queue.push(unsubscribeAction{sub: s}) {
		s.router.abandon(s, eventrouter.CloseCancelled)
	}
}

func (s *subscription) String() string {
	return s.id + "@" + s.topic
}
