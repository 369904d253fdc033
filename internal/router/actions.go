package router

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/peerlink"
)

// action is an instruction for the action processor, the only code that mutates
// routing state.
type action interface{}

type (
	subscribeAction   struct{ sub *subscription }
	unsubscribeAction struct{ sub *subscription }
	publishAction     struct {
		topic   string
		payload []byte
	}
	clusterChangedAction   struct{ snapshot cluster.Snapshot }
	peerDisconnectedAction struct{ host string }
	peerMessageAction      struct{ msg peerlink.Message }

	joinAction  struct{ done chan struct{} }
	leaveAction struct{ done chan struct{} }
	// inspectAction runs fn on the processor; used for barriers and read-only queries.
	inspectAction struct {
		fn   func()
		done chan struct{}
	}
)

// actionQueue is an unbounded FIFO with a single consumer.
type actionQueue struct {
	mu     sync.Mutex
	items  []action
	signal chan struct{}
	closed bool
}

func newActionQueue() *actionQueue {
	return &actionQueue{signal: make(chan struct{}, 1)}
}

// push appends a and reports false once the queue is closed. It never blocks.
func (q *actionQueue) push(a action) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, a)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an action is available, the queue is closed and empty, or ctx is done.
func (q *actionQueue) pop(ctx context.Context) (action, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			a := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return a, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *actionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *actionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
