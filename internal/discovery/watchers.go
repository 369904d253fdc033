package discovery

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/eventrouter-go/pkg/cluster"
)

// watchers fans snapshots out to Watch channels. Each channel holds at most the
// latest snapshot; a reader that falls behind skips intermediate ones.
type watchers struct {
	mu      sync.Mutex
	current cluster.Snapshot
	chans   map[chan cluster.Snapshot]struct{}
}

func newWatchers(initial cluster.Snapshot) *watchers {
	return &watchers{current: initial, chans: make(map[chan cluster.Snapshot]struct{})}
}

func (w *watchers) snapshot() cluster.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *watchers) publish(s cluster.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = s
	for ch := range w.chans {
		replaceLatest(ch, s)
	}
}

func (w *watchers) watch(ctx context.Context) <-chan cluster.Snapshot {
	ch := make(chan cluster.Snapshot, 1)

	w.mu.Lock()
	w.chans[ch] = struct{}{}
	ch <- w.current
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.chans, ch)
		close(ch)
		w.mu.Unlock()
	}()

	return ch
}

// replaceLatest must be called by the only writer of ch.
func replaceLatest(ch chan cluster.Snapshot, s cluster.Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- s
}
