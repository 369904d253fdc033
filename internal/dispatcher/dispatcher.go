// Package dispatcher runs listener callbacks off the router goroutine.
//
// Callbacks are grouped into mailboxes, one per subscription. A mailbox runs its
// callbacks one at a time in submission order; different mailboxes run concurrently
// on a bounded number of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned by Deliver when the mailbox holds MailboxSize pending callbacks.
	ErrQueueFull = errors.New("mailbox is full")
	// ErrSealed is returned by Deliver after a terminal callback was submitted for the key.
	ErrSealed = errors.New("mailbox is sealed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Config configures a Dispatcher.
type Config struct {
	// Workers bounds how many callbacks run at once.
	Workers int
	// MailboxSize bounds the pending callbacks of one mailbox.
	MailboxSize int
	Logger      *zap.Logger
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type mailbox struct {
	key     string
	tasks   []func()
	running bool
	sealed  bool
}

// Dispatcher executes callbacks per key, in order, on a bounded worker pool.
type Dispatcher struct {
	config Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	pending   int
	idle      chan struct{}
	closed    bool
}

// New creates a dispatcher.
func New(config Config) *Dispatcher {
	config.SetDefaults()
	idle := make(chan struct{})
	close(idle)
	return &Dispatcher{
		config:    config,
		logger:    config.Logger.Named("dispatcher"),
		sem:       semaphore.NewWeighted(int64(config.Workers)),
		mailboxes: make(map[string]*mailbox),
		idle:      idle,
	}
}

// Deliver queues fn on the mailbox of key. It never blocks.
func (d *Dispatcher) Deliver(key string, fn func()) error {
	return d.submit(key, fn, false)
}

// DeliverTerminal queues fn as the last callback of key. It ignores the mailbox
// bound and seals the mailbox; it is accepted once per key.
func (d *Dispatcher) DeliverTerminal(key string, fn func()) error {
	return d.submit(key, fn, true)
}

func (d *Dispatcher) submit(key string, fn func(), terminal bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	mb, ok := d.mailboxes[key]
	if !ok {
		mb = &mailbox{key: key}
		d.mailboxes[key] = mb
	}
	if mb.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, key)
	}
	if !terminal && len(mb.tasks) >= d.config.MailboxSize {
		return fmt.Errorf("%w: %s", ErrQueueFull, key)
	}

	mb.tasks = append(mb.tasks, fn)
	mb.sealed = terminal
	if d.pending == 0 {
		d.idle = make(chan struct{})
	}
	d.pending++

	if !mb.running {
		mb.running = true
		go d.run(mb)
	}
	return nil
}

// run drains mb, taking a worker slot per callback so busy mailboxes do not
// starve the others.
func (d *Dispatcher) run(mb *mailbox) {
	for {
		d.mu.Lock()
		if len(mb.tasks) == 0 {
			mb.running = false
			if mb.sealed && d.mailboxes[mb.key] == mb {
				delete(d.mailboxes, mb.key)
			}
			d.mu.Unlock()
			return
		}
		fn := mb.tasks[0]
		mb.tasks[0] = nil
		mb.tasks = mb.tasks[1:]
		d.mu.Unlock()

		_ = d.sem.Acquire(context.Background(), 1)
		d.invoke(mb.key, fn)
		d.sem.Release(1)

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			close(d.idle)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) invoke(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked", zap.String("subscription", key), zap.Any("panic", r), zap.StackSkip("stack", 2))
		}
	}()
	fn()
}

// Pending returns the number of callbacks queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Drain waits until every submitted callback has run.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further callbacks. Callbacks already queued still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
