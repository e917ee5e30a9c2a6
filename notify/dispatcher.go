package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultQueueSize is the default capacity of the dispatch queue.
	DefaultQueueSize = 256

	// DefaultWorkers is the default number of delivery workers.
	DefaultWorkers = 2

	// DefaultSendTimeout bounds a single delivery attempt.
	DefaultSendTimeout = 10 * time.Second
)

// Dispatcher queues messages and delivers them on background workers.
// It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
	queue   chan Message
	closed  bool

	workers     int
	sendTimeout time.Duration
	logger      zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queue = make(chan Message, size)
		}
	}
}

// WithWorkers sets the number of delivery workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithSendTimeout bounds each delivery attempt.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher. Call Start before enqueueing.
func NewDispatcher(logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		senders:     make(map[Channel]Sender),
		queue:       make(chan Message, DefaultQueueSize),
		workers:     DefaultWorkers,
		sendTimeout: DefaultSendTimeout,
		logger:      logger.With().Str("component", "notify").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register sets the sender for a channel, replacing any previous one.
func (d *Dispatcher) Register(ch Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[ch] = s
}

// Start launches the delivery workers. Calling Start more than once is a no-op.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work()
		}
	})
}

// Enqueue schedules msg for delivery without blocking.
// It returns ErrQueueFull when the queue is saturated and ErrClosed after Close.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	select {
	case d.queue <- msg:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn().
			Str("channel", string(msg.Channel)).
			Str("subject", msg.Subject).
			Msg("dispatch queue full, dropping message")
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
	return nil
}

// Stats returns delivered, failed and dropped message counts.
func (d *Dispatcher) Stats() (delivered, failed, dropped uint64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	d.mu.RLock()
	sender, ok := d.senders[msg.Channel]
	d.mu.RUnlock()

	if !ok {
		d.failed.Add(1)
		d.logger.Warn().
			Str("channel", string(msg.Channel)).
			Err(ErrNoSender).
			Msg("message not delivered")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	start := time.Now()
	if err := sender.Send(ctx, msg); err != nil {
		d.failed.Add(1)
		d.logger.Error().
			Str("channel", string(msg.Channel)).
			Str("subject", msg.Subject).
			Err(err).
			Msg("message delivery failed")
		return
	}

	d.delivered.Add(1)
	d.logger.Debug().
		Str("channel", string(msg.Channel)).
		Dur("took", time.Since(start)).
		Msg("message delivered")
}
