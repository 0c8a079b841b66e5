package eventbus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DeliverPolicy controls where a new consumer starts reading its stream.
type DeliverPolicy int

const (
	// DeliverAll replays every retained entry before live delivery.
	DeliverAll DeliverPolicy = iota
	// DeliverNew delivers only entries published after the consumer attaches.
	DeliverNew
)

// DefaultBackoff is the redelivery delay schedule, clamped at the last step.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

// Handler processes one delivered envelope. A nil return acks the delivery;
// an error schedules redelivery. The context is cancelled at the consumer's
// ack-wait deadline and on bus shutdown.
type Handler func(ctx context.Context, env Envelope) error

// ConsumerConfig declares a consumer. Name is the durable identity; leave it
// empty for an ephemeral consumer (realtime fan-out), which is dropped
// instead of dead-lettered on delivery exhaustion.
type ConsumerConfig struct {
	Name          string
	Stream        string
	FilterSubject string
	DeliverPolicy DeliverPolicy
	MaxDeliver    int           // delivery attempts before giving up; default 5
	AckWait       time.Duration // per-attempt handler deadline; default 30s
	Backoff       []time.Duration
}

// Consumer is a live subscription on a stream. Deliveries are dispatched
// serially by a single pump goroutine, so stream order is preserved and a
// failing entry is retried before anything behind it.
type Consumer struct {
	cfg     ConsumerConfig
	key     string
	bus     *Bus
	stream  *stream
	handler Handler
	queue   *queue

	mu        sync.RWMutex
	cancelled bool
	done      chan struct{}
	finished  chan struct{}
}

// Consume attaches a consumer to a stream and starts its pump. On workqueue
// streams, filters may not overlap an existing consumer's filter.
func (b *Bus) Consume(cfg ConsumerConfig, h Handler) (*Consumer, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil, ErrNotStarted
	}
	st, ok := b.streams[cfg.Stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, cfg.Stream)
	}

	key := cfg.Name
	if key == "" {
		key = "eph-" + uuid.New().String()
	}
	if _, dup := b.consumers[key]; dup {
		return nil, fmt.Errorf("%w: %s", ErrConsumerExists, cfg.Name)
	}
	if st.cfg.WorkQueue {
		for _, other := range b.consumers {
			if other.cfg.Stream == cfg.Stream && filtersOverlap(other.cfg.FilterSubject, cfg.FilterSubject) {
				return nil, fmt.Errorf("%w: %q overlaps %q on %s",
					ErrOverlappingFilter, cfg.FilterSubject, other.cfg.FilterSubject, cfg.Stream)
			}
		}
	}

	c := &Consumer{
		cfg:      cfg,
		key:      key,
		bus:      b,
		stream:   st,
		handler:  h,
		queue:    newQueue(b.queueDepth),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	st.attach(c)
	b.consumers[key] = c

	b.wg.Add(1)
	go c.pump()
	return c, nil
}

// filtersOverlap reports whether two filter subjects can match a common
// subject. The empty filter matches everything.
func filtersOverlap(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	ap, aw := strings.CutSuffix(a, "*")
	bp, bw := strings.CutSuffix(b, "*")
	switch {
	case aw && bw:
		return strings.HasPrefix(ap, bp) || strings.HasPrefix(bp, ap)
	case aw:
		return strings.HasPrefix(b, ap)
	case bw:
		return strings.HasPrefix(a, bp)
	default:
		return a == b
	}
}

// Name returns the durable name, or the generated key for ephemerals.
func (c *Consumer) Name() string {
	return c.key
}

// Config returns the consumer's effective configuration, defaults resolved.
func (c *Consumer) Config() ConsumerConfig {
	return c.cfg
}

// Pending returns the number of queued, undelivered entries.
func (c *Consumer) Pending() int {
	return c.queue.len()
}

func (c *Consumer) isCancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// cancel closes the consumer without touching the bus registry.
func (c *Consumer) cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	close(c.done)
	c.mu.Unlock()

	c.stream.detach(c)
}

// Stop cancels the consumer, removes it from the bus, and waits briefly for
// its pump to exit.
func (c *Consumer) Stop() {
	c.cancel()

	c.bus.mu.Lock()
	delete(c.bus.consumers, c.key)
	c.bus.mu.Unlock()

	select {
	case <-c.finished:
	case <-time.After(100 * time.Millisecond):
	}
}

// pump is the serial dispatch loop: drain the queue in order, waiting on the
// push notification when empty.
func (c *Consumer) pump() {
	defer c.bus.wg.Done()
	defer close(c.finished)

	for {
		if c.isCancelled() {
			return
		}
		e, ok := c.queue.tryPop()
		if !ok {
			select {
			case <-c.bus.ctx.Done():
				return
			case <-c.done:
				return
			case <-c.queue.notify():
				continue
			}
		}
		c.process(e)
	}
}

// process drives one entry through delivery, backoff redelivery, and finally
// dead-lettering. It blocks the pump, which is what keeps later entries from
// overtaking a failing one.
func (c *Consumer) process(e entry) {
	for attempt := 1; ; attempt++ {
		err := c.invoke(e)
		if err == nil {
			atomic.AddUint64(&c.bus.delivered, 1)
			if c.stream.cfg.WorkQueue {
				c.stream.remove(e.seq)
			}
			return
		}
		if c.isCancelled() {
			return
		}
		if attempt >= c.cfg.MaxDeliver {
			if c.cfg.Name == "" {
				log.Printf("[BUS] Ephemeral consumer dropped %s after %d attempts: %v", e.subject, attempt, err)
				return
			}
			atomic.AddUint64(&c.bus.deadLettered, 1)
			log.Printf("[BUS] Consumer %s exhausted %d deliveries for %s, dead-lettering: %v",
				c.key, attempt, e.subject, err)
			c.bus.deadLetter(e, err, attempt)
			return
		}

		atomic.AddUint64(&c.bus.redelivered, 1)
		delay := c.cfg.Backoff[min(attempt-1, len(c.cfg.Backoff)-1)]
		t := time.NewTimer(delay)
		select {
		case <-c.bus.ctx.Done():
			t.Stop()
			return
		case <-c.done:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// invoke runs the handler under the ack-wait deadline. A handler that
// overruns the deadline counts as a failed attempt; its eventual return is
// discarded.
func (c *Consumer) invoke(e entry) error {
	ctx, cancel := context.WithTimeout(c.bus.ctx, c.cfg.AckWait)
	defer cancel()

	res := make(chan error, 1)
	go func() {
		res <- c.handler(ctx, e.env)
	}()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return fmt.Errorf("ack wait %s elapsed on %s: %w", c.cfg.AckWait, e.subject, ctx.Err())
	}
}
