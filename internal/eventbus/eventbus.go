package eventbus

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-hq/holdfast/internal/config"
)

// Stream names for the platform's four fixed streams.
const (
	StreamBookings      = "BOOKINGS"
	StreamDocuments     = "DOCUMENTS"
	StreamNotifications = "NOTIFICATIONS"
	StreamDeadLetter    = "DEAD_LETTER"
)

// DedupWindow is how long a published event_id suppresses re-publishes.
const DedupWindow = 2 * time.Minute

var (
	ErrNotStarted        = errors.New("eventbus: not started")
	ErrNoStream          = errors.New("eventbus: no stream matches subject")
	ErrStreamNotFound    = errors.New("eventbus: stream not found")
	ErrConsumerExists    = errors.New("eventbus: consumer already exists")
	ErrNilHandler        = errors.New("eventbus: handler is nil")
	ErrOverlappingFilter = errors.New("eventbus: overlapping filter on workqueue stream")

	errQueueClosed = errors.New("eventbus: queue closed")
)

// Envelope is the wire form of every event. EventType equals the publish
// subject and EventID is the dedup key.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// StreamConfig declares a named stream: which subjects it captures, how long
// entries are retained, and whether entries are removed once acked
// (workqueue semantics).
type StreamConfig struct {
	Name      string
	Subjects  []string
	Retention time.Duration
	WorkQueue bool
}

// DefaultStreams returns the platform stream set.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{Name: StreamBookings, Subjects: []string{"slot.*", "booking.*"}, Retention: 7 * 24 * time.Hour},
		{Name: StreamDocuments, Subjects: []string{"nda.*"}, Retention: 30 * 24 * time.Hour},
		{Name: StreamNotifications, Subjects: []string{"notify.*"}, Retention: 24 * time.Hour, WorkQueue: true},
		{Name: StreamDeadLetter, Subjects: []string{"dlq.*"}, Retention: 90 * 24 * time.Hour},
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Deduplicated uint64 `json:"deduplicated"`
	Delivered    uint64 `json:"delivered"`
	Redelivered  uint64 `json:"redelivered"`
	DeadLettered uint64 `json:"dead_lettered"`
	Consumers    int    `json:"consumers"`
	Pending      int    `json:"pending"`
}

// matchesSubject reports whether subject matches pattern. Patterns are exact
// subjects or a prefix ending in '*' ("slot.*" matches "slot.held"). The
// empty pattern matches everything.
func matchesSubject(subject, pattern string) bool {
	if pattern == "" || subject == pattern {
		return true
	}
	if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return false
}

// entry is one stored event on a stream.
type entry struct {
	seq      uint64
	subject  string
	env      Envelope
	storedAt time.Time
}

// queue is a goroutine-safe bounded FIFO. push applies backpressure when the
// queue is at capacity instead of dropping; tryPop never blocks and pairs
// with notify() so the consumer can select instead of spinning.
type queue struct {
	mu       sync.Mutex
	items    *list.List
	maxDepth int
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newQueue(maxDepth int) *queue {
	return &queue{
		items:    list.New(),
		maxDepth: maxDepth,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// push enqueues e, blocking while the queue is full until space frees, ctx is
// cancelled, or done closes.
func (q *queue) push(ctx context.Context, done <-chan struct{}, e entry) error {
	for {
		q.mu.Lock()
		if q.maxDepth <= 0 || q.items.Len() < q.maxDepth {
			q.items.PushBack(e)
			select {
			case q.notEmpty <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish cancelled waiting for queue space: %w", ctx.Err())
		case <-done:
			return errQueueClosed
		case <-q.notFull:
		}
	}
}

// seed enqueues e ignoring capacity. Used once, while attaching a consumer
// with deliver-policy all, so replaying a long retained log cannot deadlock
// the attach against an unstarted pump.
func (q *queue) seed(e entry) {
	q.mu.Lock()
	q.items.PushBack(e)
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

func (q *queue) tryPop() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return entry{}, false
	}
	wasFull := q.maxDepth > 0 && q.items.Len() >= q.maxDepth
	e := q.items.Remove(front).(entry)
	if wasFull {
		select {
		case q.notFull <- struct{}{}:
		default:
		}
	}
	return e, true
}

// notify returns the channel signaled on push. The signal is a hint, not one
// per item; receivers loop back to tryPop.
func (q *queue) notify() <-chan struct{} {
	return q.notEmpty
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// stream is a retained, ordered event log plus its attached consumers.
// Appending an entry and fanning it out to consumer queues happens under one
// lock so every consumer observes stream order.
type stream struct {
	cfg       StreamConfig
	mu        sync.Mutex
	entries   []entry
	nextSeq   uint64
	consumers []*Consumer
}

func (s *stream) matches(subject string) bool {
	for _, pat := range s.cfg.Subjects {
		if matchesSubject(subject, pat) {
			return true
		}
	}
	return false
}

func (s *stream) publish(ctx context.Context, subject string, env Envelope, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	e := entry{seq: s.nextSeq, subject: subject, env: env, storedAt: now}
	s.entries = append(s.entries, e)

	for _, c := range s.consumers {
		if c.isCancelled() || !matchesSubject(subject, c.cfg.FilterSubject) {
			continue
		}
		if err := c.queue.push(ctx, c.done, e); err != nil {
			if errors.Is(err, errQueueClosed) {
				continue
			}
			return err
		}
	}
	return nil
}

// attach registers c and, for deliver-policy all, seeds its queue with the
// retained entries matching its filter. Done under the stream lock so no
// publish can slip between the replay and live delivery.
func (s *stream) attach(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.cfg.DeliverPolicy == DeliverAll {
		for _, e := range s.entries {
			if matchesSubject(e.subject, c.cfg.FilterSubject) {
				c.queue.seed(e)
			}
		}
	}
	s.consumers = append(s.consumers, c)
}

func (s *stream) detach(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, other := range s.consumers {
		if other == c {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			return
		}
	}
}

// remove drops the entry with the given seq. Called on ack for workqueue
// streams.
func (s *stream) remove(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.seq == seq {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *stream) prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.Retention)
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.storedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	pruned := len(s.entries) - len(kept)
	s.entries = kept
	return pruned
}

func (s *stream) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Bus is a durable in-process event bus: named retained streams, durable
// consumers with serial dispatch, per-consumer retry with backoff, publisher
// dedup by event_id, and dead-lettering on delivery exhaustion. Durability is
// process-lifetime; entries do not survive a restart.
type Bus struct {
	queueDepth int

	mu        sync.RWMutex
	streams   map[string]*stream
	consumers map[string]*Consumer
	started   bool

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	published    uint64
	deduplicated uint64
	delivered    uint64
	redelivered  uint64
	deadLettered uint64
}

// New creates a bus with the given streams, or DefaultStreams when none are
// given. Call Start before publishing or consuming.
func New(cfg config.BusConfig, streams ...StreamConfig) *Bus {
	if len(streams) == 0 {
		streams = DefaultStreams()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	b := &Bus{
		queueDepth: depth,
		streams:    make(map[string]*stream, len(streams)),
		consumers:  make(map[string]*Consumer),
		dedup:      make(map[string]time.Time),
	}
	for _, sc := range streams {
		b.streams[sc.Name] = &stream{cfg: sc}
	}
	if cfg.URL != "" {
		log.Printf("[BUS] BUS_URL %s configured, running in-process engine", cfg.URL)
	}
	return b
}

// Start launches the retention sweeper and accepts publishes and consumers.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.stopCh = make(chan struct{})
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.retentionLoop()
	log.Printf("[BUS] Started with %d streams", len(b.streams))
}

// Stop cancels every consumer, aborts in-flight handlers, and waits for all
// bus goroutines to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cons := make([]*Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		cons = append(cons, c)
	}
	b.consumers = make(map[string]*Consumer)
	b.mu.Unlock()

	for _, c := range cons {
		c.cancel()
	}
	b.cancel()
	close(b.stopCh)
	b.wg.Wait()
	log.Printf("[BUS] Stopped")
}

// Publish wraps payload in a fresh envelope and appends it to every stream
// whose subject set matches. The generated envelope is returned so callers
// can log or propagate the event id.
func (b *Bus) Publish(ctx context.Context, subject string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	env := Envelope{
		EventID:    uuid.New().String(),
		EventType:  subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	return env, b.PublishEnvelope(ctx, subject, env)
}

// PublishEnvelope appends a caller-built envelope. A second envelope with the
// same EventID inside DedupWindow is dropped and counted, not an error.
func (b *Bus) PublishEnvelope(ctx context.Context, subject string, env Envelope) error {
	b.mu.RLock()
	started := b.started
	var targets []*stream
	for _, st := range b.streams {
		if st.matches(subject) {
			targets = append(targets, st)
		}
	}
	b.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrNoStream, subject)
	}
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}
	if env.EventType == "" {
		env.EventType = subject
	}

	now := time.Now()
	b.dedupMu.Lock()
	if seen, ok := b.dedup[env.EventID]; ok && now.Sub(seen) <= DedupWindow {
		b.dedupMu.Unlock()
		atomic.AddUint64(&b.deduplicated, 1)
		return nil
	}
	b.dedup[env.EventID] = now
	b.dedupMu.Unlock()

	for _, st := range targets {
		if err := st.publish(ctx, subject, env, now); err != nil {
			// Forget the id so the caller's retry is not swallowed as a dup.
			b.dedupMu.Lock()
			delete(b.dedup, env.EventID)
			b.dedupMu.Unlock()
			return err
		}
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	consumers := len(b.consumers)
	pending := 0
	for _, c := range b.consumers {
		pending += c.queue.len()
	}
	b.mu.RUnlock()

	return Stats{
		Published:    atomic.LoadUint64(&b.published),
		Deduplicated: atomic.LoadUint64(&b.deduplicated),
		Delivered:    atomic.LoadUint64(&b.delivered),
		Redelivered:  atomic.LoadUint64(&b.redelivered),
		DeadLettered: atomic.LoadUint64(&b.deadLettered),
		Consumers:    consumers,
		Pending:      pending,
	}
}

// StreamSize returns the number of retained entries on a stream.
func (b *Bus) StreamSize(name string) int {
	b.mu.RLock()
	st, ok := b.streams[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return st.size()
}

func (b *Bus) retentionLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.pruneOnce(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

// pruneOnce trims aged stream entries and expired dedup ids.
func (b *Bus) pruneOnce(now time.Time) {
	b.mu.RLock()
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.RUnlock()

	pruned := 0
	for _, st := range streams {
		pruned += st.prune(now)
	}
	if pruned > 0 {
		log.Printf("[BUS] Retention pruned %d entries", pruned)
	}

	b.dedupMu.Lock()
	for id, seen := range b.dedup {
		if now.Sub(seen) > DedupWindow {
			delete(b.dedup, id)
		}
	}
	b.dedupMu.Unlock()
}

// deadLetter publishes the dlq.<subject> record for an exhausted delivery.
func (b *Bus) deadLetter(e entry, lastErr error, attempts int) {
	dl := DeadLetter{
		OriginalSubject: e.subject,
		OriginalEvent:   e.env,
		LastError:       lastErr.Error(),
		Attempts:        attempts,
	}
	if _, err := b.Publish(b.ctx, "dlq."+e.subject, dl); err != nil {
		log.Printf("[BUS] Dead-letter publish for %s failed: %v", e.subject, err)
	}
}
