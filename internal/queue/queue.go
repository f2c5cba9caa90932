package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
)

// Dispatcher makes a single delivery attempt
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) models.DispatchResult
}

// DeadLetterSink receives items dropped after exhausting their retries
type DeadLetterSink interface {
	StoreDeadLetter(ctx context.Context, item models.NotificationItem, reason string) error
}

// Stats is a point-in-time snapshot of queue counters
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
	Scheduled int   `json:"scheduled"`
}

type entry struct {
	item *models.NotificationItem
	seq  uint64
}

// readyHeap orders entries by priority, then by arrival
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	pi, pj := h[i].item.Priority, h[j].item.Priority
	if pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// EmailQueue is an unbounded in-process notification queue with many
// producers and a single consumer. Failed deliveries are held until their
// NextRetryAt and then queued again behind everything already waiting.
type EmailQueue struct {
	cfg        config.QueueConfig
	dispatcher Dispatcher
	sinks      []DeadLetterSink
	log        *zap.SugaredLogger
	now        func() time.Time

	mu        sync.Mutex
	ready     readyHeap
	scheduled map[*entry]*time.Timer
	seq       uint64
	closed    bool
	running   bool
	stats     Stats

	signal chan struct{}
	done   chan struct{}
}

func NewEmailQueue(cfg config.QueueConfig, dispatcher Dispatcher, log *zap.SugaredLogger, sinks ...DeadLetterSink) *EmailQueue {
	return &EmailQueue{
		cfg:        cfg,
		dispatcher: dispatcher,
		sinks:      sinks,
		log:        log.Named("queue"),
		now:        time.Now,
		scheduled:  make(map[*entry]*time.Timer),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Enqueue adds an item for delivery. It never blocks.
func (q *EmailQueue) Enqueue(item *models.NotificationItem) error {
	if item == nil {
		return errors.Wrap(errors.ErrInvalidArgument, "notification item is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.Wrap(errors.ErrClosed, "email queue is closed")
	}

	prepare(item, q.now())
	q.pushLocked(item)
	q.stats.Enqueued++
	return nil
}

// prepare fills in the defaults every queued item carries
func prepare(item *models.NotificationItem, now time.Time) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.Channel == "" {
		item.Channel = models.ChannelEmail
	}
	item.Priority = item.Priority.Normalize()
}

func (q *EmailQueue) pushLocked(item *models.NotificationItem) {
	q.seq++
	heap.Push(&q.ready, &entry{item: item, seq: q.seq})
	q.wake()
}

func (q *EmailQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close stops intake. Run delivers everything still held, including
// pending retries, and then returns nil.
func (q *EmailQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// Done is closed when Run returns
func (q *EmailQueue) Done() <-chan struct{} {
	return q.done
}

// Shutdown closes the queue and waits for Run to drain it or for ctx to
// expire, whichever comes first. It also fails when Run has already stopped
// on a cancelled context with items left behind.
func (q *EmailQueue) Shutdown(ctx context.Context) error {
	q.Close()
	select {
	case <-q.done:
		if n := q.Len(); n > 0 {
			return errors.Newf("email queue stopped with %d undelivered items", n)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "email queue still holds %d items", q.Len())
	}
}

// Len returns the number of items waiting for delivery or for a retry.
func (q *EmailQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.scheduled)
}

func (q *EmailQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = q.ready.Len()
	s.Scheduled = len(q.scheduled)
	return s
}

// Run consumes the queue until Close has been called and everything is
// drained, or until ctx is cancelled. Only one Run may be active.
func (q *EmailQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("email queue consumer is already running")
	}
	q.running = true
	q.mu.Unlock()

	defer close(q.done)

	q.log.Infow("email queue consumer started",
		"retry_ceiling", q.cfg.RetryCeiling,
		"retry_pause", q.cfg.RetryPause,
		"retry_backoff", q.cfg.RetryBackoff)

	for {
		if err := ctx.Err(); err != nil {
			q.stopTimers()
			q.log.Infow("email queue consumer cancelled", "remaining", q.Len())
			return err
		}

		item, drained := q.next()
		if drained {
			q.log.Infow("email queue drained, consumer stopped")
			return nil
		}
		if item == nil {
			select {
			case <-ctx.Done():
			case <-q.signal:
			}
			continue
		}

		q.deliver(ctx, item)
	}
}

// next pops the next ready item. drained is true once the queue is closed
// and holds nothing.
func (q *EmailQueue) next() (item *models.NotificationItem, drained bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() > 0 {
		return heap.Pop(&q.ready).(*entry).item, false
	}
	return nil, q.closed && len(q.scheduled) == 0
}

func (q *EmailQueue) deliver(ctx context.Context, item *models.NotificationItem) {
	// An attempt that has started runs to completion even if ctx is cancelled
	dctx := context.WithoutCancel(ctx)

	result := q.dispatcher.Dispatch(dctx, models.RequestFor(item))
	if result.Success {
		q.mu.Lock()
		q.stats.Delivered++
		q.mu.Unlock()
		return
	}

	if item.RetryCount >= q.cfg.RetryCeiling {
		q.drop(dctx, item, result.Reason)
		return
	}

	item.RetryCount++
	delay := q.cfg.RetryDelay(item.RetryCount)
	at := q.now().Add(delay)
	item.NextRetryAt = &at

	q.log.Warnw("notification retry scheduled",
		"id", item.ID,
		"recipient", item.Recipient,
		"retry_count", item.RetryCount,
		"next_retry_at", at,
		"reason", result.Reason)

	q.mu.Lock()
	q.stats.Retried++
	q.scheduleLocked(item, delay)
	q.mu.Unlock()
}

func (q *EmailQueue) scheduleLocked(item *models.NotificationItem, delay time.Duration) {
	if delay <= 0 {
		q.pushLocked(item)
		return
	}

	e := &entry{item: item}
	q.scheduled[e] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.scheduled[e]; !ok {
			return
		}
		delete(q.scheduled, e)
		q.pushLocked(item)
	})
}

// stopTimers parks pending retries in the ready set so Len still counts them
func (q *EmailQueue) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e, t := range q.scheduled {
		t.Stop()
		delete(q.scheduled, e)
		q.seq++
		e.seq = q.seq
		heap.Push(&q.ready, e)
	}
}

func (q *EmailQueue) drop(ctx context.Context, item *models.NotificationItem, reason string) {
	q.mu.Lock()
	q.stats.Dropped++
	q.mu.Unlock()

	q.log.Errorw("notification dropped",
		"id", item.ID,
		"recipient", item.Recipient,
		"template", item.TemplateID,
		"retry_count", item.RetryCount,
		"reason", reason)

	for _, sink := range q.sinks {
		if err := sink.StoreDeadLetter(ctx, *item, reason); err != nil {
			q.log.Warnw("failed to store dead letter", "id", item.ID, "error", err)
		}
	}
}
