package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Journal - write-behind mirror to the Store
// =============================================================================

// ErrorHandler is called when a store write fails after all retries
type ErrorHandler func(recordID string, operation string, err error)

const (
	defaultJournalCapacity = 4096
	defaultStoreTimeout    = 5 * time.Second
)

// JournalStats is a snapshot of journal counters.
type JournalStats struct {
	Pending int    `json:"pending"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// journalItem is either a record to write or a flush barrier.
type journalItem struct {
	rec     Record
	barrier chan struct{}
}

// journal queues store writes from the state lock and performs them on a
// single IO goroutine. Enqueue never blocks; when the queue is full the
// oldest record is dropped and counted.
type journal struct {
	store        Store
	serializer   PayloadSerializer
	logger       Logger
	retryPolicy  RetryPolicy
	errorHandler ErrorHandler
	sleep        func(ctx context.Context, d time.Duration) error
	opTimeout    time.Duration

	mu       sync.Mutex
	pending  []journalItem
	records  int // non-barrier items in pending
	capacity int
	closed   bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func newJournal(store Store, serializer PayloadSerializer, logger Logger, policy RetryPolicy, handler ErrorHandler, capacity int, opTimeout time.Duration) *journal {
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	if opTimeout <= 0 {
		opTimeout = defaultStoreTimeout
	}
	return &journal{
		store:        store,
		serializer:   serializer,
		logger:       logger,
		retryPolicy:  policy,
		errorHandler: handler,
		sleep:        sleepContext,
		opTimeout:    opTimeout,
		capacity:     capacity,
		signal:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *journal) start() {
	go j.run()
}

// record serializes subject and queues it. Safe to call under the state lock.
func (j *journal) record(kind RecordKind, scheduleID, workflowID string, at time.Time, subject any) {
	payload, err := j.serializer.Serialize(subject)
	if err != nil {
		j.failed.Add(1)
		j.logger.Error("Failed to serialize journal record",
			F("kind", string(kind)),
			F("scheduleID", scheduleID),
			F("error", err))
		return
	}
	j.push(journalItem{rec: Record{
		ID:         uuid.NewString(),
		Kind:       kind,
		ScheduleID: scheduleID,
		WorkflowID: workflowID,
		Timestamp:  at,
		Payload:    payload,
	}})
}

func (j *journal) push(item journalItem) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		if item.barrier != nil {
			close(item.barrier)
		} else {
			j.dropped.Add(1)
		}
		return
	}
	if item.barrier == nil {
		if j.records >= j.capacity {
			j.dropOldestLocked()
		}
		j.records++
	}
	j.pending = append(j.pending, item)
	j.mu.Unlock()

	select {
	case j.signal <- struct{}{}:
	default:
	}
}

func (j *journal) dropOldestLocked() {
	for i, it := range j.pending {
		if it.barrier != nil {
			continue
		}
		j.pending = append(j.pending[:i], j.pending[i+1:]...)
		j.records--
		j.dropped.Add(1)
		j.logger.Warn("Journal full, dropping oldest record",
			F("recordID", it.rec.ID),
			F("kind", string(it.rec.Kind)))
		return
	}
}

func (j *journal) run() {
	defer close(j.done)
	for {
		select {
		case <-j.signal:
			j.drain(context.Background())
		case <-j.stop:
			j.drain(context.Background())
			return
		}
	}
}

func (j *journal) drain(ctx context.Context) {
	for {
		j.mu.Lock()
		if len(j.pending) == 0 {
			j.mu.Unlock()
			return
		}
		batch := j.pending
		j.pending = nil
		j.records = 0
		j.mu.Unlock()

		for _, item := range batch {
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			rec := item.rec
			err := j.retryIOOperation(ctx, "Append", rec.ID, func(ctx context.Context) error {
				return j.store.Append(ctx, rec)
			})
			if err != nil {
				j.failed.Add(1)
			} else {
				j.written.Add(1)
			}
		}
	}
}

// retryIOOperation executes an IO operation with retry logic
// Returns the last error if all retries fail
func (j *journal) retryIOOperation(
	ctx context.Context,
	operation string,
	recordID string,
	fn func(context.Context) error,
) error {
	var lastErr error
	for attempt := 0; attempt <= j.retryPolicy.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, j.opTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 0 {
				j.logger.Debug("Store operation succeeded after retry",
					F("operation", operation),
					F("recordID", recordID),
					F("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		j.logger.Warn("Store operation failed, retrying",
			F("operation", operation),
			F("recordID", recordID),
			F("attempt", attempt),
			F("maxRetries", j.retryPolicy.MaxRetries),
			F("error", err))

		if attempt < j.retryPolicy.MaxRetries {
			if err := j.sleep(ctx, j.retryPolicy.calculateDelay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	j.logger.Error("Store operation failed after all retries",
		F("operation", operation),
		F("recordID", recordID),
		F("error", lastErr))

	if j.errorHandler != nil {
		j.errorHandler(recordID, operation, lastErr)
	}
	return fmt.Errorf("%s %s: %w", operation, recordID, lastErr)
}

// flush blocks until every record queued before the call has been attempted.
func (j *journal) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	j.push(journalItem{barrier: barrier})
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting records, drains what is queued and waits for the IO
// goroutine to exit.
func (j *journal) close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stop)
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *journal) stats() JournalStats {
	j.mu.Lock()
	pending := j.records
	j.mu.Unlock()
	return JournalStats{
		Pending: pending,
		Written: j.written.Load(),
		Failed:  j.failed.Load(),
		Dropped: j.dropped.Load(),
	}
}
