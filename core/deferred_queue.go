package core

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// queuedItem is one deferred entry with its insertion sequence.
type queuedItem struct {
	ScheduleID string
	Sequence   uint64
}

// deferredQueue holds the ids of entries awaiting re-evaluation, in
// insertion order. The sequence gives the stable FIFO order used by
// round_robin and as the tie-breaker of every other algorithm.
//
// It is guarded by the Orchestrator state lock.
type deferredQueue struct {
	items        []queuedItem
	index        map[string]int // schedule id -> position in items
	nextSequence uint64
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{
		items: make([]queuedItem, 0, defaultQueueCap),
		index: make(map[string]int),
	}
}

// Push appends an id; pushing an id already queued is a no-op.
func (q *deferredQueue) Push(id string) {
	if _, ok := q.index[id]; ok {
		return
	}
	q.index[id] = len(q.items)
	q.items = append(q.items, queuedItem{ScheduleID: id, Sequence: q.nextSequence})
	q.nextSequence++
}

// Remove drops an id. It reports whether the id was queued.
func (q *deferredQueue) Remove(id string) bool {
	pos, ok := q.index[id]
	if !ok {
		return false
	}
	copy(q.items[pos:], q.items[pos+1:])
	q.items[len(q.items)-1] = queuedItem{}
	q.items = q.items[:len(q.items)-1]
	delete(q.index, id)
	for i := pos; i < len(q.items); i++ {
		q.index[q.items[i].ScheduleID] = i
	}
	q.maybeCompact()
	return true
}

// Contains reports whether the id is queued.
func (q *deferredQueue) Contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

// Items returns a copy of the queue in FIFO order.
func (q *deferredQueue) Items() []queuedItem {
	out := make([]queuedItem, len(q.items))
	copy(out, q.items)
	return out
}

func (q *deferredQueue) Len() int {
	return len(q.items)
}

func (q *deferredQueue) maybeCompact() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)
	newSlice := make([]queuedItem, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}
