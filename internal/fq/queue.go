// Package fq implements the tiny bounded frame ring described by §4.2: a
// fixed-capacity queue that lets the presenter peek the frame it most
// recently displayed (via keep_last/rindex_shown) while the decoder keeps
// writing ahead of it.
package fq

import (
	"sync"

	"github.com/kestrelmedia/avplay/internal/pq"
)

// Serialed is implemented by whatever payload type a Queue holds. Frames
// inherit the serial of the packet that produced them (§3), which is how
// staleness after a seek is detected at the presentation layer.
type Serialed interface {
	GetSerial() int64
}

// Queue is a fixed-size ring of frames with an optional keep_last policy:
// when set, advancing past the frame at rindex first just flips
// rindex_shown, so the most recently displayed frame stays peekable for
// re-blit and duration calculations; only the advance after that actually
// releases it.
type Queue[T Serialed] struct {
	mu   sync.Mutex
	cond *sync.Cond

	items []T
	max   int

	rindex      int
	windex      int
	size        int
	rindexShown int

	keepLast bool
	pktq     *pq.Queue
}

// New creates a Queue with the given capacity, keep_last policy, and the
// packet queue whose abort status unblocks any pending peek.
func New[T Serialed](max int, keepLast bool, pktq *pq.Queue) *Queue[T] {
	q := &Queue[T]{
		items:    make([]T, max),
		max:      max,
		keepLast: keepLast,
		pktq:     pktq,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Remaining returns size - rindex_shown: the number of frames genuinely
// unseen by the presenter.
func (q *Queue[T]) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size - q.rindexShown
}

// PeekWritable blocks until size < max or the packet queue aborts, then
// returns the writable slot index at windex. ok is false on abort.
func (q *Queue[T]) PeekWritable() (idx int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size >= q.max && !q.pktq.Aborted() {
		q.cond.Wait()
	}
	if q.pktq.Aborted() {
		return 0, false
	}
	return q.windex, true
}

// Write stores val into the writable slot previously returned by
// PeekWritable; callers typically call PeekWritable, mutate the slot, Write,
// then Push.
func (q *Queue[T]) Write(idx int, val T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[idx] = val
}

// Push advances windex, increments size, and wakes one blocked reader.
func (q *Queue[T]) Push() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.windex = (q.windex + 1) % q.max
	q.size++
	q.cond.Signal()
}

// PeekCurrent returns the slot at (rindex+rindex_shown) mod max without
// blocking. ok is false if no frame is available there.
func (q *Queue[T]) PeekCurrent() (val T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size-q.rindexShown <= 0 {
		var zero T
		return zero, false
	}
	return q.items[(q.rindex+q.rindexShown)%q.max], true
}

// PeekNext returns the slot one beyond PeekCurrent.
func (q *Queue[T]) PeekNext() (val T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size-q.rindexShown <= 1 {
		var zero T
		return zero, false
	}
	return q.items[(q.rindex+q.rindexShown+1)%q.max], true
}

// PeekLast returns the slot at rindex: the most recently presented frame
// when keep_last is set.
func (q *Queue[T]) PeekLast() (val T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.rindex], true
}

// Advance implements the keep_last/rindex_shown discipline: the first
// advance after a push only flips rindex_shown to 1 (the frame stays
// peekable via PeekLast, while PeekCurrent moves on to the frame after it);
// only the next advance actually frees
// the slot at rindex and moves it forward.
func (q *Queue[T]) Advance() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keepLast && q.rindexShown == 0 {
		q.rindexShown = 1
		return
	}
	var zero T
	q.items[q.rindex] = zero
	q.rindex = (q.rindex + 1) % q.max
	q.size--
	q.cond.Signal()
}

// Signal wakes every blocked PeekWritable without mutating state; used
// after an abort to guarantee no goroutine is left parked.
func (q *Queue[T]) Signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cond.Broadcast()
}
