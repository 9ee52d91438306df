// Licensed under the MIT License. See LICENSE file in the project root for details.

package persist

import (
	"github.com/kianostad/stm/internal/concurrency/spinlock"
	"github.com/kianostad/stm/internal/core"
)

// workerLog is one worker's log context: the buffer being filled, the
// ready queue awaiting I/O, and the scratch pool of reset buffers. The
// spinlock covers every queue move; the persister acquires it with
// bounded attempts so it never stalls behind a busy worker.
type workerLog struct {
	id int

	mu      spinlock.SpinLock
	cur     *buffer
	ready   []*buffer
	scratch []*buffer

	// inflight counts buffers handed to a writer iovec and not yet
	// recycled. A worker is quiesced only when cur, ready, and the
	// iovec are all empty; otherwise the persister could advance past
	// records still waiting on writev.
	inflight int
}

func newWorkerLog(id, bufSize, depth int) *workerLog {
	w := &workerLog{id: id}
	w.cur = newBuffer(bufSize, id)
	for i := 1; i < depth; i++ {
		w.scratch = append(w.scratch, newBuffer(bufSize, id))
	}
	return w
}

// append packs one commit record into the current buffer, sealing it to
// the ready queue first when the record does not fit. Records larger
// than the ring's buffer size get a bespoke buffer of exact size.
func (w *workerLog) append(tid uint64, writes []core.LogEntry, bufSize int) int {
	n := recordSize(writes)
	w.mu.Lock()
	if !w.cur.room(n) {
		w.sealLocked(headerSize + n)
	}
	w.cur.appendRecord(tid, writes)
	w.mu.Unlock()
	return n
}

// sealLocked moves a non-empty current buffer to the ready queue and
// installs a fresh one of at least want bytes.
func (w *workerLog) sealLocked(want int) {
	if !w.cur.empty() {
		w.ready = append(w.ready, w.cur)
		w.cur = nil
	}
	for w.cur == nil && len(w.scratch) > 0 {
		last := len(w.scratch) - 1
		b := w.scratch[last]
		w.scratch[last] = nil
		w.scratch = w.scratch[:last]
		if cap(b.data) >= want {
			w.cur = b
		}
	}
	if w.cur == nil {
		w.cur = newBuffer(want, w.id)
	}
}

// takeEligible pops the prefix of ready buffers whose last commit falls
// below the epoch bound and hands them to the writer. Popped buffers
// are marked scheduled and belong to the writer's iovec until recycle.
func (w *workerLog) takeEligible(epochBound uint64) []*buffer {
	w.mu.Lock()
	var taken []*buffer
	for len(w.ready) > 0 {
		b := w.ready[0]
		if b.ioScheduled || core.EpochID(b.lastTID) >= epochBound {
			break
		}
		b.ioScheduled = true
		taken = append(taken, b)
		w.ready = w.ready[1:]
	}
	w.inflight += len(taken)
	w.mu.Unlock()
	return taken
}

// recycle resets written buffers and returns them to the scratch pool.
func (w *workerLog) recycle(bufs []*buffer) {
	w.mu.Lock()
	for _, b := range bufs {
		b.reset()
		w.scratch = append(w.scratch, b)
	}
	w.inflight -= len(bufs)
	w.mu.Unlock()
}

// quiesce is the persister's probe. With bounded lock attempts it seals
// a partially filled current buffer so the writer picks it up, then
// reports whether the worker is fully drained. locked is false when the
// worker held its spinlock through all attempts.
func (w *workerLog) quiesce() (quiesced, locked bool) {
	if !w.mu.TryLockN(3) {
		return false, false
	}
	if !w.cur.empty() {
		w.sealLocked(cap(w.cur.data))
	}
	quiesced = len(w.ready) == 0 && w.inflight == 0
	w.mu.Unlock()
	return quiesced, true
}
