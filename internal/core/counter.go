// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "sync/atomic"

// counterPred is the predicate state for threshold observations: the
// transaction saw "value > threshold" equal to observed, and commit
// revalidates that truth value rather than the exact count. offset is
// the transaction's own pending delta at the moment of observation.
type counterPred struct {
	threshold int64
	offset    int64
	observed  bool
}

// Counter is a transactional numeric counter. Exact reads validate like
// any snapshot read; Add writes are blind deltas that commute with each
// other; threshold observations use the predicate path so concurrent
// deltas that do not flip the observation never force an abort.
type Counter struct {
	id      uint64
	version TVersion
	value   atomic.Int64
}

// NewCounter creates a counter starting at initial.
func NewCounter(initial int64) *Counter {
	c := &Counter{id: NextObjectID()}
	c.value.Store(initial)
	c.version.Store(IncrementValue)
	return c
}

// ObjectID implements Shared.
func (c *Counter) ObjectID() uint64 { return c.id }

// Read returns the exact counter value inside t, tracked as a snapshot
// read. Pending deltas by t itself are applied on top.
func (c *Counter) Read(t *Txn) int64 {
	it := t.Item(c, nil)
	v := c.version.Load()
	val := c.value.Load()
	it.AddRead(v)
	t.engine.metrics.RecordRead()
	if it.HasWrite() {
		val += it.WriteValue().(int64)
	}
	return val
}

// Add buffers a delta. Deltas accumulate within the transaction and
// install as one atomic addition.
func (c *Counter) Add(t *Txn, n int64) {
	it := t.Item(c, nil)
	delta := n
	if it.HasWrite() {
		delta += it.WriteValue().(int64)
	}
	it.AddWrite(delta)
	t.engine.metrics.RecordWrite()
}

// GreaterThan observes whether the counter exceeds k, as a predicate.
// The observation is revalidated at commit; the exact value is not
// tracked, so concurrent deltas that keep the comparison stable do not
// conflict.
func (c *Counter) GreaterThan(t *Txn, k int64) bool {
	it := t.Item(c, nil)
	var offset int64
	if it.HasWrite() {
		offset = it.WriteValue().(int64)
	}
	observed := c.value.Load()+offset > k
	it.SetPredicate(counterPred{threshold: k, offset: offset, observed: observed})
	return observed
}

// Positive reports whether the counter is above zero, as a predicate.
func (c *Counter) Positive(t *Txn) bool {
	return c.GreaterThan(t, 0)
}

// Lock implements Shared.
func (c *Counter) Lock(it *Item, t *Txn) bool {
	if !c.version.Lock() {
		return false
	}
	it.SetLockedVersion(c.version.Load())
	return true
}

// Check implements Shared.
func (c *Counter) Check(it *Item, t *Txn) bool {
	return c.version.Check(it.ReadVersion(), it.LockHeld())
}

// CheckPredicate implements PredicateChecker. The predicate holds when
// the comparison, evaluated against the live value plus the pending delta
// t had when it observed, still yields the observed truth value. Deltas
// added after the observation do not count against it.
func (c *Counter) CheckPredicate(it *Item, t *Txn, committing bool) bool {
	p := it.Predicate().(counterPred)
	return (c.value.Load()+p.offset > p.threshold) == p.observed
}

// Install implements Shared.
func (c *Counter) Install(it *Item, t *Txn) {
	c.value.Add(it.WriteValue().(int64))
	c.version.SetVersion(t.CommitTID())
}

// Unlock implements Shared.
func (c *Counter) Unlock(it *Item, t *Txn) {
	c.version.Unlock()
}
