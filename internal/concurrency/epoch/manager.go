// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides the global epoch clock and epoch-based memory
// reclamation for the transactional runtime.
//
// The manager serves three coupled roles:
//
//   - It owns the process-wide epoch counter, advanced by a background
//     goroutine. Commit TIDs embed the epoch, and the durability pipeline
//     acknowledges a commit only once its epoch is on stable storage.
//   - It tracks the start TID of every in-flight transaction and exposes
//     the minimum, which garbage collectors use as the reclamation
//     horizon.
//   - It defers frees of unlinked nodes until no transaction that could
//     still reach them remains active.
//
// # Usage Examples
//
// Tracking transactions and reclaiming memory:
//
//	m := epoch.NewManager()
//	m.Start()
//	defer m.Stop()
//
//	m.Register(startTID)
//	// ... run the transaction ...
//	m.Unregister(startTID)
//
//	// Unlink a node, then hand its memory to the manager:
//	m.DeferFree(retireTID, func() { pool.Put(node) })
//
// # Dangers and Warnings
//
//   - **Registration Order**: Each Register() call must have a corresponding Unregister() call.
//   - **Memory Leaks**: Failing to unregister transactions will stall reclamation forever.
//   - **Premature Frees**: DeferFree callbacks must only be enqueued after the node is unreachable from the structure.
//   - **Shutdown Order**: Stop the manager only after all transactions have drained.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Registration keeps the
// active set in an ordered map so the minimum is read in logarithmic
// time rather than by scanning.
package epoch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// DefaultInterval is the advancer's tick period.
const DefaultInterval = 100 * time.Millisecond

// NoActive is returned by MinActive when no transaction is in flight.
const NoActive = ^uint64(0)

type retired struct {
	tid uint64
	fn  func()
}

// Manager owns the global epoch, the active-TID registry, and the
// deferred-free queue.
type Manager struct {
	global atomic.Uint64

	mu      sync.Mutex
	active  *treemap.Map // start TID -> count of transactions
	pending []retired

	interval time.Duration
	kick     chan struct{}
	stop     atomic.Bool
	wg       sync.WaitGroup
	started  atomic.Bool
}

// NewManager creates a manager with the default tick interval. The
// epoch clock starts at 1 so epoch 0 never appears in a TID.
func NewManager() *Manager {
	return NewManagerInterval(DefaultInterval)
}

// NewManagerInterval creates a manager ticking every interval.
func NewManagerInterval(interval time.Duration) *Manager {
	m := &Manager{
		active:   treemap.NewWith(utils.UInt64Comparator),
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
	m.global.Store(1)
	return m
}

// Global returns the current epoch.
func (m *Manager) Global() uint64 {
	return m.global.Load()
}

// Advance ticks the epoch by one and runs a reclamation pass.
func (m *Manager) Advance() {
	m.global.Add(1)
	m.reclaim()
}

// Kick forces an advancer tick without waiting for the interval.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start launches the advancer goroutine.
func (m *Manager) Start() {
	if m.started.Swap(true) {
		return
	}
	m.stop.Store(false)
	m.wg.Add(1)
	go m.run()
}

// Stop halts the advancer and drains the deferred-free queue.
func (m *Manager) Stop() {
	if !m.started.Swap(false) {
		return
	}
	m.stop.Store(true)
	m.Kick()
	m.wg.Wait()
	m.drain()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for !m.stop.Load() {
		select {
		case <-ticker.C:
		case <-m.kick:
		}
		if m.stop.Load() {
			return
		}
		m.Advance()
	}
}

// Register adds a transaction's start TID to the active set.
func (m *Manager) Register(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.active.Get(tid); ok {
		m.active.Put(tid, v.(int)+1)
	} else {
		m.active.Put(tid, 1)
	}
}

// Unregister removes a transaction's start TID from the active set.
func (m *Manager) Unregister(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.active.Get(tid); ok {
		if v.(int) <= 1 {
			m.active.Remove(tid)
		} else {
			m.active.Put(tid, v.(int)-1)
		}
	}
}

// MinActive returns the smallest active start TID, or NoActive when no
// transaction is in flight. Versions below the result are invisible to
// every current and future transaction.
func (m *Manager) MinActive() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minActiveLocked()
}

func (m *Manager) minActiveLocked() uint64 {
	if m.active.Empty() {
		return NoActive
	}
	k, _ := m.active.Min()
	return k.(uint64)
}

// ActiveCount returns the number of distinct active start TIDs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Size()
}

// DeferFree schedules fn to run once every transaction with a start TID
// at or below retireTID has finished. The caller must have already
// unlinked the memory fn releases.
func (m *Manager) DeferFree(retireTID uint64, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, retired{tid: retireTID, fn: fn})
}

// reclaim runs the deferred frees whose retire TID is below the
// reclamation horizon.
func (m *Manager) reclaim() {
	m.mu.Lock()
	horizon := m.minActiveLocked()
	var ready, keep []retired
	for _, r := range m.pending {
		if r.tid < horizon {
			ready = append(ready, r)
		} else {
			keep = append(keep, r)
		}
	}
	m.pending = keep
	m.mu.Unlock()

	for _, r := range ready {
		r.fn()
	}
}

// drain runs every remaining deferred free. Called at shutdown, when no
// transaction can be active.
func (m *Manager) drain() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, r := range pending {
		r.fn()
	}
}
