// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/stm/internal/concurrency/epoch"
	"github.com/kianostad/stm/internal/core"
)

const (
	// cycleLength is how many collector ticks make one garbage cycle.
	cycleLength = 10
	// gcPerFlatten is how many garbage cycles run between flatten
	// passes.
	gcPerFlatten = 1

	tickInterval = 100 * time.Millisecond
)

// collectible is the registry's view of a multiversioned object.
type collectible interface {
	collect(horizon uint64)
	flatten(horizon uint64) bool
}

// regEntry records one registered object and the TID of the committed
// write that registered it. done marks entries the flattener has fully
// settled so the next walk can drop them.
type regEntry struct {
	obj  collectible
	tid  uint64
	done bool
}

// slot is one worker's registry. Registration appends under the slot
// lock; the collector walks and compacts under the same lock.
type slot struct {
	mu      sync.Mutex
	entries []*regEntry
}

// Registry catalogs multiversioned objects per worker and runs the
// background collector that trims their chains. One garbage cycle walks
// one worker's slot; slots rotate round-robin so every object is
// visited regardless of which worker wrote it.
type Registry struct {
	epochs *epoch.Manager
	slots  []slot

	tick   uint64
	cycle  uint64
	cursor int

	isRunning  atomic.Int32
	isStopping atomic.Bool
	started    atomic.Bool
	kick       chan struct{}
	wg         sync.WaitGroup
}

// NewRegistry creates a registry with one slot per worker.
func NewRegistry(epochs *epoch.Manager, workers int) *Registry {
	if workers < 1 {
		workers = 1
	}
	return &Registry{
		epochs: epochs,
		slots:  make([]slot, workers),
		kick:   make(chan struct{}, 1),
	}
}

// register files an object under the writing worker's slot.
func (r *Registry) register(worker int, e *regEntry) {
	s := &r.slots[worker%len(r.slots)]
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// retire defers fn until every transaction running now has finished.
func (r *Registry) retire(fn func()) {
	r.epochs.DeferFree(core.MakeTID(r.epochs.Global()+1, 0), fn)
}

// Start launches the collector goroutine. Safe to call once.
func (r *Registry) Start() {
	if r.started.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop signals the collector and waits for it to finish the step in
// progress.
func (r *Registry) Stop() {
	if !r.started.Load() {
		return
	}
	r.isStopping.Store(true)
	select {
	case r.kick <- struct{}{}:
	default:
	}
	r.wg.Wait()
}

// Collect forces a full garbage cycle outside the tick schedule.
func (r *Registry) Collect() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Registry) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for !r.isStopping.Load() {
		select {
		case <-ticker.C:
			r.tick++
			if r.tick%cycleLength != 0 {
				continue
			}
		case <-r.kick:
			if r.isStopping.Load() {
				return
			}
		}
		r.cycle++
		r.walk(r.cycle%gcPerFlatten == 0)
	}
}

// horizon is the reclamation bound: no version at or above it may be
// freed. With transactions running it is the minimum active start TID;
// idle, everything committed before the current epoch is fair game.
func (r *Registry) horizon() uint64 {
	if min := r.epochs.MinActive(); min != epoch.NoActive {
		return min
	}
	return core.MakeTID(r.epochs.Global(), 0)
}

// walk runs one garbage cycle over the next slot in rotation.
func (r *Registry) walk(flattenPass bool) {
	r.isRunning.Add(1)
	defer r.isRunning.Add(-1)

	s := &r.slots[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.slots)

	horizon := r.horizon()

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if r.isStopping.Load() {
			kept = append(kept, e)
			continue
		}
		if e.done {
			continue
		}
		e.obj.collect(horizon)
		if flattenPass && e.obj.flatten(horizon) {
			e.done = true
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
}
