// Licensed under the MIT License. See LICENSE file in the project root for details.

package persist

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kianostad/stm/internal/concurrency/epoch"
	"github.com/kianostad/stm/internal/core"
)

// persister is the single goroutine that advances the system sync
// epoch: the minimum epoch every writer has made durable for every
// worker, published crash-atomically to the pepoch file.
type persister struct {
	l    *Log
	kick chan struct{}
}

func newPersister(l *Log) *persister {
	return &persister{l: l, kick: make(chan struct{}, 1)}
}

func (p *persister) poke() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer p.l.wg.Done()
	defer p.wake()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for !p.l.stop.Load() {
		select {
		case <-ticker.C:
		case <-p.kick:
		}
		p.step()
	}
	p.step()
}

// step computes min over per_thread_sync_epochs and publishes it when
// it moved. Quiesced workers are advanced to best_epoch so an idle
// worker never holds the system epoch back. best_epoch stays below the
// epoch of every registered transaction: a commit mid-install may still
// append a record stamped with its already-chosen TID.
func (p *persister) step() {
	g := p.l.epochs.Global()
	var best uint64
	if g > 0 {
		best = g - 1
	}
	if active := p.l.epochs.MinActive(); active != epoch.NoActive {
		if e := core.EpochID(active); e > 0 && e-1 < best {
			best = e - 1
		}
	}

	minSoFar := ^uint64(0)
	for i, wr := range p.l.writers {
		for _, k := range wr.assignment {
			wl := p.l.workers[k]
			if quiesced, locked := wl.quiesce(); locked {
				if quiesced {
					p.l.pte[i][k].Store(best)
				} else {
					wr.poke()
				}
			}
			if e := p.l.pte[i][k].Load(); e < minSoFar {
				minSoFar = e
			}
		}
	}
	if minSoFar == ^uint64(0) {
		return
	}

	sys := p.l.systemSyncEpoch.Load()
	if minSoFar < sys {
		panic(fmt.Sprintf("persist: sync epoch regressed from %d to %d", sys, minSoFar))
	}
	if minSoFar == sys {
		return
	}
	p.writePepoch(minSoFar)
	p.l.systemSyncEpoch.Store(minSoFar)
	p.l.metrics.RecordEpochSynced()
	p.wake()
}

func (p *persister) wake() {
	p.l.mu.Lock()
	p.l.cond.Broadcast()
	p.l.mu.Unlock()
}

// writePepoch publishes the durable epoch: write to a staging file,
// fsync, rename over pepoch.
func (p *persister) writePepoch(e uint64) {
	if p.l.opts.FakeWrites {
		return
	}
	staging := filepath.Join(p.l.opts.Root, fmt.Sprintf("persist_epoch_%d", e))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e)

	f, err := os.Create(staging)
	if err != nil {
		p.l.logger.WithError(err).WithField("file", staging).Fatal("pepoch staging create failed")
	}
	if _, err := f.Write(buf[:]); err != nil {
		p.l.logger.WithError(err).WithField("file", staging).Fatal("pepoch staging write failed")
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		p.l.logger.WithError(err).WithField("file", staging).Fatal("pepoch staging fsync failed")
	}
	if err := f.Close(); err != nil {
		p.l.logger.WithError(err).WithField("file", staging).Fatal("pepoch staging close failed")
	}
	if err := os.Rename(staging, filepath.Join(p.l.opts.Root, "pepoch")); err != nil {
		p.l.logger.WithError(err).Fatal("pepoch rename failed")
	}
}
