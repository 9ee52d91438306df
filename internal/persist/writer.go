// Licensed under the MIT License. See LICENSE file in the project root for details.

package persist

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kianostad/stm/internal/core"
)

// writer owns one log file and drains the ready buffers of its assigned
// workers into vectored writes.
type writer struct {
	l          *Log
	id         int
	prefix     string
	assignment []int

	f    *os.File
	kick chan struct{}

	// firstEpoch is the newest epoch of the first batch written to the
	// active file, for rotation accounting. Zero until that batch lands.
	firstEpoch uint64
}

func newWriter(l *Log, id int, prefix string, assignment []int) (*writer, error) {
	w := &writer{
		l:          l,
		id:         id,
		prefix:     prefix,
		assignment: assignment,
		kick:       make(chan struct{}, 1),
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *writer) activePath() string { return w.prefix + "data.log" }

func (w *writer) openActive() error {
	if w.l.opts.FakeWrites {
		return nil
	}
	path := w.activePath()
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "persist: create log dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "persist: open log file %s", path)
	}
	w.f = f
	return nil
}

func (w *writer) close() {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
}

func (w *writer) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer w.l.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for !w.l.stop.Load() {
		select {
		case <-ticker.C:
		case <-w.kick:
		}
		w.flush()
	}
	w.flush()
	w.sync()
}

// flush drains each assigned worker's eligible buffers into one or more
// writev batches, then records the reached epoch per worker.
func (w *writer) flush() {
	bound := w.l.systemSyncEpoch.Load() + 1 + w.l.opts.MaxLagEpochs

	var maxEpoch uint64
	for _, k := range w.assignment {
		wl := w.l.workers[k]
		bufs := wl.takeEligible(bound)
		if len(bufs) == 0 {
			continue
		}
		w.write(bufs)
		last := core.EpochID(bufs[len(bufs)-1].lastTID)
		w.l.pte[w.id][k].Store(last - 1)
		wl.recycle(bufs)
		if last > maxEpoch {
			maxEpoch = last
		}
	}
	if maxEpoch == 0 {
		return
	}
	if w.l.opts.CallFsync {
		w.sync()
	}
	if w.firstEpoch == 0 {
		w.firstEpoch = maxEpoch
	}
	if maxEpoch-w.firstEpoch > w.l.opts.RotationEpochs {
		w.rotate(maxEpoch)
	}
}

// write issues the buffers as vectored writes, at most iovMax segments
// per syscall.
func (w *writer) write(bufs []*buffer) {
	if w.l.opts.FakeWrites {
		return
	}
	for start := 0; start < len(bufs); start += iovMax {
		end := start + iovMax
		if end > len(bufs) {
			end = len(bufs)
		}
		iovs := make([][]byte, 0, end-start)
		total := 0
		for _, b := range bufs[start:end] {
			iovs = append(iovs, b.data)
			total += len(b.data)
		}
		w.writev(iovs, total)
	}
}

func (w *writer) writev(iovs [][]byte, total int) {
	for total > 0 {
		n, err := unix.Writev(int(w.f.Fd()), iovs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			w.l.logger.WithError(err).WithField("file", w.activePath()).Fatal("log writev failed")
		}
		total -= n
		for n > 0 {
			if n >= len(iovs[0]) {
				n -= len(iovs[0])
				iovs = iovs[1:]
			} else {
				iovs[0] = iovs[0][n:]
				n = 0
			}
		}
	}
}

func (w *writer) sync() {
	if w.l.opts.FakeWrites || w.f == nil {
		return
	}
	if err := unix.Fsync(int(w.f.Fd())); err != nil {
		w.l.logger.WithError(err).WithField("file", w.activePath()).Fatal("log fsync failed")
	}
}

// rotate archives the active file under an epoch-stamped name and
// reopens a fresh one.
func (w *writer) rotate(epochID uint64) {
	if w.l.opts.FakeWrites {
		w.firstEpoch = 0
		return
	}
	w.sync()
	w.close()
	archive := w.prefix + "old_data" + strconv.FormatUint(epochID, 10)
	if err := os.Rename(w.activePath(), archive); err != nil {
		w.l.logger.WithError(err).WithField("file", w.activePath()).Fatal("log rotation rename failed")
	}
	if err := w.openActive(); err != nil {
		w.l.logger.WithError(err).Fatal("log rotation reopen failed")
	}
	w.firstEpoch = 0
	w.l.logger.WithFields(logrus.Fields{
		"archive": archive,
		"epoch":   epochID,
	}).Info("rotated log file")
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
