// Licensed under the MIT License. See LICENSE file in the project root for details.

package persist

import (
	"encoding/binary"

	"github.com/kianostad/stm/internal/core"
)

// headerSize is the on-disk buffer header: u64 nentries, u64 last_tid.
const headerSize = 16

// buffer is one log buffer: a header followed by packed commit records.
// Buffers flow scratch pool -> worker fills -> ready queue -> writer
// iovec -> reset -> scratch pool. ioScheduled guards against a buffer
// being scheduled into two iovecs.
type buffer struct {
	data        []byte
	nentries    uint64
	lastTID     uint64
	ioScheduled bool
	worker      int
}

func newBuffer(size, worker int) *buffer {
	b := &buffer{
		data:   make([]byte, headerSize, size),
		worker: worker,
	}
	return b
}

func (b *buffer) reset() {
	b.data = b.data[:headerSize]
	clear(b.data[:headerSize])
	b.nentries = 0
	b.lastTID = 0
	b.ioScheduled = false
}

func (b *buffer) empty() bool { return b.nentries == 0 }

// room reports whether n more payload bytes fit without growing.
func (b *buffer) room(n int) bool {
	return len(b.data)+n <= cap(b.data)
}

// recordSize is the encoded size of one commit record:
// u64 commit_tid, u32 nwrites, then u64 klen, key, u64 vlen, val per
// write.
func recordSize(writes []core.LogEntry) int {
	n := 8 + 4
	for _, w := range writes {
		n += 8 + len(w.Key) + 8 + len(w.Val)
	}
	return n
}

// appendRecord packs one commit record and refreshes the header. The
// caller has checked room.
func (b *buffer) appendRecord(tid uint64, writes []core.LogEntry) {
	b.data = binary.LittleEndian.AppendUint64(b.data, tid)
	b.data = binary.LittleEndian.AppendUint32(b.data, uint32(len(writes)))
	for _, w := range writes {
		b.data = binary.LittleEndian.AppendUint64(b.data, uint64(len(w.Key)))
		b.data = append(b.data, w.Key...)
		b.data = binary.LittleEndian.AppendUint64(b.data, uint64(len(w.Val)))
		b.data = append(b.data, w.Val...)
	}
	b.nentries++
	b.lastTID = tid
	binary.LittleEndian.PutUint64(b.data[0:8], b.nentries)
	binary.LittleEndian.PutUint64(b.data[8:16], b.lastTID)
}
