// Licensed under the MIT License. See LICENSE file in the project root for details.

package persist

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kianostad/stm/internal/core"
)

// ReadPepoch returns the durable epoch recorded on disk, or zero when
// no pepoch file exists yet.
func ReadPepoch(root string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(root, "pepoch"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "persist: read pepoch")
	}
	if len(data) != 8 {
		return 0, errors.Errorf("persist: pepoch has %d bytes, want 8", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// ReadLog replays a log file's commit records in file order, calling fn
// for each. Buffers are concatenated back to back, so headers are read
// sequentially until EOF.
func ReadLog(path string, fn func(tid uint64, writes []core.LogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "persist: open log %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		nentries, err := readU64(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "persist: read buffer header in %s", path)
		}
		if _, err := readU64(r); err != nil {
			return errors.Wrapf(err, "persist: read buffer header in %s", path)
		}
		for i := uint64(0); i < nentries; i++ {
			tid, writes, err := readRecord(r)
			if err != nil {
				return errors.Wrapf(err, "persist: read record in %s", path)
			}
			if err := fn(tid, writes); err != nil {
				return err
			}
		}
	}
}

func readRecord(r *bufio.Reader) (uint64, []core.LogEntry, error) {
	tid, err := readU64(r)
	if err != nil {
		return 0, nil, err
	}
	var nw [4]byte
	if _, err := io.ReadFull(r, nw[:]); err != nil {
		return 0, nil, err
	}
	nwrites := binary.LittleEndian.Uint32(nw[:])
	writes := make([]core.LogEntry, 0, nwrites)
	for i := uint32(0); i < nwrites; i++ {
		key, err := readBlob(r)
		if err != nil {
			return 0, nil, err
		}
		val, err := readBlob(r)
		if err != nil {
			return 0, nil, err
		}
		writes = append(writes, core.LogEntry{Key: key, Val: val})
	}
	return tid, writes, nil
}

func readU64(r *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readBlob(r *bufio.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
