// Licensed under the MIT License. See LICENSE file in the project root for details.

package stm_test

import (
	"encoding/binary"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kianostad/stm"
	"github.com/kianostad/stm/internal/persist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seed(t *testing.T, rt *stm.Runtime, tr *stm.Tree[int, int]) {
	t.Helper()
	err := rt.Atomically(func(tx *stm.Txn) error {
		for _, k := range []int{1, 2, 3} {
			if err := tr.Put(tx, k, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func treeKeys(t *testing.T, rt *stm.Runtime, tr *stm.Tree[int, int]) map[int]int {
	t.Helper()
	out := map[int]int{}
	err := rt.Atomically(func(tx *stm.Txn) error {
		clear(out)
		return tr.ForEach(tx, func(k, v int) error {
			out[k] = v
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func sameKeys(got map[int]int, want ...int) bool {
	if len(got) != len(want) {
		return false
	}
	for _, k := range want {
		if _, ok := got[k]; !ok {
			return false
		}
	}
	return true
}

// A writer of keys 55 and 57 and a reader of the absent key 58 both
// commit when the reader finishes first.
func TestConcurrentDisjointWrites(t *testing.T) {
	rt := stm.OpenDefault()
	defer rt.Close()
	tr := stm.NewTree[int, int](rt)
	seed(t, rt, tr)

	t1Buffered := make(chan struct{})
	t2Done := make(chan struct{})

	var t1Attempts atomic.Int64
	t1Err := make(chan error, 1)
	go func() {
		t1Err <- rt.Atomically(func(tx *stm.Txn) error {
			first := t1Attempts.Add(1) == 1
			if err := tr.Put(tx, 55, 56); err != nil {
				return err
			}
			if err := tr.Put(tx, 57, 58); err != nil {
				return err
			}
			if first {
				close(t1Buffered)
				<-t2Done
			}
			return nil
		})
	}()

	<-t1Buffered
	err := rt.Atomically(func(tx *stm.Txn) error {
		_, ok, err := tr.Get(tx, 58)
		if err != nil {
			return err
		}
		if ok {
			t.Error("key 58 should be absent")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	close(t2Done)
	if err := <-t1Err; err != nil {
		t.Fatal(err)
	}

	if got := treeKeys(t, rt, tr); !sameKeys(got, 1, 2, 3, 55, 57) {
		t.Fatalf("post-state = %v, want keys {1,2,3,55,57}", got)
	}
}

// A reader that witnessed a key's presence fails validation after a
// concurrent erase commits, then retries against the new state.
func TestEraseInvalidatesCountedRead(t *testing.T) {
	rt := stm.OpenDefault()
	defer rt.Close()
	tr := stm.NewTree[int, int](rt)
	seed(t, rt, tr)

	t2Read := make(chan struct{})
	t1Done := make(chan struct{})

	var attempts atomic.Int64
	var retryCount int
	t2Err := make(chan error, 1)
	go func() {
		t2Err <- rt.Atomically(func(tx *stm.Txn) error {
			n, err := tr.Count(tx, 1)
			if err != nil {
				return err
			}
			if attempts.Add(1) == 1 {
				if n != 1 {
					t.Errorf("first attempt count(1) = %d, want 1", n)
				}
				close(t2Read)
				<-t1Done
			} else {
				retryCount = n
			}
			return nil
		})
	}()

	<-t2Read
	err := rt.Atomically(func(tx *stm.Txn) error {
		n, err := tr.Count(tx, 1)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("count(1) = %d, want 1", n)
		}
		removed, err := tr.Erase(tx, 1)
		if err != nil {
			return err
		}
		if removed != 1 {
			t.Errorf("erase(1) = %d, want 1", removed)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	close(t1Done)
	if err := <-t2Err; err != nil {
		t.Fatal(err)
	}

	if attempts.Load() < 2 {
		t.Fatalf("reader committed without revalidating, attempts = %d", attempts.Load())
	}
	if retryCount != 0 {
		t.Fatalf("retry count(1) = %d, want 0", retryCount)
	}
	if got := treeKeys(t, rt, tr); !sameKeys(got, 2, 3) {
		t.Fatalf("post-state = %v, want keys {2,3}", got)
	}
}

// Two erases of the same key: the loser's erase is invalidated and its
// retry finds nothing to remove.
func TestEraseEraseConflict(t *testing.T) {
	rt := stm.OpenDefault()
	defer rt.Close()
	tr := stm.NewTree[int, int](rt)
	seed(t, rt, tr)

	t1Erased := make(chan struct{})
	t2Done := make(chan struct{})

	var attempts atomic.Int64
	var retryRemoved = -1
	t1Err := make(chan error, 1)
	go func() {
		t1Err <- rt.Atomically(func(tx *stm.Txn) error {
			removed, err := tr.Erase(tx, 1)
			if err != nil {
				return err
			}
			if attempts.Add(1) == 1 {
				if removed != 1 {
					t.Errorf("first attempt erase(1) = %d, want 1", removed)
				}
				// Counting a committed key erased by this transaction
				// still reports presence until the erase installs.
				n, err := tr.Count(tx, 1)
				if err != nil {
					return err
				}
				if n != 1 {
					t.Errorf("count after pending erase = %d, want 1", n)
				}
				close(t1Erased)
				<-t2Done
			} else {
				retryRemoved = removed
			}
			return nil
		})
	}()

	<-t1Erased
	err := rt.Atomically(func(tx *stm.Txn) error {
		removed, err := tr.Erase(tx, 1)
		if err != nil {
			return err
		}
		if removed != 1 {
			t.Errorf("erase(1) = %d, want 1", removed)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	close(t2Done)
	if err := <-t1Err; err != nil {
		t.Fatal(err)
	}

	if attempts.Load() < 2 {
		t.Fatalf("loser committed without revalidating, attempts = %d", attempts.Load())
	}
	if retryRemoved != 0 {
		t.Fatalf("retry erase(1) = %d, want 0", retryRemoved)
	}
	if got := treeKeys(t, rt, tr); !sameKeys(got, 2, 3) {
		t.Fatalf("post-state = %v, want keys {2,3}", got)
	}
}

// Insert, erase, and reinsert of one key inside a single transaction.
func TestInsertEraseReinsertWithinTxn(t *testing.T) {
	rt := stm.OpenDefault()
	defer rt.Close()
	tr := stm.NewTree[int, int](rt)
	seed(t, rt, tr)

	err := rt.Atomically(func(tx *stm.Txn) error {
		if err := tr.Put(tx, 5, 5); err != nil {
			return err
		}
		if err := tr.Put(tx, 4, 4); err != nil {
			return err
		}
		if n, _ := tr.Count(tx, 4); n != 1 {
			t.Errorf("count(4) = %d, want 1", n)
		}
		if removed, _ := tr.Erase(tx, 4); removed != 1 {
			t.Errorf("erase(4) = %d, want 1", removed)
		}
		if n, _ := tr.Count(tx, 4); n != 0 {
			t.Errorf("count(4) after erase = %d, want 0", n)
		}
		if removed, _ := tr.Erase(tx, 4); removed != 0 {
			t.Errorf("second erase(4) = %d, want 0", removed)
		}
		if err := tr.Put(tx, 4, 44); err != nil {
			return err
		}
		v, ok, err := tr.Get(tx, 4)
		if err != nil {
			return err
		}
		if !ok || v != 44 {
			t.Errorf("get(4) = (%d,%v), want (44,true)", v, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got := treeKeys(t, rt, tr)
	if !sameKeys(got, 1, 2, 3, 4, 5) {
		t.Fatalf("post-state = %v, want keys {1,2,3,4,5}", got)
	}
	if got[4] != 44 {
		t.Fatalf("tree[4] = %d, want 44", got[4])
	}
}

// Two transactions that both observed an empty gap race their inserts
// into it; the second committer aborts and retries.
func TestPhantomInsertRace(t *testing.T) {
	rt := stm.OpenDefault()
	defer rt.Close()
	tr := stm.NewTree[int, int](rt)
	seed(t, rt, tr)

	t1Read := make(chan struct{})
	t2Read := make(chan struct{})

	var t1Attempts, t2Attempts atomic.Int64
	run := func(arrived chan struct{}, other <-chan struct{}, attempts *atomic.Int64, key int) error {
		return rt.Atomically(func(tx *stm.Txn) error {
			n, err := tr.Count(tx, 4)
			if err != nil {
				return err
			}
			if attempts.Add(1) == 1 {
				if n != 0 {
					t.Errorf("count(4) = %d before any insert, want 0", n)
				}
				close(arrived)
				<-other
			}
			return tr.Put(tx, key, key)
		})
	}

	errs := make(chan error, 2)
	go func() { errs <- run(t1Read, t2Read, &t1Attempts, 5) }()
	go func() { errs <- run(t2Read, t1Read, &t2Attempts, 4) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	if t1Attempts.Load()+t2Attempts.Load() < 3 {
		t.Fatalf("no committer aborted, attempts = %d + %d",
			t1Attempts.Load(), t2Attempts.Load())
	}
	if got := treeKeys(t, rt, tr); !sameKeys(got, 1, 2, 3, 4, 5) {
		t.Fatalf("post-state = %v, want keys {1,2,3,4,5}", got)
	}
}

type u64Codec struct{}

func (u64Codec) EncodeKey(k uint64) []byte   { return binary.BigEndian.AppendUint64(nil, k) }
func (u64Codec) EncodeValue(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

// A durable commit is acknowledged only once its epoch is covered by
// the on-disk pepoch marker.
func TestDurableCommitPersistsEpoch(t *testing.T) {
	dir := t.TempDir()
	cfg := stm.DefaultConfig()
	cfg.NWorkers = 1
	cfg.RootFolder = dir
	cfg.LogFiles = []string{filepath.Join(dir, "log0") + "/"}

	rt, err := stm.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tree := stm.NewTreeCodec[uint64, uint64](rt, u64Codec{})
	w := rt.Worker(0)
	if err := w.Atomically(func(tx *stm.Txn) error {
		return tree.Put(tx, 7, 7)
	}); err != nil {
		t.Fatal(err)
	}

	acked := rt.DurableEpoch()
	if acked == 0 {
		t.Fatal("commit acknowledged with durable epoch 0")
	}

	time.Sleep(300 * time.Millisecond)

	onDisk, err := persist.ReadPepoch(dir)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk < acked {
		t.Fatalf("pepoch on disk = %d, below acknowledged epoch %d", onDisk, acked)
	}

	rt.Close()

	records := 0
	err = persist.ReadLog(filepath.Join(dir, "log0", "data.log"), func(tid uint64, writes []stm.LogEntry) error {
		records++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if records != 1 {
		t.Fatalf("log holds %d records, want 1", records)
	}
}
