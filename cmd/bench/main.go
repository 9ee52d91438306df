// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main benchmarks the transactional runtime under different
// workloads and configurations.
//
// # Benchmark Categories
//
//   - Single-threaded cell updates (baseline commit cost)
//   - Counter contention (blind increments from many writers)
//   - Tree fills and lookups (structural commit cost)
//   - Concurrent tree workers (conflict and retry behavior)
//   - Multiversion snapshot reads against a writer
//   - Durable commits with fake writes (pipeline overhead)
//
// # Usage
//
// Run all benchmarks:
//
//	go run ./cmd/bench
//
// # Dangers and Warnings
//
//   - Results are system-dependent; compare runs on the same host.
//   - The durable benchmark writes bookkeeping only (fake_writes), so
//     it measures pipeline coordination, not disk bandwidth.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kianostad/stm"
)

func main() {
	fmt.Println("STM Runtime Benchmarks")
	fmt.Println("======================")

	benchmarkBoxUpdates()
	benchmarkCounterContention()
	benchmarkTreeFill()
	benchmarkTreeWorkers()
	benchmarkSnapshotReads()
	benchmarkDurableCommits()
}

func report(name string, ops int, d time.Duration) {
	fmt.Printf("   %s: %d ops in %v (%.0f ops/sec)\n", name, ops, d, float64(ops)/d.Seconds())
}

func benchmarkBoxUpdates() {
	fmt.Println("\n1. Single-threaded cell updates")
	rt := stm.OpenDefault()
	defer rt.Close()

	box := stm.NewBox(0)
	const ops = 200000
	start := time.Now()
	for i := 0; i < ops; i++ {
		_ = rt.Atomically(func(t *stm.Txn) error {
			v, err := box.Read(t)
			if err != nil {
				return err
			}
			box.Write(t, v+1)
			return nil
		})
	}
	report("read-modify-write", ops, time.Since(start))
}

func benchmarkCounterContention() {
	fmt.Println("\n2. Counter contention")
	rt := stm.OpenDefault()
	defer rt.Close()

	c := stm.NewCounter(0)
	const goroutines = 8
	const perG = 20000

	start := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				_ = rt.Atomically(func(t *stm.Txn) error {
					c.Add(t, 1)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	report(fmt.Sprintf("%d writers", goroutines), goroutines*perG, time.Since(start))

	s := rt.Metrics()
	fmt.Printf("   commits=%d aborts=%d\n", s.Commits, s.Aborts)
}

func benchmarkTreeFill() {
	fmt.Println("\n3. Tree fill and lookup")
	rt := stm.OpenDefault()
	defer rt.Close()

	tree := stm.NewTree[int, int](rt)
	const keys = 100000

	start := time.Now()
	for i := 0; i < keys; i++ {
		_ = rt.Atomically(func(t *stm.Txn) error {
			return tree.Put(t, i, i)
		})
	}
	report("put", keys, time.Since(start))

	start = time.Now()
	for i := 0; i < keys; i++ {
		_ = rt.Atomically(func(t *stm.Txn) error {
			_, _, err := tree.Get(t, i)
			return err
		})
	}
	report("get", keys, time.Since(start))
}

func benchmarkTreeWorkers() {
	fmt.Println("\n4. Concurrent tree workers")
	rt := stm.OpenDefault()
	defer rt.Close()

	tree := stm.NewTree[int, int](rt)
	const goroutines = 8
	const perG = 10000

	start := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				key := base*perG + i
				_ = rt.Atomically(func(t *stm.Txn) error {
					if err := tree.Put(t, key, key); err != nil {
						return err
					}
					_, err := tree.Erase(t, key-1)
					return err
				})
			}
		}(g)
	}
	wg.Wait()
	report(fmt.Sprintf("%d workers put+erase", goroutines), goroutines*perG, time.Since(start))

	s := rt.Metrics()
	fmt.Printf("   commits=%d aborts=%d\n", s.Commits, s.Aborts)
}

func benchmarkSnapshotReads() {
	fmt.Println("\n5. Multiversion snapshot reads")
	rt := stm.OpenDefault()
	defer rt.Close()

	obj := stm.NewMvObject[int](rt)
	_ = rt.Atomically(func(t *stm.Txn) error {
		obj.Write(t, 0)
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 1000; i++ {
			_ = rt.Atomically(func(t *stm.Txn) error {
				obj.Write(t, i)
				return nil
			})
		}
	}()

	const reads = 500000
	start := time.Now()
	for i := 0; i < reads; i++ {
		_ = rt.Atomically(func(t *stm.Txn) error {
			obj.Read(t)
			return nil
		})
	}
	report("snapshot read", reads, time.Since(start))
	<-done
}

func benchmarkDurableCommits() {
	fmt.Println("\n6. Durable commits (fake writes)")
	dir, err := os.MkdirTemp("", "stm-bench-")
	if err != nil {
		fmt.Println("   skipped:", err)
		return
	}
	defer os.RemoveAll(dir)

	cfg := stm.DefaultConfig()
	cfg.NWorkers = 4
	cfg.RootFolder = dir
	cfg.LogFiles = []string{dir + "/log0/"}
	cfg.FakeWrites = true
	rt, err := stm.Open(cfg)
	if err != nil {
		fmt.Println("   skipped:", err)
		return
	}
	defer rt.Close()

	tree := stm.NewTreeCodec[uint64, uint64](rt, u64Codec{})
	const goroutines = 4
	const perG = 5000

	start := time.Now()
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := rt.Worker(id)
			for i := 0; i < perG; i++ {
				key := uint64(id*perG + i)
				_ = w.Atomically(func(t *stm.Txn) error {
					return tree.Put(t, key, key)
				})
			}
		}(g)
	}
	wg.Wait()
	report("durable put", goroutines*perG, time.Since(start))

	s := rt.Metrics()
	fmt.Printf("   log records=%d bytes=%d durable waits=%d\n", s.LogRecords, s.LogBytes, s.DurableWaits)
}

// u64Codec encodes keys and values as 8-byte big-endian words.
type u64Codec struct{}

func (u64Codec) EncodeKey(k uint64) []byte   { return binary.BigEndian.AppendUint64(nil, k) }
func (u64Codec) EncodeValue(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }
