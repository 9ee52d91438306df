// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"testing"

	"pgregory.net/rapid"
)

// Committed box state always equals a sequential model replay of the
// same operations.
func TestBoxMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEngine(nil)
		box := NewBox(0)
		model := 0

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			delta := rapid.IntRange(-100, 100).Draw(t, "delta")
			err := e.Atomically(func(tx *Txn) error {
				v, err := box.Read(tx)
				if err != nil {
					return err
				}
				box.Write(tx, v+delta)
				return nil
			})
			if err != nil {
				t.Fatalf("commit failed: %v", err)
			}
			model += delta
		}

		var got int
		_ = e.Atomically(func(tx *Txn) error {
			var err error
			got, err = box.Read(tx)
			return err
		})
		if got != model {
			t.Fatalf("box = %d, model = %d", got, model)
		}
	})
}

// Accumulated deltas within one transaction install as their sum.
func TestCounterDeltasAccumulate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEngine(nil)
		c := NewCounter(0)

		deltas := rapid.SliceOfN(rapid.Int64Range(-1000, 1000), 1, 20).Draw(t, "deltas")
		var want int64
		for _, d := range deltas {
			want += d
		}
		err := e.Atomically(func(tx *Txn) error {
			for _, d := range deltas {
				c.Add(tx, d)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("commit failed: %v", err)
		}

		var got int64
		_ = e.Atomically(func(tx *Txn) error {
			got = c.Read(tx)
			return nil
		})
		if got != want {
			t.Fatalf("counter = %d, want %d", got, want)
		}
	})
}
