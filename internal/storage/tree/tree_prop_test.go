// Licensed under the MIT License. See LICENSE file in the project root for details.

package tree

import (
	"sort"
	"testing"

	"pgregory.net/rapid"

	"github.com/kianostad/stm/internal/core"
)

// Tree contents always match a plain map driven by the same operations.
func TestTreeMatchesMapModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := core.NewEngine(nil)
		tr := New[int, int](e.Epochs())
		model := map[int]int{}

		steps := rapid.IntRange(1, 100).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			key := rapid.IntRange(0, 20).Draw(t, "key")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				val := rapid.Int().Draw(t, "val")
				err := e.Atomically(func(tx *core.Txn) error {
					return tr.Put(tx, key, val)
				})
				if err != nil {
					t.Fatalf("put: %v", err)
				}
				model[key] = val
			case 1:
				err := e.Atomically(func(tx *core.Txn) error {
					_, err := tr.Erase(tx, key)
					return err
				})
				if err != nil {
					t.Fatalf("erase: %v", err)
				}
				delete(model, key)
			case 2:
				var got int
				var ok bool
				err := e.Atomically(func(tx *core.Txn) error {
					var err error
					got, ok, err = tr.Get(tx, key)
					return err
				})
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				want, wantOK := model[key]
				if ok != wantOK || (ok && got != want) {
					t.Fatalf("get(%d) = (%d,%v), model (%d,%v)", key, got, ok, want, wantOK)
				}
			}
		}

		var keys []int
		err := e.Atomically(func(tx *core.Txn) error {
			keys = keys[:0]
			if tr.Size(tx) != int64(len(model)) {
				t.Fatalf("size = %d, model %d", tr.Size(tx), len(model))
			}
			return tr.ForEach(tx, func(k, v int) error {
				if model[k] != v {
					t.Fatalf("key %d = %d, model %d", k, v, model[k])
				}
				keys = append(keys, k)
				return nil
			})
		})
		if err != nil {
			t.Fatalf("foreach: %v", err)
		}
		if !sort.IntsAreSorted(keys) {
			t.Fatalf("iteration out of order: %v", keys)
		}
		if len(keys) != len(model) {
			t.Fatalf("visited %d keys, model has %d", len(keys), len(model))
		}
	})
}
