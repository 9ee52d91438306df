// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/stm/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func chainLen[T any](o *MvObject[T]) int {
	n := 0
	for v := o.head.Load(); v != nil; v = v.next.Load() {
		n++
	}
	return n
}

func TestMvObjectSnapshots(t *testing.T) {
	Convey("Given an engine and a multiversion object", t, func() {
		e := core.NewEngine(nil)
		obj := NewMvObject[string](nil)

		Convey("An empty object reads as absent", func() {
			_, ok := obj.Latest()
			So(ok, ShouldBeFalse)

			err := e.Atomically(func(tx *core.Txn) error {
				_, ok := obj.Read(tx)
				So(ok, ShouldBeFalse)
				return nil
			})
			So(err, ShouldBeNil)
		})

		Convey("When two versions are committed in sequence", func() {
			So(e.Atomically(func(tx *core.Txn) error {
				obj.Write(tx, "first")
				return nil
			}), ShouldBeNil)

			var between uint64
			_ = e.Atomically(func(tx *core.Txn) error {
				between = tx.StartTID()
				return nil
			})

			So(e.Atomically(func(tx *core.Txn) error {
				obj.Write(tx, "second")
				return nil
			}), ShouldBeNil)

			Convey("Latest sees the newest version", func() {
				v, ok := obj.Latest()
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "second")
			})

			Convey("A snapshot between the commits sees the first", func() {
				v, ok := obj.ReadAt(between)
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "first")
			})

			Convey("The chain holds both versions", func() {
				So(chainLen(obj), ShouldEqual, 2)
			})
		})

		Convey("A transaction reads its own pending write", func() {
			err := e.Atomically(func(tx *core.Txn) error {
				obj.Write(tx, "pending")
				v, ok := obj.Read(tx)
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, "pending")
				return nil
			})
			So(err, ShouldBeNil)
		})
	})
}

func TestMvObjectTombstones(t *testing.T) {
	Convey("Given an object with one committed value", t, func() {
		e := core.NewEngine(nil)
		obj := NewMvObject[int](nil)

		So(e.Atomically(func(tx *core.Txn) error {
			obj.Write(tx, 42)
			return nil
		}), ShouldBeNil)

		var before uint64
		_ = e.Atomically(func(tx *core.Txn) error {
			before = tx.StartTID()
			return nil
		})

		Convey("When it is deleted", func() {
			So(e.Atomically(func(tx *core.Txn) error {
				obj.Delete(tx)
				return nil
			}), ShouldBeNil)

			Convey("Latest reads as absent", func() {
				_, ok := obj.Latest()
				So(ok, ShouldBeFalse)
			})

			Convey("A snapshot from before the delete still sees the value", func() {
				v, ok := obj.ReadAt(before)
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, 42)
			})

			Convey("A delete inside a transaction hides the value from itself", func() {
				err := e.Atomically(func(tx *core.Txn) error {
					obj.Write(tx, 7)
					obj.Delete(tx)
					_, ok := obj.Read(tx)
					So(ok, ShouldBeFalse)
					return nil
				})
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestMvObjectReadersNeverBlockWriter(t *testing.T) {
	e := core.NewEngine(nil)
	obj := NewMvObject[int](nil)

	_ = e.Atomically(func(tx *core.Txn) error {
		obj.Write(tx, 0)
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 500; i++ {
			_ = e.Atomically(func(tx *core.Txn) error {
				obj.Write(tx, i)
				return nil
			})
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := -1
			for i := 0; i < 2000; i++ {
				_ = e.Atomically(func(tx *core.Txn) error {
					v, ok := obj.Read(tx)
					if !ok {
						t.Error("value disappeared")
						return nil
					}
					if v < prev {
						t.Errorf("snapshot went backwards: %d after %d", v, prev)
					}
					prev = v
					return nil
				})
			}
		}()
	}
	wg.Wait()
	<-done

	v, ok := obj.Latest()
	if !ok || v != 500 {
		t.Fatalf("latest = (%d,%v), want (500,true)", v, ok)
	}
}

func TestRegistryReclaimsOldVersions(t *testing.T) {
	Convey("Given a registry-backed object with a long chain", t, func() {
		e := core.NewEngine(nil)
		reg := NewRegistry(e.Epochs(), 1)
		obj := NewMvObject[int](reg)

		for i := 0; i < 20; i++ {
			So(e.Atomically(func(tx *core.Txn) error {
				obj.Write(tx, i)
				return nil
			}), ShouldBeNil)
		}
		So(chainLen(obj), ShouldBeGreaterThan, 1)

		Convey("With no active transactions, collection trims to one version", func() {
			e.Epochs().Advance()
			horizon := core.MakeTID(e.Epochs().Global(), 0)
			obj.collect(horizon)

			So(chainLen(obj), ShouldEqual, 1)
			v, ok := obj.Latest()
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 19)
		})

		Convey("An active snapshot pins the versions it can see", func() {
			var pin uint64
			_ = e.Atomically(func(tx *core.Txn) error {
				pin = tx.StartTID()
				return nil
			})

			So(e.Atomically(func(tx *core.Txn) error {
				obj.Write(tx, 99)
				return nil
			}), ShouldBeNil)

			obj.collect(pin)

			v, ok := obj.ReadAt(pin)
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 19)

			v, ok = obj.Latest()
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 99)
		})
	})
}

func TestRegistryCollectorEndToEnd(t *testing.T) {
	e := core.NewEngine(nil)
	e.Start()
	defer e.Stop()

	reg := NewRegistry(e.Epochs(), 2)
	reg.Start()
	defer reg.Stop()

	obj := NewMvObject[int](reg)
	for i := 0; i < 50; i++ {
		_ = e.Atomically(func(tx *core.Txn) error {
			obj.Write(tx, i)
			return nil
		})
	}

	reg.Collect()

	v, ok := obj.Latest()
	if !ok || v != 49 {
		t.Fatalf("latest = (%d,%v), want (49,true)", v, ok)
	}
}

func TestFlattenCollapsesLoneTombstone(t *testing.T) {
	e := core.NewEngine(nil)
	obj := NewMvObject[int](nil)

	_ = e.Atomically(func(tx *core.Txn) error {
		obj.Write(tx, 1)
		return nil
	})
	_ = e.Atomically(func(tx *core.Txn) error {
		obj.Delete(tx)
		return nil
	})

	e.Epochs().Advance()
	horizon := core.MakeTID(e.Epochs().Global(), 0)
	obj.collect(horizon)

	if !obj.flatten(horizon) {
		t.Fatal("flatten should report the object drained")
	}
	if obj.head.Load() != nil {
		t.Fatal("tombstone base should be unlinked")
	}
	if _, ok := obj.Latest(); ok {
		t.Fatal("drained object should read as absent")
	}
}
