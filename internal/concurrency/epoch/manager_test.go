// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tid stamps epoch e into the TID layout the engine uses.
func tid(e uint64) uint64 { return e << 32 }

func TestManagerRegistry(t *testing.T) {
	Convey("Given a new epoch manager", t, func() {
		m := NewManager()

		Convey("Initially nothing is active", func() {
			So(m.MinActive(), ShouldEqual, NoActive)
			So(m.ActiveCount(), ShouldEqual, 0)
		})

		Convey("When registering TID 10", func() {
			m.Register(10)

			Convey("MinActive is 10", func() {
				So(m.MinActive(), ShouldEqual, 10)
				So(m.ActiveCount(), ShouldEqual, 1)
			})

			Convey("When registering a smaller TID", func() {
				m.Register(5)
				So(m.MinActive(), ShouldEqual, 5)
				So(m.ActiveCount(), ShouldEqual, 2)

				Convey("Unregistering the larger leaves the smaller", func() {
					m.Unregister(10)
					So(m.MinActive(), ShouldEqual, 5)

					m.Unregister(5)
					So(m.MinActive(), ShouldEqual, NoActive)
					So(m.ActiveCount(), ShouldEqual, 0)
				})
			})
		})

		Convey("Duplicate registrations are reference counted", func() {
			m.Register(10)
			m.Register(10)
			So(m.ActiveCount(), ShouldEqual, 1)

			m.Unregister(10)
			So(m.MinActive(), ShouldEqual, 10)

			m.Unregister(10)
			So(m.MinActive(), ShouldEqual, NoActive)
		})
	})
}

func TestManagerAdvance(t *testing.T) {
	Convey("Given a manager", t, func() {
		m := NewManager()
		start := m.Global()
		So(start, ShouldBeGreaterThanOrEqualTo, 1)

		Convey("Advance increments the global epoch", func() {
			m.Advance()
			So(m.Global(), ShouldEqual, start+1)
		})
	})
}

func TestManagerDeferFree(t *testing.T) {
	Convey("Given a manager with an active transaction", t, func() {
		m := NewManager()
		g := m.Global()
		m.Register(tid(g))

		var freed atomic.Bool
		m.DeferFree(tid(g+1), func() { freed.Store(true) })

		Convey("The free stays pending while the transaction runs", func() {
			m.Advance()
			m.Advance()
			So(freed.Load(), ShouldBeFalse)

			Convey("And runs once the registry drains", func() {
				m.Unregister(tid(g))
				m.Advance()
				So(freed.Load(), ShouldBeTrue)
			})
		})
	})
}

func TestManagerStopDrainsPending(t *testing.T) {
	Convey("Given a started manager with a pending free", t, func() {
		m := NewManagerInterval(time.Hour)
		m.Start()

		var freed atomic.Bool
		m.Register(tid(m.Global()))
		m.DeferFree(tid(m.Global()+1), func() { freed.Store(true) })
		m.Unregister(tid(m.Global()))

		Convey("Stop runs the remaining frees", func() {
			m.Stop()
			So(freed.Load(), ShouldBeTrue)
		})
	})
}

func TestManagerBackgroundAdvancer(t *testing.T) {
	m := NewManagerInterval(time.Millisecond)
	m.Start()
	defer m.Stop()

	start := m.Global()
	deadline := time.After(time.Second)
	for m.Global() == start {
		select {
		case <-deadline:
			t.Fatal("global epoch never advanced")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestManagerConcurrentRegistry(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				id := base + i
				m.Register(id)
				m.Unregister(id)
			}
		}(uint64(g) << 40)
	}
	wg.Wait()
	if got := m.MinActive(); got != NoActive {
		t.Fatalf("MinActive = %d after drain, want NoActive", got)
	}
}
