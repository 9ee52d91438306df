// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

// Item flag bits. The low bits are reserved by the engine; containers
// communicate through the user flags.
const (
	flagRead      uint32 = 1 << 0
	flagWrite     uint32 = 1 << 1
	flagLockHeld  uint32 = 1 << 2
	flagPredicate uint32 = 1 << 3

	// FlagUser0 and FlagUser1 are container-defined. The red-black tree
	// uses them as its insert and delete tags.
	FlagUser0 uint32 = 1 << 8
	FlagUser1 uint32 = 1 << 9
)

// Item is one entry in a transaction's read/write set, keyed by
// (object, key). An item may carry a read observation, a write payload,
// a predicate, or any combination. Write payloads are type-erased; the
// owning object is the only party that knows the real type and recovers
// it by assertion.
type Item struct {
	owner Shared
	key   any

	readVersion   uint64
	lockedVersion uint64
	writeValue    any
	predicate     any
	flags         uint32
}

// Owner returns the shared object the item targets.
func (it *Item) Owner() Shared { return it.owner }

// Key returns the item's key, interpreted by the owner.
func (it *Item) Key() any { return it.key }

// HasRead reports whether the item carries a read observation.
func (it *Item) HasRead() bool { return it.flags&flagRead != 0 }

// HasWrite reports whether the item carries a write payload.
func (it *Item) HasWrite() bool { return it.flags&flagWrite != 0 }

// HasPredicate reports whether the item carries a predicate.
func (it *Item) HasPredicate() bool { return it.flags&flagPredicate != 0 }

// LockHeld reports whether the engine holds the owner's lock for this item.
func (it *Item) LockHeld() bool { return it.flags&flagLockHeld != 0 }

func (it *Item) lockHeld() bool { return it.LockHeld() }

// AddRead records a read observation. A later AddRead does not overwrite
// an earlier one: the first witnessed version is the one validated.
func (it *Item) AddRead(version uint64) {
	if it.flags&flagRead == 0 {
		it.readVersion = version
		it.flags |= flagRead
	}
}

// UpdateRead replaces the tracked read version. Containers use it when
// they legitimately re-witness their own structural changes.
func (it *Item) UpdateRead(version uint64) {
	it.readVersion = version
	it.flags |= flagRead
}

// ClearRead drops the read observation.
func (it *Item) ClearRead() {
	it.flags &^= flagRead
	it.readVersion = 0
}

// ReadVersion returns the tracked read version. Valid only if HasRead.
func (it *Item) ReadVersion() uint64 { return it.readVersion }

// SetLockedVersion records the version word observed while acquiring
// the lock. Owners call it inside Lock so the engine can fold locked
// write versions into the commit TID.
func (it *Item) SetLockedVersion(w uint64) { it.lockedVersion = w }

// LockedVersion returns the word recorded by SetLockedVersion.
func (it *Item) LockedVersion() uint64 { return it.lockedVersion }

// AddWrite attaches or replaces the write payload.
func (it *Item) AddWrite(v any) {
	it.writeValue = v
	it.flags |= flagWrite
}

// ClearWrite drops the write payload.
func (it *Item) ClearWrite() {
	it.flags &^= flagWrite
	it.writeValue = nil
}

// WriteValue returns the type-erased write payload. Valid only if HasWrite.
func (it *Item) WriteValue() any { return it.writeValue }

// SetPredicate attaches predicate state for commit-time revalidation.
func (it *Item) SetPredicate(p any) {
	it.predicate = p
	it.flags |= flagPredicate
}

// Predicate returns the predicate state. Valid only if HasPredicate.
func (it *Item) Predicate() any { return it.predicate }

// AddFlags sets the given user flags.
func (it *Item) AddFlags(mask uint32) {
	it.flags |= mask & (FlagUser0 | FlagUser1)
}

// ClearFlags clears the given user flags.
func (it *Item) ClearFlags(mask uint32) {
	it.flags &^= mask & (FlagUser0 | FlagUser1)
}

// HasFlags reports whether any of the given user flags are set.
func (it *Item) HasFlags(mask uint32) bool {
	return it.flags&mask != 0
}

// needsCommit reports whether the item participates in the lock and
// install phases.
func (it *Item) needsCommit() bool {
	return it.flags&(flagWrite|FlagUser0|FlagUser1) != 0
}

// itemKey identifies an item within one transaction.
type itemKey struct {
	owner Shared
	key   any
}
