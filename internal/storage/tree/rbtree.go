// Licensed under the MIT License. See LICENSE file in the project root for details.

package tree

import (
	"cmp"
	"sync/atomic"

	"github.com/kianostad/stm/internal/core"
)

// node is one key/value pair in the tree. The value version word guards
// the payload; the nodeversion word witnesses structural change in the
// node's neighborhood and is what absent readers validate against.
// Structural fields (parent, children, color) are only touched under
// the tree lock.
type node[K cmp.Ordered, V any] struct {
	rank uint64

	key   K
	value atomic.Pointer[V]

	version     core.TVersion
	nodeversion core.TVersion

	parent *node[K, V]
	left   *node[K, V]
	right  *node[K, V]
	red    bool
}

// Rank implements core.Ranked so node items sort deterministically in
// the commit lock order.
func (n *node[K, V]) Rank() uint64 { return n.rank }

// incNodeversion bumps the structural version and returns the words
// before and after the bump.
func (n *node[K, V]) incNodeversion() (before, after uint64) {
	before = n.nodeversion.Load()
	n.nodeversion.IncInvalid()
	return before, before + core.IncrementValue
}

// The functions below implement the classic red-black balancing. All of
// them require the tree lock.

func (tr *Tree[K, V]) rotateLeft(x *node[K, V]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		tr.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (tr *Tree[K, V]) rotateRight(x *node[K, V]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		tr.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// spliceUnder links a fresh node below parent on the given side and
// restores the red-black invariants.
func (tr *Tree[K, V]) spliceUnder(n, parent *node[K, V], rightSide bool) {
	n.parent = parent
	n.left = nil
	n.right = nil
	n.red = true
	if parent == nil {
		tr.root = n
	} else if rightSide {
		parent.right = n
	} else {
		parent.left = n
	}
	tr.insertFixup(n)
}

func (tr *Tree[K, V]) insertFixup(z *node[K, V]) {
	for z.parent != nil && z.parent.red {
		gp := z.parent.parent
		if z.parent == gp.left {
			u := gp.right
			if u != nil && u.red {
				z.parent.red = false
				u.red = false
				gp.red = true
				z = gp
			} else {
				if z == z.parent.right {
					z = z.parent
					tr.rotateLeft(z)
				}
				z.parent.red = false
				gp.red = true
				tr.rotateRight(gp)
			}
		} else {
			u := gp.left
			if u != nil && u.red {
				z.parent.red = false
				u.red = false
				gp.red = true
				z = gp
			} else {
				if z == z.parent.left {
					z = z.parent
					tr.rotateRight(z)
				}
				z.parent.red = false
				gp.red = true
				tr.rotateLeft(gp)
			}
		}
	}
	tr.root.red = false
}

// transplant replaces the subtree rooted at u with the one rooted at v.
func (tr *Tree[K, V]) transplant(u, v *node[K, V]) {
	if u.parent == nil {
		tr.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// removeNode unlinks z from the tree. Nodes are relinked rather than
// copied so item-set pointers into the tree stay valid.
func (tr *Tree[K, V]) removeNode(z *node[K, V]) {
	var x, xParent *node[K, V]
	y := z
	yRed := y.red

	if z.left == nil {
		x = z.right
		xParent = z.parent
		tr.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		tr.transplant(z, z.left)
	} else {
		y = minimum(z.right)
		yRed = y.red
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			tr.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		tr.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.red = z.red
	}
	if !yRed {
		tr.deleteFixup(x, xParent)
	}
	z.parent = nil
	z.left = nil
	z.right = nil
}

func (tr *Tree[K, V]) deleteFixup(x, parent *node[K, V]) {
	for x != tr.root && (x == nil || !x.red) {
		if x == parent.left {
			w := parent.right
			if w.red {
				w.red = false
				parent.red = true
				tr.rotateLeft(parent)
				w = parent.right
			}
			if (w.left == nil || !w.left.red) && (w.right == nil || !w.right.red) {
				w.red = true
				x = parent
				parent = x.parent
			} else {
				if w.right == nil || !w.right.red {
					if w.left != nil {
						w.left.red = false
					}
					w.red = true
					tr.rotateRight(w)
					w = parent.right
				}
				w.red = parent.red
				parent.red = false
				if w.right != nil {
					w.right.red = false
				}
				tr.rotateLeft(parent)
				x = tr.root
			}
		} else {
			w := parent.left
			if w.red {
				w.red = false
				parent.red = true
				tr.rotateRight(parent)
				w = parent.left
			}
			if (w.right == nil || !w.right.red) && (w.left == nil || !w.left.red) {
				w.red = true
				x = parent
				parent = x.parent
			} else {
				if w.left == nil || !w.left.red {
					if w.right != nil {
						w.right.red = false
					}
					w.red = true
					tr.rotateLeft(w)
					w = parent.left
				}
				w.red = parent.red
				parent.red = false
				if w.left != nil {
					w.left.red = false
				}
				tr.rotateRight(parent)
				x = tr.root
			}
		}
	}
	if x != nil {
		x.red = false
	}
}

func minimum[K cmp.Ordered, V any](n *node[K, V]) *node[K, V] {
	for n.left != nil {
		n = n.left
	}
	return n
}

func maximum[K cmp.Ordered, V any](n *node[K, V]) *node[K, V] {
	for n.right != nil {
		n = n.right
	}
	return n
}

// successor returns the next node in key order, or nil.
func successor[K cmp.Ordered, V any](n *node[K, V]) *node[K, V] {
	if n.right != nil {
		return minimum(n.right)
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

// predecessor returns the previous node in key order, or nil.
func predecessor[K cmp.Ordered, V any](n *node[K, V]) *node[K, V] {
	if n.left != nil {
		return maximum(n.left)
	}
	p := n.parent
	for p != nil && n == p.left {
		n = p
		p = p.parent
	}
	return p
}
