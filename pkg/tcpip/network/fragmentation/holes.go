// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fragmentation

import (
	"math"

	"github.com/google/btree"
)

// holesDegree is the B-tree degree of a hole set. Most datagrams have a
// handful of holes, so a small degree keeps nodes compact.
const holesDegree = 4

// hole is a closed range [first, last] of fragment blocks that has not been
// received yet.
type hole struct {
	first uint16
	last  uint16

	// final is set on the hole extending to the end of the datagram. The end
	// is unknown until the terminal fragment arrives, so that hole is bounded
	// by math.MaxUint16 instead, which is beyond any real block index.
	final bool
}

func holeLess(a, b hole) bool {
	return a.first < b.first
}

// holes is the set of disjoint holes of one datagram, ordered by first block.
type holes struct {
	tree *btree.BTreeG[hole]
}

func newHoles() holes {
	h := holes{tree: btree.NewG[hole](holesDegree, holeLess)}
	h.tree.ReplaceOrInsert(hole{first: 0, last: math.MaxUint16, final: true})
	return h
}

// find returns the hole that fully contains [first, last]. It returns false
// if the range overlaps data already received, even by a single block.
//
// Holes are disjoint, so the only candidate is the hole with the greatest
// first block not after first.
func (h *holes) find(first, last uint16) (hole, bool) {
	var (
		found hole
		ok    bool
	)
	h.tree.DescendLessOrEqual(hole{first: first}, func(c hole) bool {
		found, ok = c, c.last >= last
		return false
	})
	return found, ok
}

// fill removes found, which must contain [first, last], and re-inserts what
// remains of it on either side of the range.
//
// A terminal fragment (more unset) marks the end of the datagram, so no hole
// is left to its right.
func (h *holes) fill(found hole, first, last uint16, more bool) {
	h.tree.Delete(found)
	if found.first < first {
		h.tree.ReplaceOrInsert(hole{first: found.first, last: first - 1})
	}
	if found.last > last && more {
		h.tree.ReplaceOrInsert(hole{first: last + 1, last: found.last, final: found.final})
	}
}

func (h *holes) empty() bool {
	return h.tree.Len() == 0
}

func (h *holes) len() int {
	return h.tree.Len()
}

// list returns the holes in ascending order.
func (h *holes) list() []hole {
	l := make([]hole, 0, h.tree.Len())
	h.tree.Ascend(func(c hole) bool {
		l = append(l, c)
		return true
	})
	return l
}
