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
	"container/heap"
)

// fragment is the body of one received fragment and its block offset.
type fragment struct {
	offset uint16
	data   []byte
}

// fragHeap is a min-heap of fragments keyed on their block offset.
type fragHeap []fragment

var _ heap.Interface = (*fragHeap)(nil)

func (h *fragHeap) Len() int {
	return len(*h)
}

func (h *fragHeap) Less(i, j int) bool {
	return (*h)[i].offset < (*h)[j].offset
}

func (h *fragHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
}

func (h *fragHeap) Push(x any) {
	*h = append(*h, x.(fragment))
}

func (h *fragHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = fragment{}
	*h = old[:n-1]
	return x
}

// drain empties the heap and returns the fragment bodies in ascending offset
// order.
func (h *fragHeap) drain() [][]byte {
	chunks := make([][]byte, 0, h.Len())
	for h.Len() > 0 {
		chunks = append(chunks, heap.Pop(h).(fragment).data)
	}
	return chunks
}
