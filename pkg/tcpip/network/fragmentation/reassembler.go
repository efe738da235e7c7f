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

	"gvisor.dev/ipfrag/pkg/tcpip"
)

// reassembler holds the state of one datagram being reassembled. It is owned
// by a Fragmentation and is never used after being released from it.
type reassembler struct {
	id    FragmentID
	holes holes
	frags fragHeap

	// header is the header of the fragment at offset 0, copied once when that
	// fragment arrives.
	header []byte

	// memSize is the number of bytes held: len(header) plus the length of
	// every body in frags.
	memSize int

	timer     tcpip.Timer
	createdAt tcpip.MonotonicTime
}

func newReassembler(id FragmentID, now tcpip.MonotonicTime) *reassembler {
	return &reassembler{
		id:        id,
		holes:     newHoles(),
		createdAt: now,
	}
}

// process stores frag, whose body covers blocks [first, last], and returns
// the number of bytes it added to the reassembler.
//
// For IPv6, overlaps with an existing fragment are explicitly forbidden by
// RFC 8200 section 4.5:
//
//	If any of the fragments being reassembled overlap with any other
//	fragments being reassembled for the same packet, reassembly of that
//	packet must be abandoned and all the fragments that have been received
//	for that packet must be discarded, and no ICMP error messages should be
//	sent.
//
// It is not explicitly forbidden for IPv4, but to keep parity with Linux we
// disallow it as well. Exact duplicates are treated as overlaps (RFC 5722).
func (r *reassembler) process(first, last uint16, more bool, frag Fragment) (int, error) {
	found, ok := r.holes.find(first, last)
	if !ok {
		return 0, ErrFragmentOverlap
	}
	if !more && !found.final {
		// Data was already received past this hole, so the datagram cannot
		// end inside it.
		return 0, ErrFragmentConflict
	}
	r.holes.fill(found, first, last, more)

	consumed := 0
	if first == 0 {
		// Block 0 is filled once, so the header is only ever set here.
		r.header = frag.HeaderBytes()
		consumed += len(r.header)
	}
	body := frag.Body()
	heap.Push(&r.frags, fragment{
		offset: first,
		data:   append([]byte(nil), body...),
	})
	consumed += len(body)
	r.memSize += consumed
	return consumed, nil
}

// ready reports whether every block of the datagram has been received.
func (r *reassembler) ready() bool {
	return r.holes.empty()
}
