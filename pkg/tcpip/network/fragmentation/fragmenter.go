// Copyright 2020 The gVisor Authors.
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

import "fmt"

// PacketFragmenter is the book-keeping struct for packet fragmentation.
type PacketFragmenter struct {
	data            []byte
	innerMTU        int
	fragmentCount   int
	currentFragment int
	fragmentOffset  int
}

// MakePacketFragmenter prepares the struct needed for packet fragmentation.
//
// payload is the fragmentable part of the datagram.
//
// mtu is the maximum size of a network packet. Each generated fragment must
// fit in it once headerLength bytes of network headers are added.
//
// MakePacketFragmenter panics if there is no room for a single block.
func MakePacketFragmenter(payload []byte, mtu, headerLength int) PacketFragmenter {
	// Round the MTU down to align to 8 bytes.
	innerMTU := (mtu - headerLength) &^ (BlockSize - 1)
	if innerMTU <= 0 {
		panic(fmt.Sprintf("mtu %d leaves no room for fragment data after %d header bytes", mtu, headerLength))
	}
	return PacketFragmenter{
		data:          payload,
		innerMTU:      innerMTU,
		fragmentCount: (len(payload) + innerMTU - 1) / innerMTU,
	}
}

// BuildNextFragment returns the payload of the next fragment, its offset in
// blocks and whether more fragments follow. If this function is called again
// after it indicated that no more fragments were left, it will panic.
//
// The returned slice aliases the payload passed to MakePacketFragmenter.
func (pf *PacketFragmenter) BuildNextFragment() ([]byte, uint16, bool) {
	if pf.currentFragment >= pf.fragmentCount {
		panic("BuildNextFragment should not be called again after every fragment was built")
	}

	n := min(pf.innerMTU, len(pf.data)-pf.fragmentOffset)
	body := pf.data[pf.fragmentOffset : pf.fragmentOffset+n : pf.fragmentOffset+n]
	offset := uint16(pf.fragmentOffset / BlockSize)

	pf.fragmentOffset += n
	pf.currentFragment++
	more := pf.currentFragment != pf.fragmentCount

	return body, offset, more
}

// RemainingFragmentCount returns the number of fragments left to be built.
func (pf *PacketFragmenter) RemainingFragmentCount() int {
	return pf.fragmentCount - pf.currentFragment
}
