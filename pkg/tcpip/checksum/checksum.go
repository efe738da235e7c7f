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

// Package checksum implements the Internet checksum (RFC 1071) used by the
// IPv4 header.
package checksum

import (
	"encoding/binary"
)

// Checksum returns the ones' complement sum of buf, folded to 16 bits and
// added to initial. An odd trailing byte is padded with zero.
func Checksum(buf []byte, initial uint16) uint16 {
	var sum uint32
	for len(buf) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) == 1 {
		sum += uint32(buf[0]) << 8
	}
	return Combine(initial, fold(sum))
}

// Combine adds two partial sums with end-around carry.
func Combine(a, b uint16) uint16 {
	return fold(uint32(a) + uint32(b))
}

func fold(v uint32) uint16 {
	for v>>16 != 0 {
		v = v&0xffff + v>>16
	}
	return uint16(v)
}

// Patch recomputes the checksum of hdr, whose checksum field starts at
// offset off.
func Patch(hdr []byte, off int) {
	binary.BigEndian.PutUint16(hdr[off:], 0)
	binary.BigEndian.PutUint16(hdr[off:], ^Checksum(hdr, 0))
}

// Verify reports whether hdr, checksum field included, sums to all ones.
func Verify(hdr []byte) bool {
	return Checksum(hdr, 0) == 0xffff
}
