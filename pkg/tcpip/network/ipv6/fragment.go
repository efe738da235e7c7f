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

package ipv6

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

var (
	// ErrMTUTooSmall is returned when the MTU leaves no room for a single
	// fragment block after the headers.
	ErrMTUTooSmall = errors.New("ipv6: mtu too small")

	// ErrUnsupportedExtension is returned for datagrams whose fixed header is
	// followed by an extension header. Only the fixed header is repeated in
	// front of every fragment.
	ErrUnsupportedExtension = errors.New("ipv6: cannot fragment datagram with extension headers")

	// ErrAlreadyFragmented is returned for packets that already carry a
	// fragment header.
	ErrAlreadyFragmented = errors.New("ipv6: packet is already a fragment")
)

// MinimumMTU is the minimum link MTU for IPv6, per RFC 8200 section 5.
const MinimumMTU = 1280

// Fragment splits the IPv6 datagram in b into packets of at most mtu bytes,
// all carrying a fragment header with identification id. A datagram that
// already fits is returned as is.
//
// The returned packets do not alias b.
func Fragment(b []byte, mtu int, id uint32) ([][]byte, error) {
	if len(b) < header.IPv6MinimumSize {
		return nil, fmt.Errorf("%w: %d bytes", header.ErrTruncated, len(b))
	}
	payloadLen := int(binary.BigEndian.Uint16(b[4:]))
	if payloadLen == 0 {
		return nil, fmt.Errorf("%w: zero payload length", header.ErrMalformed)
	}
	total := header.IPv6MinimumSize + payloadLen
	if total > len(b) {
		return nil, fmt.Errorf("%w: payload length %d, have %d bytes", header.ErrTruncated, payloadLen, len(b)-header.IPv6MinimumSize)
	}
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(b[:total], gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %w", header.ErrMalformed, err)
	}
	if total <= mtu {
		return [][]byte{append([]byte(nil), b[:total]...)}, nil
	}
	switch ip.NextHeader {
	case layers.IPProtocolIPv6Fragment:
		return nil, ErrAlreadyFragmented
	case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Destination:
		return nil, fmt.Errorf("%w: next header %s", ErrUnsupportedExtension, ip.NextHeader)
	}
	hdrLen := header.IPv6MinimumSize + header.IPv6FragmentHeaderSize
	if mtu-hdrLen < fragmentation.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes after %d header bytes", ErrMTUTooSmall, mtu, hdrLen)
	}

	pf := fragmentation.MakePacketFragmenter(b[header.IPv6MinimumSize:total], mtu, hdrLen)
	frags := make([][]byte, 0, pf.RemainingFragmentCount())
	for pf.RemainingFragmentCount() > 0 {
		body, offset, more := pf.BuildNextFragment()
		frag, err := header.BuildIPv6Fragment(&ip, id, body, offset, more)
		if err != nil {
			return nil, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}
