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

package ipv4

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

var (
	// ErrDontFragment is returned when a datagram larger than the MTU has
	// the don't fragment flag set.
	ErrDontFragment = errors.New("ipv4: datagram exceeds mtu and has DF set")

	// ErrMTUTooSmall is returned when the MTU leaves no room for a single
	// fragment block after the header.
	ErrMTUTooSmall = errors.New("ipv4: mtu too small")
)

// Fragment splits the IPv4 datagram in b into packets of at most mtu bytes.
// A datagram that already fits is returned as is. A datagram that is itself
// a fragment is split further, keeping its offset and more fragments flag.
//
// The returned packets do not alias b.
func Fragment(b []byte, mtu int) ([][]byte, error) {
	f, err := header.DecodeIPv4Fragment(b)
	if err != nil {
		return nil, err
	}
	ip := f.IP
	if int(ip.Length) <= mtu {
		return [][]byte{append([]byte(nil), b[:ip.Length]...)}, nil
	}
	if ip.Flags&layers.IPv4DontFragment != 0 {
		return nil, fmt.Errorf("%w: %d bytes, mtu %d", ErrDontFragment, ip.Length, mtu)
	}
	hdrLen := int(ip.IHL) * 4
	if mtu-hdrLen < fragmentation.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes after a %d byte header", ErrMTUTooSmall, mtu, hdrLen)
	}

	baseOffset := ip.FragOffset
	lastMore := ip.Flags&layers.IPv4MoreFragments != 0
	pf := fragmentation.MakePacketFragmenter(ip.Payload, mtu, hdrLen)
	frags := make([][]byte, 0, pf.RemainingFragmentCount())
	for pf.RemainingFragmentCount() > 0 {
		body, offset, more := pf.BuildNextFragment()
		frag, err := header.BuildIPv4Fragment(ip, body, baseOffset+offset, more || lastMore)
		if err != nil {
			return nil, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}
