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

// Package header provides the implementation of the encoding and decoding of
// IP fragments.
//
// Decoding and serialization are delegated to gopacket/layers. The types
// here adapt decoded packets to the fragmentation package.
package header

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrTruncated is returned for packets shorter than their headers claim.
	ErrTruncated = errors.New("header: truncated packet")

	// ErrMalformed is returned for packets whose headers cannot be decoded.
	ErrMalformed = errors.New("header: malformed packet")

	// ErrNotFragment is returned by DecodeIPv6Fragment for packets without a
	// fragment extension header.
	ErrNotFragment = errors.New("header: not a fragment")

	// ErrTooBig is returned when a reassembled datagram does not fit the
	// length field of its header.
	ErrTooBig = errors.New("header: datagram too big")
)

// IPVersion returns the version of the IP packet stored in b, or -1 if b is
// empty.
func IPVersion(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0] >> 4)
}

// DecodeDatagram decodes the IP datagram in b, whose first layer is first.
// Only the IP header decides whether the datagram is valid. Upper layers that
// fail to decode leave a gopacket.ErrorLayer in the returned packet.
func DecodeDatagram(b []byte, first gopacket.LayerType, opts gopacket.DecodeOptions) (gopacket.Packet, error) {
	var ip gopacket.DecodingLayer
	switch first {
	case layers.LayerTypeIPv4:
		ip = &layers.IPv4{}
	case layers.LayerTypeIPv6:
		ip = &layers.IPv6{}
	default:
		return nil, fmt.Errorf("%w: unsupported layer %s", ErrMalformed, first)
	}
	// The gopacket decoders record the network layer even when it fails to
	// decode, so it is checked on its own first.
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return gopacket.NewPacket(b, first, opts), nil
}
