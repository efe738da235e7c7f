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

package header

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/checksum"
)

const (
	// IPv4ProtocolNumber is IPv4's network protocol number.
	IPv4ProtocolNumber tcpip.NetworkProtocolNumber = 0x0800

	// IPv4MinimumSize is the minimum size of a valid IPv4 packet.
	IPv4MinimumSize = 20

	// IPv4MaximumHeaderSize is the maximum size of an IPv4 header. Given
	// that there are only 4 bits (max 0xF (15)) to represent the header length
	// in 32-bit (4 byte) units, the header cannot exceed 15*4 = 60 bytes.
	IPv4MaximumHeaderSize = 60

	// IPv4MaximumPayloadSize is the maximum size of a valid IPv4 payload.
	IPv4MaximumPayloadSize = 65535 - IPv4MinimumSize

	// IPv4Version is the version of the IPv4 protocol.
	IPv4Version = 4

	// IPv4AddressSize is the size, in bytes, of an IPv4 address.
	IPv4AddressSize = 4
)

const (
	ipv4TotalLen = 2
	ipv4FlagsFO  = 6
	ipv4Checksum = 10

	ipv4FlagDontFragment = 0x4000
)

// IPv4Fragment is a decoded IPv4 packet seen as a fragment.
type IPv4Fragment struct {
	// IP is the decoded header. Its Payload is the fragment body.
	IP *layers.IPv4
}

// DecodeIPv4Fragment decodes the IPv4 packet in b.
//
// The returned fragment aliases b. A packet that is not fragmented decodes
// successfully as a fragment at offset 0 with the more fragments flag clear.
func DecodeIPv4Fragment(b []byte) (IPv4Fragment, error) {
	if len(b) < IPv4MinimumSize {
		return IPv4Fragment{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	if v := b[0] >> 4; v != IPv4Version {
		return IPv4Fragment{}, fmt.Errorf("%w: version %d", ErrMalformed, v)
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return IPv4Fragment{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if int(ip.Length) > len(b) {
		return IPv4Fragment{}, fmt.Errorf("%w: total length %d, have %d bytes", ErrTruncated, ip.Length, len(b))
	}
	return IPv4Fragment{IP: &ip}, nil
}

// FragmentData implements fragmentation.Fragment.FragmentData.
func (f IPv4Fragment) FragmentData() (uint32, uint16, bool) {
	return uint32(f.IP.Id), f.IP.FragOffset, f.IP.Flags&layers.IPv4MoreFragments != 0
}

// Body implements fragmentation.Fragment.Body.
func (f IPv4Fragment) Body() []byte {
	return f.IP.Payload
}

// Source implements fragmentation.Fragment.Source.
func (f IPv4Fragment) Source() tcpip.Address {
	return tcpip.AddrFromSlice(f.IP.SrcIP.To4())
}

// Destination implements fragmentation.Fragment.Destination.
func (f IPv4Fragment) Destination() tcpip.Address {
	return tcpip.AddrFromSlice(f.IP.DstIP.To4())
}

// HeaderBytes implements fragmentation.Fragment.HeaderBytes. It returns a
// copy of the whole IPv4 header, options included.
func (f IPv4Fragment) HeaderBytes() []byte {
	return append([]byte(nil), f.IP.Contents...)
}

// IPv4Parser parses reassembled IPv4 datagrams.
type IPv4Parser struct {
	// DecodeOptions are passed to DecodeDatagram.
	DecodeOptions gopacket.DecodeOptions
}

// ReassembleFragmentedPacket implements
// fragmentation.PacketParser.ReassembleFragmentedPacket.
//
// hdr is the header of the first fragment. Its total length, fragment
// offset and more fragments flag are rewritten in place to describe the
// whole datagram, and its checksum is recomputed.
func (p IPv4Parser) ReassembleFragmentedPacket(buf, hdr []byte, _ [][]byte) (gopacket.Packet, error) {
	if len(hdr) < IPv4MinimumSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrMalformed, len(hdr))
	}
	if len(buf) > 0xffff {
		return nil, fmt.Errorf("%w: reassembled datagram of %d bytes", ErrTooBig, len(buf))
	}
	binary.BigEndian.PutUint16(hdr[ipv4TotalLen:], uint16(len(buf)))
	flags := binary.BigEndian.Uint16(hdr[ipv4FlagsFO:])
	binary.BigEndian.PutUint16(hdr[ipv4FlagsFO:], flags&ipv4FlagDontFragment)
	checksum.Patch(hdr, ipv4Checksum)

	return DecodeDatagram(buf, layers.LayerTypeIPv4, p.DecodeOptions)
}

// BuildIPv4Fragment serializes one fragment of the datagram described by
// tmpl, carrying body at the given block offset.
//
// Options without the copied flag set only appear in the first fragment,
// per RFC 791.
func BuildIPv4Fragment(tmpl *layers.IPv4, body []byte, blockOffset uint16, more bool) ([]byte, error) {
	ip := *tmpl
	ip.FragOffset = blockOffset
	ip.Flags &^= layers.IPv4MoreFragments
	if more {
		ip.Flags |= layers.IPv4MoreFragments
	}
	if blockOffset != 0 {
		ip.Options = nil
		for _, o := range tmpl.Options {
			if o.OptionType&0x80 != 0 {
				ip.Options = append(ip.Options, o)
			}
		}
	}
	ip.Padding = nil

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
