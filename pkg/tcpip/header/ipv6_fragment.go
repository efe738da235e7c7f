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
)

const (
	// IPv6ProtocolNumber is IPv6's network protocol number.
	IPv6ProtocolNumber tcpip.NetworkProtocolNumber = 0x86dd

	// IPv6MinimumSize is the minimum size of a valid IPv6 packet.
	IPv6MinimumSize = 40

	// IPv6Version is the version of the IPv6 protocol.
	IPv6Version = 6

	// IPv6AddressSize is the size, in bytes, of an IPv6 address.
	IPv6AddressSize = 16

	// IPv6FragmentHeader header is the number used to specify that the next
	// header is a fragment header, per RFC 2460.
	IPv6FragmentHeader = 44

	// IPv6FragmentHeaderSize is the size of the fragment header.
	IPv6FragmentHeaderSize = 8

	// IPv6MaximumPayloadSize is the largest payload the payload length field
	// can describe. Jumbograms are not supported.
	IPv6MaximumPayloadSize = 0xffff
)

const (
	ipv6PayloadLen = 4
	ipv6NextHeader = 6
)

// Fragment extension header fields.
const (
	ipv6FragmentOffset = 2
	ipv6FragmentID     = 4
	ipv6MoreFragments  = 1
)

// IPv6Fragment is a decoded IPv6 packet carrying a fragment extension
// header.
type IPv6Fragment struct {
	// IP is the decoded fixed header.
	IP *layers.IPv6

	// Frag is the decoded fragment extension header. Its Payload is the
	// fragment body.
	Frag *layers.IPv6Fragment

	// unfragmentable is the IPv6 header followed by the extension headers
	// that precede the fragment header.
	unfragmentable []byte

	// nextHeader is the offset in unfragmentable of the next header field
	// that identifies the fragment header.
	nextHeader int
}

// unfragmentableExtHdr reports whether p identifies an extension header that
// precedes the fragment header, per RFC 8200 section 4.5.
func unfragmentableExtHdr(p layers.IPProtocol) bool {
	switch p {
	case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Destination:
		return true
	default:
		return false
	}
}

// DecodeIPv6Fragment decodes the IPv6 packet in b and locates its fragment
// extension header. It returns ErrNotFragment if the packet has none.
//
// The returned fragment aliases b.
func DecodeIPv6Fragment(b []byte) (IPv6Fragment, error) {
	if len(b) < IPv6MinimumSize {
		return IPv6Fragment{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	if v := b[0] >> 4; v != IPv6Version {
		return IPv6Fragment{}, fmt.Errorf("%w: version %d", ErrMalformed, v)
	}
	payloadLen := int(binary.BigEndian.Uint16(b[ipv6PayloadLen:]))
	if payloadLen == 0 {
		return IPv6Fragment{}, fmt.Errorf("%w: zero payload length", ErrMalformed)
	}
	end := IPv6MinimumSize + payloadLen
	if end > len(b) {
		return IPv6Fragment{}, fmt.Errorf("%w: payload length %d, have %d bytes", ErrTruncated, payloadLen, len(b)-IPv6MinimumSize)
	}
	b = b[:end]

	var ip layers.IPv6
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return IPv6Fragment{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	nextHeader, off := ipv6NextHeader, IPv6MinimumSize
	for unfragmentableExtHdr(layers.IPProtocol(b[nextHeader])) {
		if off+2 > len(b) {
			return IPv6Fragment{}, fmt.Errorf("%w: extension header at %d", ErrTruncated, off)
		}
		l := (int(b[off+1]) + 1) * 8
		if off+l > len(b) {
			return IPv6Fragment{}, fmt.Errorf("%w: extension header at %d is %d bytes", ErrTruncated, off, l)
		}
		nextHeader = off
		off += l
	}
	if b[nextHeader] != IPv6FragmentHeader {
		return IPv6Fragment{}, ErrNotFragment
	}
	if off+IPv6FragmentHeaderSize > len(b) {
		return IPv6Fragment{}, fmt.Errorf("%w: fragment header at %d", ErrTruncated, off)
	}

	pkt := gopacket.NewPacket(b[off:], layers.LayerTypeIPv6Fragment, gopacket.NoCopy)
	frag, ok := pkt.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment)
	if !ok {
		if el := pkt.ErrorLayer(); el != nil {
			return IPv6Fragment{}, fmt.Errorf("%w: %w", ErrMalformed, el.Error())
		}
		return IPv6Fragment{}, fmt.Errorf("%w: undecodable fragment header", ErrMalformed)
	}
	return IPv6Fragment{
		IP:             &ip,
		Frag:           frag,
		unfragmentable: b[:off],
		nextHeader:     nextHeader,
	}, nil
}

// FragmentData implements fragmentation.Fragment.FragmentData.
func (f IPv6Fragment) FragmentData() (uint32, uint16, bool) {
	return f.Frag.Identification, f.Frag.FragmentOffset, f.Frag.MoreFragments
}

// Body implements fragmentation.Fragment.Body.
func (f IPv6Fragment) Body() []byte {
	return f.Frag.Payload
}

// Source implements fragmentation.Fragment.Source.
func (f IPv6Fragment) Source() tcpip.Address {
	return tcpip.AddrFromSlice(f.IP.SrcIP.To16())
}

// Destination implements fragmentation.Fragment.Destination.
func (f IPv6Fragment) Destination() tcpip.Address {
	return tcpip.AddrFromSlice(f.IP.DstIP.To16())
}

// HeaderBytes implements fragmentation.Fragment.HeaderBytes.
//
// It returns a copy of the unfragmentable part of the packet, with the next
// header field that pointed at the fragment header now identifying the
// header that followed it.
func (f IPv6Fragment) HeaderBytes() []byte {
	hdr := append([]byte(nil), f.unfragmentable...)
	hdr[f.nextHeader] = uint8(f.Frag.NextHeader)
	return hdr
}

// IPv6Parser parses reassembled IPv6 datagrams.
type IPv6Parser struct {
	// DecodeOptions are passed to DecodeDatagram.
	DecodeOptions gopacket.DecodeOptions
}

// ReassembleFragmentedPacket implements
// fragmentation.PacketParser.ReassembleFragmentedPacket.
//
// The payload length of hdr is rewritten in place to cover the whole
// datagram.
func (p IPv6Parser) ReassembleFragmentedPacket(buf, hdr []byte, _ [][]byte) (gopacket.Packet, error) {
	if len(hdr) < IPv6MinimumSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrMalformed, len(hdr))
	}
	payloadLen := len(buf) - IPv6MinimumSize
	if payloadLen > IPv6MaximumPayloadSize {
		return nil, fmt.Errorf("%w: reassembled payload of %d bytes", ErrTooBig, payloadLen)
	}
	binary.BigEndian.PutUint16(hdr[ipv6PayloadLen:], uint16(payloadLen))

	return DecodeDatagram(buf, layers.LayerTypeIPv6, p.DecodeOptions)
}

// BuildIPv6Fragment serializes one fragment of the datagram described by
// tmpl, carrying body at the given block offset. tmpl.NextHeader identifies
// the first header of the fragmentable part. Extension headers of tmpl are
// not serialized.
func BuildIPv6Fragment(tmpl *layers.IPv6, id uint32, body []byte, blockOffset uint16, more bool) ([]byte, error) {
	ip := *tmpl
	ip.HopByHop = nil
	ip.NextHeader = layers.IPProtocolIPv6Fragment

	// layers.IPv6Fragment cannot be serialized, so the fragment header is
	// written ahead of the body.
	payload := make([]byte, IPv6FragmentHeaderSize+len(body))
	payload[0] = uint8(tmpl.NextHeader)
	offsetFlags := blockOffset << 3
	if more {
		offsetFlags |= ipv6MoreFragments
	}
	binary.BigEndian.PutUint16(payload[ipv6FragmentOffset:], offsetFlags)
	binary.BigEndian.PutUint32(payload[ipv6FragmentID:], id)
	copy(payload[IPv6FragmentHeaderSize:], body)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
