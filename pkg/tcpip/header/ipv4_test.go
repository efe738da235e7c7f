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

package header_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/faketime"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		t.Fatalf("gopacket.SerializeLayers(...): %s", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func makeUDPPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func makeIPv4Datagram(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  header.IPv4Version,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
	}
	udp := &layers.UDP{SrcPort: 1000, DstPort: 2000}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp.SetNetworkLayerForChecksum(_): %s", err)
	}
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func TestDecodeIPv4Fragment(t *testing.T) {
	dgram := makeIPv4Datagram(t, makeUDPPayload(100))
	f, err := header.DecodeIPv4Fragment(dgram)
	if err != nil {
		t.Fatalf("header.DecodeIPv4Fragment(_): %s", err)
	}

	id, offset, more := f.FragmentData()
	if id != 0x1234 || offset != 0 || more {
		t.Errorf("got f.FragmentData() = (%d, %d, %t), want = (%d, 0, false)", id, offset, more, 0x1234)
	}
	if got, want := f.Source(), tcpip.AddrFromSlice([]byte{10, 0, 0, 1}); got != want {
		t.Errorf("got f.Source() = %s, want = %s", got, want)
	}
	if got, want := f.Destination(), tcpip.AddrFromSlice([]byte{10, 0, 0, 2}); got != want {
		t.Errorf("got f.Destination() = %s, want = %s", got, want)
	}
	if diff := cmp.Diff(dgram[header.IPv4MinimumSize:], f.Body()); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}

	hdr := f.HeaderBytes()
	if diff := cmp.Diff(dgram[:header.IPv4MinimumSize], hdr); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	hdr[0] = 0
	if dgram[0] == 0 {
		t.Error("HeaderBytes() aliases the packet")
	}
}

func TestDecodeIPv4FragmentErrors(t *testing.T) {
	dgram := makeIPv4Datagram(t, makeUDPPayload(100))
	v6 := append([]byte(nil), dgram...)
	v6[0] = 0x65

	tests := []struct {
		name    string
		b       []byte
		wantErr error
	}{
		{
			name:    "too short",
			b:       dgram[:header.IPv4MinimumSize-1],
			wantErr: header.ErrTruncated,
		},
		{
			name:    "wrong version",
			b:       v6,
			wantErr: header.ErrMalformed,
		},
		{
			name:    "truncated payload",
			b:       dgram[:len(dgram)-1],
			wantErr: header.ErrTruncated,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := header.DecodeIPv4Fragment(test.b); !errors.Is(err, test.wantErr) {
				t.Errorf("got header.DecodeIPv4Fragment(_) = %v, want = %s", err, test.wantErr)
			}
		})
	}
}

func TestIPv4FragmentAndReassemble(t *testing.T) {
	payload := makeUDPPayload(100)
	dgram := makeIPv4Datagram(t, payload)
	orig, err := header.DecodeIPv4Fragment(dgram)
	if err != nil {
		t.Fatalf("header.DecodeIPv4Fragment(_): %s", err)
	}

	f := fragmentation.New(fragmentation.Options{
		Clock:  faketime.NewManualClock(),
		Parser: header.IPv4Parser{},
	})

	pf := fragmentation.MakePacketFragmenter(orig.IP.Payload, 60, header.IPv4MinimumSize)
	if got, want := pf.RemainingFragmentCount(), 3; got != want {
		t.Fatalf("got pf.RemainingFragmentCount() = %d, want = %d", got, want)
	}
	wantOffsets := []uint16{0, 5, 10}
	var res fragmentation.Result
	for i := 0; pf.RemainingFragmentCount() > 0; i++ {
		body, offset, more := pf.BuildNextFragment()
		b, err := header.BuildIPv4Fragment(orig.IP, body, offset, more)
		if err != nil {
			t.Fatalf("header.BuildIPv4Fragment(...): %s", err)
		}
		if len(b) > 60 {
			t.Errorf("fragment %d is %d bytes, want at most 60", i, len(b))
		}
		frag, err := header.DecodeIPv4Fragment(b)
		if err != nil {
			t.Fatalf("header.DecodeIPv4Fragment(fragment %d): %s", i, err)
		}
		id, gotOffset, gotMore := frag.FragmentData()
		if id != 0x1234 || gotOffset != wantOffsets[i] || gotMore != more {
			t.Errorf("fragment %d: got FragmentData() = (%d, %d, %t), want = (%d, %d, %t)", i, id, gotOffset, gotMore, 0x1234, wantOffsets[i], more)
		}
		if res, err = f.Process(frag); err != nil {
			t.Fatalf("f.Process(fragment %d): %s", i, err)
		}
	}
	if res.Kind != fragmentation.Ready {
		t.Fatalf("got res.Kind = %s, want = %s", res.Kind, fragmentation.Ready)
	}
	if res.PacketLen != len(dgram) {
		t.Errorf("got res.PacketLen = %d, want = %d", res.PacketLen, len(dgram))
	}

	pkt, err := f.Reassemble(res.ID, make([]byte, res.PacketLen))
	if err != nil {
		t.Fatalf("f.Reassemble(%s, _): %s", res.ID, err)
	}
	if diff := cmp.Diff(dgram, pkt.Data()); diff != "" {
		t.Errorf("reassembled datagram mismatch (-want +got):\n%s", diff)
	}
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("reassembled datagram has no UDP layer: %s", pkt)
	}
	if !bytes.Equal(udp.Payload, payload) {
		t.Errorf("got UDP payload = %x, want = %x", udp.Payload, payload)
	}
}

func TestBuildIPv4FragmentOptions(t *testing.T) {
	tmpl := &layers.IPv4{
		Version:  header.IPv4Version,
		TTL:      64,
		Id:       7,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(10, 0, 0, 2).To4(),
		Options: []layers.IPv4Option{
			{OptionType: 1, OptionLength: 1},
			{OptionType: 0x94, OptionLength: 4, OptionData: []byte{0, 0}},
		},
	}
	body := make([]byte, 16)

	first, err := header.BuildIPv4Fragment(tmpl, body, 0, true)
	if err != nil {
		t.Fatalf("header.BuildIPv4Fragment(_, _, 0, true): %s", err)
	}
	f, err := header.DecodeIPv4Fragment(first)
	if err != nil {
		t.Fatalf("header.DecodeIPv4Fragment(first): %s", err)
	}
	if got, want := f.IP.IHL, uint8(7); got != want {
		t.Errorf("first fragment: got IHL = %d, want = %d", got, want)
	}

	second, err := header.BuildIPv4Fragment(tmpl, body, 2, false)
	if err != nil {
		t.Fatalf("header.BuildIPv4Fragment(_, _, 2, false): %s", err)
	}
	f, err = header.DecodeIPv4Fragment(second)
	if err != nil {
		t.Fatalf("header.DecodeIPv4Fragment(second): %s", err)
	}
	if got, want := f.IP.IHL, uint8(6); got != want {
		t.Errorf("second fragment: got IHL = %d, want = %d", got, want)
	}
	var types []uint8
	for _, o := range f.IP.Options {
		types = append(types, uint8(o.OptionType))
	}
	if diff := cmp.Diff([]uint8{0x94}, types); diff != "" {
		t.Errorf("second fragment options mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(body, f.Body()); diff != "" {
		t.Errorf("second fragment body mismatch (-want +got):\n%s", diff)
	}
}

func TestIPv4ParserErrors(t *testing.T) {
	var p header.IPv4Parser
	if _, err := p.ReassembleFragmentedPacket(make([]byte, 10), make([]byte, 10), nil); !errors.Is(err, header.ErrMalformed) {
		t.Errorf("got ReassembleFragmentedPacket(short header) = %v, want = %s", err, header.ErrMalformed)
	}
	buf := make([]byte, 0x10000)
	if _, err := p.ReassembleFragmentedPacket(buf, buf[:header.IPv4MinimumSize], nil); !errors.Is(err, header.ErrTooBig) {
		t.Errorf("got ReassembleFragmentedPacket(oversized) = %v, want = %s", err, header.ErrTooBig)
	}
}
