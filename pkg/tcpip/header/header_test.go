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
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip/faketime"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

// notDNS is too short to be a DNS message, so gopacket fails to decode it
// when it is sent to port 53.
var notDNS = []byte("not a dns")

// makeDNSDatagram returns a UDP datagram to port 53 carrying payload.
func makeDNSDatagram(t *testing.T, ipv6 bool, payload []byte) []byte {
	t.Helper()
	udp := &layers.UDP{SrcPort: 1000, DstPort: 53}
	var ip gopacket.NetworkLayer
	if ipv6 {
		ip = &layers.IPv6{
			Version:    header.IPv6Version,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      v6Src,
			DstIP:      v6Dst,
		}
	} else {
		ip = &layers.IPv4{
			Version:  header.IPv4Version,
			IHL:      5,
			TTL:      64,
			Id:       0x4321,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
			DstIP:    net.IPv4(10, 0, 0, 2).To4(),
		}
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp.SetNetworkLayerForChecksum(_): %s", err)
	}
	return serialize(t, ip.(gopacket.SerializableLayer), udp, gopacket.Payload(payload))
}

func TestDecodeDatagram(t *testing.T) {
	v4 := makeDNSDatagram(t, false, notDNS)
	badIHL := append([]byte(nil), v4...)
	badIHL[0] = header.IPv4Version<<4 | 4

	tests := []struct {
		name    string
		b       []byte
		first   gopacket.LayerType
		wantErr error
	}{
		{
			name:  "IPv4 with undecodable application payload",
			b:     v4,
			first: layers.LayerTypeIPv4,
		},
		{
			name:  "IPv6 with undecodable application payload",
			b:     makeDNSDatagram(t, true, notDNS),
			first: layers.LayerTypeIPv6,
		},
		{
			name:    "IPv4 header too short",
			b:       v4[:header.IPv4MinimumSize-1],
			first:   layers.LayerTypeIPv4,
			wantErr: header.ErrMalformed,
		},
		{
			name:    "IPv4 header length too small",
			b:       badIHL,
			first:   layers.LayerTypeIPv4,
			wantErr: header.ErrMalformed,
		},
		{
			name:    "IPv6 header too short",
			b:       make([]byte, header.IPv6MinimumSize-1),
			first:   layers.LayerTypeIPv6,
			wantErr: header.ErrMalformed,
		},
		{
			name:    "not an IP layer",
			b:       v4,
			first:   layers.LayerTypeEthernet,
			wantErr: header.ErrMalformed,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pkt, err := header.DecodeDatagram(test.b, test.first, gopacket.Default)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("got header.DecodeDatagram(_, %s, _) = %v, want = %v", test.first, err, test.wantErr)
			}
			if err != nil {
				return
			}
			if pkt.NetworkLayer() == nil {
				t.Errorf("decoded datagram has no network layer: %s", pkt)
			}
			if pkt.Layer(layers.LayerTypeUDP) == nil {
				t.Errorf("decoded datagram has no UDP layer: %s", pkt)
			}
			if pkt.ErrorLayer() == nil {
				t.Errorf("decoded datagram has no error layer for its payload: %s", pkt)
			}
		})
	}
}

func TestReassembleUndecodableApplicationPayload(t *testing.T) {
	tests := []struct {
		name   string
		ipv6   bool
		parser fragmentation.PacketParser
	}{
		{name: "IPv4", parser: header.IPv4Parser{}},
		{name: "IPv6", ipv6: true, parser: header.IPv6Parser{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dgram := makeDNSDatagram(t, test.ipv6, notDNS)
			frags := fragmentDNSDatagram(t, dgram, test.ipv6)
			if got := len(frags); got < 2 {
				t.Fatalf("got %d fragments, want at least 2", got)
			}

			f := fragmentation.New(fragmentation.Options{
				Clock:  faketime.NewManualClock(),
				Parser: test.parser,
			})
			var res fragmentation.Result
			for i, frag := range frags {
				var err error
				if res, err = f.Process(frag); err != nil {
					t.Fatalf("f.Process(fragment %d): %s", i, err)
				}
			}
			if res.Kind != fragmentation.Ready {
				t.Fatalf("got res.Kind = %s, want = %s", res.Kind, fragmentation.Ready)
			}
			got, err := f.Reassemble(res.ID, make([]byte, res.PacketLen))
			if err != nil {
				t.Fatalf("f.Reassemble(%s, _): %s", res.ID, err)
			}
			if diff := cmp.Diff(dgram, got.Data()); diff != "" {
				t.Errorf("reassembled datagram mismatch (-want +got):\n%s", diff)
			}
			udp, ok := got.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok {
				t.Fatalf("reassembled datagram has no UDP layer: %s", got)
			}
			if diff := cmp.Diff(notDNS, []byte(udp.Payload)); diff != "" {
				t.Errorf("UDP payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// fragmentDNSDatagram splits dgram into fragments carrying 8 bytes each.
func fragmentDNSDatagram(t *testing.T, dgram []byte, ipv6 bool) []fragmentation.Fragment {
	t.Helper()
	var frags []fragmentation.Fragment
	if ipv6 {
		tmpl := gopacket.NewPacket(dgram, layers.LayerTypeIPv6, gopacket.Default).Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		const mtu = header.IPv6MinimumSize + header.IPv6FragmentHeaderSize + 8
		pf := fragmentation.MakePacketFragmenter(tmpl.Payload, mtu, header.IPv6MinimumSize+header.IPv6FragmentHeaderSize)
		for pf.RemainingFragmentCount() > 0 {
			body, offset, more := pf.BuildNextFragment()
			b, err := header.BuildIPv6Fragment(tmpl, 7, body, offset, more)
			if err != nil {
				t.Fatalf("header.BuildIPv6Fragment(...): %s", err)
			}
			frag, err := header.DecodeIPv6Fragment(b)
			if err != nil {
				t.Fatalf("header.DecodeIPv6Fragment(_): %s", err)
			}
			frags = append(frags, frag)
		}
		return frags
	}
	tmpl := gopacket.NewPacket(dgram, layers.LayerTypeIPv4, gopacket.Default).Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	const mtu = header.IPv4MinimumSize + 8
	pf := fragmentation.MakePacketFragmenter(tmpl.Payload, mtu, header.IPv4MinimumSize)
	for pf.RemainingFragmentCount() > 0 {
		body, offset, more := pf.BuildNextFragment()
		b, err := header.BuildIPv4Fragment(tmpl, body, offset, more)
		if err != nil {
			t.Fatalf("header.BuildIPv4Fragment(...): %s", err)
		}
		frag, err := header.DecodeIPv4Fragment(b)
		if err != nil {
			t.Fatalf("header.DecodeIPv4Fragment(_): %s", err)
		}
		frags = append(frags, frag)
	}
	return frags
}
