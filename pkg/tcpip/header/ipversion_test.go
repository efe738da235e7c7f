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

package header_test

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
)

func serializeLayer(t *testing.T, l gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, l); err != nil {
		t.Fatalf("gopacket.SerializeLayers(_, _, %T): %v", l, err)
	}
	return buf.Bytes()
}

func TestIPVersionIPv4(t *testing.T) {
	b := serializeLayer(t, &layers.IPv4{Version: 4, IHL: 5, SrcIP: net.IPv4zero.To4(), DstIP: net.IPv4zero.To4()})

	const want = header.IPv4Version
	if v := header.IPVersion(b); v != want {
		t.Fatalf("Bad version, want %v, got %v", want, v)
	}
}

func TestIPVersionIPv6(t *testing.T) {
	b := serializeLayer(t, &layers.IPv6{Version: 6, SrcIP: net.IPv6zero, DstIP: net.IPv6zero})

	const want = header.IPv6Version
	if v := header.IPVersion(b); v != want {
		t.Fatalf("Bad version, want %v, got %v", want, v)
	}
}

func TestIPVersionOther(t *testing.T) {
	const want = header.IPv4Version + header.IPv6Version
	b := make([]byte, 1)
	b[0] = want << 4

	if v := header.IPVersion(b); v != want {
		t.Fatalf("Bad version, want %v, got %v", want, v)
	}
}

func TestIPVersionTooShort(t *testing.T) {
	b := make([]byte, 1)
	b[0] = (header.IPv4Version + header.IPv6Version) << 4

	// Get the version of a zero-length slice.
	const want = -1
	if v := header.IPVersion(b[:0]); v != want {
		t.Fatalf("Bad version, want %v, got %v", want, v)
	}

	// Get the version of a nil slice.
	if v := header.IPVersion(nil); v != want {
		t.Fatalf("Bad version, want %v, got %v", want, v)
	}
}
