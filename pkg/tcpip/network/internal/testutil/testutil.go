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

// Package testutil defines types and functions used to test Network Layer
// functionality such as IP fragmentation.
package testutil

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip"
)

// Addresses used by the datagrams built in this package.
var (
	IPv4Src = net.IPv4(10, 0, 0, 1).To4()
	IPv4Dst = net.IPv4(10, 0, 0, 2).To4()
	IPv6Src = net.ParseIP("fe80::1")
	IPv6Dst = net.ParseIP("fe80::2")
)

// DeliveredPacket is a datagram handed to a MockDispatcher.
type DeliveredPacket struct {
	Protocol tcpip.NetworkProtocolNumber
	Data     []byte
}

// MockDispatcher is a stack.NetworkDispatcher that stores a copy of every
// datagram delivered to it. It is safe for concurrent use.
type MockDispatcher struct {
	mu      sync.Mutex
	packets []DeliveredPacket
}

// DeliverNetworkPacket implements stack.NetworkDispatcher.
func (d *MockDispatcher) DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt gopacket.Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packets = append(d.packets, DeliveredPacket{
		Protocol: protocol,
		Data:     append([]byte(nil), pkt.Data()...),
	})
}

// Packets returns the datagrams delivered so far.
func (d *MockDispatcher) Packets() []DeliveredPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeliveredPacket(nil), d.packets...)
}

// MakeRandPayload returns n random bytes.
func MakeRandPayload(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rand.Read: %s", err))
	}
	return b
}

func serialize(l ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		panic(fmt.Sprintf("gopacket.SerializeLayers(...): %s", err))
	}
	return append([]byte(nil), buf.Bytes()...)
}

// MakeIPv4UDP returns an IPv4 datagram with identification id carrying a
// UDP datagram with the given payload.
func MakeIPv4UDP(id uint16, payload []byte) []byte {
	return MakeIPv4UDPToPort(id, 2000, payload)
}

// MakeIPv4UDPToPort is like MakeIPv4UDP, with the UDP destination port set
// to dstPort.
func MakeIPv4UDPToPort(id uint16, dstPort layers.UDPPort, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       id,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    IPv4Src,
		DstIP:    IPv4Dst,
	}
	udp := &layers.UDP{SrcPort: 1000, DstPort: dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("udp.SetNetworkLayerForChecksum(_): %s", err))
	}
	return serialize(ip, udp, gopacket.Payload(payload))
}

// MakeIPv6UDP returns an IPv6 datagram carrying a UDP datagram with the
// given payload.
func MakeIPv6UDP(payload []byte) []byte {
	return MakeIPv6UDPToPort(2000, payload)
}

// MakeIPv6UDPToPort is like MakeIPv6UDP, with the UDP destination port set
// to dstPort.
func MakeIPv6UDPToPort(dstPort layers.UDPPort, payload []byte) []byte {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      IPv6Src,
		DstIP:      IPv6Dst,
	}
	udp := &layers.UDP{SrcPort: 1000, DstPort: dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("udp.SetNetworkLayerForChecksum(_): %s", err))
	}
	return serialize(ip, udp, gopacket.Payload(payload))
}
