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

package stack

import (
	"github.com/google/gopacket"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

// NetworkDispatcher receives complete network layer datagrams, either as they
// arrived or after reassembly.
type NetworkDispatcher interface {
	// DeliverNetworkPacket hands over a complete datagram. pkt must not be
	// retained past the call unless its data is copied.
	DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt gopacket.Packet)
}

// NetworkEndpointStats holds the counters kept by a network endpoint in
// addition to its fragmentation statistics.
type NetworkEndpointStats struct {
	// PacketsReceived is the number of datagrams and fragments handed to the
	// endpoint.
	PacketsReceived tcpip.StatCounter

	// MalformedPacketsReceived is the number of packets that failed to
	// decode.
	MalformedPacketsReceived tcpip.StatCounter

	// FragmentsDropped is the number of fragments rejected by the
	// reassembly cache.
	FragmentsDropped tcpip.StatCounter

	// PacketsDelivered is the number of complete datagrams delivered to the
	// NetworkDispatcher.
	PacketsDelivered tcpip.StatCounter
}

// NetworkEndpoint is a network layer protocol endpoint that reassembles
// fragmented datagrams.
type NetworkEndpoint interface {
	// Number returns the network protocol number of the endpoint.
	Number() tcpip.NetworkProtocolNumber

	// HandlePacket is called when a raw network layer packet arrives. b is
	// not retained.
	HandlePacket(b []byte)

	// Stats returns the endpoint counters.
	Stats() *NetworkEndpointStats

	// FragmentationStats returns the counters of the reassembly cache.
	FragmentationStats() *fragmentation.Stats

	// ReassemblyMemSize returns the bytes held by the reassembly cache.
	ReassemblyMemSize() int

	// ReassemblyLen returns the number of incomplete datagrams held by the
	// reassembly cache.
	ReassemblyLen() int

	// Close discards every incomplete datagram.
	Close()
}

// NetworkProtocolFactory instantiates a network endpoint bound to a stack.
type NetworkProtocolFactory func(*Stack) NetworkEndpoint
