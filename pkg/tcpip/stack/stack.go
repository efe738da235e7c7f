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

// Package stack routes raw IP packets to the network endpoints that
// reassemble them, and hands complete datagrams to a NetworkDispatcher.
//
// The stack itself holds no locks. Each endpoint serializes access to its
// own reassembly cache, so HandleRawPacket may be called concurrently.
package stack

import (
	"sort"

	"github.com/google/gopacket"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
)

// Stats holds the counters kept by the stack.
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of packets received with a
	// version nibble no endpoint handles.
	UnknownProtocolRcvdPackets tcpip.StatCounter

	// MalformedRcvdPackets is the number of empty packets received.
	MalformedRcvdPackets tcpip.StatCounter
}

// Options contains optional Stack configuration.
type Options struct {
	// NetworkProtocols lists the network protocols to enable.
	NetworkProtocols []NetworkProtocolFactory

	// Clock is the clock used by the endpoints for reassembly deadlines.
	// Defaults to tcpip.NewStdClock().
	Clock tcpip.Clock

	// Dispatcher receives complete datagrams. Datagrams are dropped if it is
	// nil.
	Dispatcher NetworkDispatcher
}

// Stack ties network endpoints to a NetworkDispatcher.
type Stack struct {
	endpoints  map[tcpip.NetworkProtocolNumber]NetworkEndpoint
	versions   map[int]NetworkEndpoint
	clock      tcpip.Clock
	dispatcher NetworkDispatcher
	stats      Stats
}

// versionOf maps a network protocol number to its IP version nibble.
var versionOf = map[tcpip.NetworkProtocolNumber]int{
	header.IPv4ProtocolNumber: header.IPv4Version,
	header.IPv6ProtocolNumber: header.IPv6Version,
}

// New allocates a new networking stack with the protocols in opts.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	s := &Stack{
		endpoints:  make(map[tcpip.NetworkProtocolNumber]NetworkEndpoint),
		versions:   make(map[int]NetworkEndpoint),
		clock:      clock,
		dispatcher: opts.Dispatcher,
	}
	for _, newProto := range opts.NetworkProtocols {
		ep := newProto(s)
		num := ep.Number()
		if _, ok := s.endpoints[num]; ok {
			panic("stack: duplicate network protocol " + num.String())
		}
		s.endpoints[num] = ep
		if v, ok := versionOf[num]; ok {
			s.versions[v] = ep
		}
	}
	return s
}

// Clock returns the clock endpoints use for deadlines.
func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

// Stats returns the stack counters.
func (s *Stack) Stats() *Stats {
	return &s.stats
}

// Endpoint returns the endpoint of the given protocol, if enabled.
func (s *Stack) Endpoint(num tcpip.NetworkProtocolNumber) (NetworkEndpoint, bool) {
	ep, ok := s.endpoints[num]
	return ep, ok
}

// Endpoints returns the enabled endpoints ordered by protocol number.
func (s *Stack) Endpoints() []NetworkEndpoint {
	eps := make([]NetworkEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Number() < eps[j].Number() })
	return eps
}

// HandleRawPacket routes a raw IP packet to the endpoint matching its version
// nibble.
func (s *Stack) HandleRawPacket(b []byte) {
	v := header.IPVersion(b)
	if v < 0 {
		s.stats.MalformedRcvdPackets.Increment()
		return
	}
	ep, ok := s.versions[v]
	if !ok {
		s.stats.UnknownProtocolRcvdPackets.Increment()
		return
	}
	ep.HandlePacket(b)
}

// DeliverNetworkPacket implements NetworkDispatcher. Endpoints call it with
// each complete datagram.
func (s *Stack) DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, pkt gopacket.Packet) {
	if s.dispatcher == nil {
		log.Debugf("stack: no dispatcher, dropping %s datagram of %d bytes", protocol, len(pkt.Data()))
		return
	}
	s.dispatcher.DeliverNetworkPacket(protocol, pkt)
}

// Close closes every endpoint.
func (s *Stack) Close() {
	for _, ep := range s.Endpoints() {
		ep.Close()
	}
}
