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

// Package ip holds IPv4/IPv6 common utilities.
package ip

import (
	"errors"
	"sync"
	"time"

	"github.com/google/gopacket"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
	"gvisor.dev/ipfrag/pkg/tcpip/stack"
)

// dropLogInterval bounds how often dropped packets are logged.
const dropLogInterval = time.Second

// DecodeFunc decodes a raw packet as a fragment. It returns an error wrapping
// header.ErrNotFragment for packets that carry no fragmentation information
// at all.
type DecodeFunc func(b []byte) (fragmentation.Fragment, error)

// ReassemblyOptions configures a Reassembly.
type ReassemblyOptions struct {
	// Protocol is the network protocol number reported to the dispatcher.
	Protocol tcpip.NetworkProtocolNumber

	// LayerType is used to decode datagrams that were not fragmented.
	LayerType gopacket.LayerType

	// DecodeOptions are used to decode datagrams that were not fragmented.
	DecodeOptions gopacket.DecodeOptions

	// Decode turns raw packets into fragments.
	Decode DecodeFunc

	// Parser parses reassembled datagrams.
	Parser fragmentation.PacketParser

	// HighLimit and Timeout configure the reassembly cache. Zero values
	// select the fragmentation defaults.
	HighLimit int
	Timeout   time.Duration

	// Clock arms the reassembly deadlines.
	Clock tcpip.Clock

	// Dispatcher receives complete datagrams.
	Dispatcher stack.NetworkDispatcher

	// Logger, if set, replaces the rate limited global logger used to
	// report dropped packets.
	Logger log.Logger
}

// Reassembly drives a fragmentation cache for one network protocol. It
// decodes raw packets, feeds fragments to the cache and delivers complete
// datagrams.
//
// Reassembly is safe for concurrent use.
type Reassembly struct {
	protocol      tcpip.NetworkProtocolNumber
	layerType     gopacket.LayerType
	decodeOptions gopacket.DecodeOptions
	decode        DecodeFunc
	dispatcher    stack.NetworkDispatcher
	logger        log.Logger
	stats         stack.NetworkEndpointStats

	// mu protects frag. It is also held by frag while a deadline is
	// handled.
	mu sync.Mutex

	// +checklocks:mu
	frag *fragmentation.Fragmentation
}

// NewReassembly returns a Reassembly configured by opts.
func NewReassembly(opts ReassemblyOptions) *Reassembly {
	logger := opts.Logger
	if logger == nil {
		logger = log.BasicRateLimitedLogger(dropLogInterval)
	}
	r := &Reassembly{
		protocol:      opts.Protocol,
		layerType:     opts.LayerType,
		decodeOptions: opts.DecodeOptions,
		decode:        opts.Decode,
		dispatcher:    opts.Dispatcher,
		logger:        logger,
	}
	r.frag = fragmentation.New(fragmentation.Options{
		HighLimit:      opts.HighLimit,
		Timeout:        opts.Timeout,
		Clock:          opts.Clock,
		Parser:         opts.Parser,
		Locker:         &r.mu,
		TimeoutHandler: r,
	})
	return r
}

// HandlePacket handles one raw packet. Complete datagrams, whether they
// arrived whole or were reassembled, are delivered to the dispatcher without
// r's lock held.
func (r *Reassembly) HandlePacket(b []byte) {
	r.stats.PacketsReceived.Increment()

	frag, err := r.decode(b)
	if errors.Is(err, header.ErrNotFragment) {
		r.deliverWhole(b)
		return
	}
	if err != nil {
		r.stats.MalformedPacketsReceived.Increment()
		r.logger.Debugf("%s: dropping malformed packet of %d bytes: %s", r.protocol, len(b), err)
		return
	}
	if _, offset, more := frag.FragmentData(); offset == 0 && !more {
		r.deliverWhole(b)
		return
	}

	r.mu.Lock()
	res, err := r.frag.Process(frag)
	var pkt gopacket.Packet
	if err == nil && res.Kind == fragmentation.Ready {
		pkt, err = r.frag.Reassemble(res.ID, make([]byte, res.PacketLen))
	}
	r.mu.Unlock()

	if err != nil {
		r.stats.FragmentsDropped.Increment()
		r.logger.Debugf("%s: dropping fragment from %s to %s: %s", r.protocol, frag.Source(), frag.Destination(), err)
		return
	}
	switch res.Kind {
	case fragmentation.NotNeeded:
		r.deliverWhole(b)
	case fragmentation.Ready:
		r.deliver(pkt)
	}
}

// OnReassemblyTimeout implements fragmentation.TimeoutHandler.
//
// +checklocks:r.mu
func (r *Reassembly) OnReassemblyTimeout(id fragmentation.FragmentID) {
	r.logger.Debugf("%s: reassembly of %s timed out", r.protocol, id)
}

func (r *Reassembly) deliverWhole(b []byte) {
	pkt, err := header.DecodeDatagram(b, r.layerType, r.decodeOptions)
	if err != nil {
		r.stats.MalformedPacketsReceived.Increment()
		r.logger.Debugf("%s: dropping undecodable datagram of %d bytes: %s", r.protocol, len(b), err)
		return
	}
	r.deliver(pkt)
}

func (r *Reassembly) deliver(pkt gopacket.Packet) {
	r.stats.PacketsDelivered.Increment()
	if r.dispatcher != nil {
		r.dispatcher.DeliverNetworkPacket(r.protocol, pkt)
	}
}

// Stats returns the packet counters of r.
func (r *Reassembly) Stats() *stack.NetworkEndpointStats {
	return &r.stats
}

// FragmentationStats returns the counters of the reassembly cache.
func (r *Reassembly) FragmentationStats() *fragmentation.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frag.Stats()
}

// ReassemblyMemSize returns the bytes held by the reassembly cache.
func (r *Reassembly) ReassemblyMemSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frag.MemSize()
}

// ReassemblyLen returns the number of incomplete datagrams held.
func (r *Reassembly) ReassemblyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frag.Len()
}

// HighLimit returns the admission threshold of the reassembly cache.
func (r *Reassembly) HighLimit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frag.HighLimit()
}

// Close discards every incomplete datagram.
func (r *Reassembly) Close() {
	r.mu.Lock()
	n := r.frag.Flush()
	r.mu.Unlock()
	if n > 0 {
		log.Debugf("%s: discarded %d incomplete datagrams on close", r.protocol, n)
	}
}
