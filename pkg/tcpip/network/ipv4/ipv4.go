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

// Package ipv4 contains the implementation of the ipv4 network protocol. To
// use it in the networking stack, this package must be added to the project,
// and activated on the stack by passing ipv4.NewProtocol() as one of the
// network protocols when calling stack.New().
//
// The endpoint reassembles fragmented datagrams and delivers every complete
// datagram to the stack's dispatcher.
package ipv4

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
	"gvisor.dev/ipfrag/pkg/tcpip/network/internal/ip"
	"gvisor.dev/ipfrag/pkg/tcpip/stack"
)

const (
	// ProtocolName is the string representation of the ipv4 protocol name.
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber

	// MaxTotalSize is maximum size that can be encoded in the 16-bit
	// TotalLength field of the ipv4 header.
	MaxTotalSize = 0xffff
)

// Options holds options to configure a new protocol.
type Options struct {
	// HighLimit is the reassembly memory threshold in bytes. Defaults to
	// fragmentation.HighFragThreshold.
	HighLimit int

	// ReassembleTimeout is the reassembly deadline of a datagram. Defaults
	// to fragmentation.DefaultReassembleTimeout.
	ReassembleTimeout time.Duration

	// DecodeOptions are used to decode delivered datagrams.
	DecodeOptions gopacket.DecodeOptions
}

var _ stack.NetworkEndpoint = (*endpoint)(nil)

type endpoint struct {
	*ip.Reassembly
}

// Number implements stack.NetworkEndpoint.Number.
func (*endpoint) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

func decode(b []byte) (fragmentation.Fragment, error) {
	f, err := header.DecodeIPv4Fragment(b)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewProtocolWithOptions returns an IPv4 network protocol.
func NewProtocolWithOptions(opts Options) stack.NetworkProtocolFactory {
	return func(s *stack.Stack) stack.NetworkEndpoint {
		return &endpoint{
			Reassembly: ip.NewReassembly(ip.ReassemblyOptions{
				Protocol:      ProtocolNumber,
				LayerType:     layers.LayerTypeIPv4,
				DecodeOptions: opts.DecodeOptions,
				Decode:        decode,
				Parser:        header.IPv4Parser{DecodeOptions: opts.DecodeOptions},
				HighLimit:     opts.HighLimit,
				Timeout:       opts.ReassembleTimeout,
				Clock:         s.Clock(),
				Dispatcher:    s,
			}),
		}
	}
}

// NewProtocol is equivalent to NewProtocolWithOptions with an empty Options.
func NewProtocol(s *stack.Stack) stack.NetworkEndpoint {
	return NewProtocolWithOptions(Options{})(s)
}
