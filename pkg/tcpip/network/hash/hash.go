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

// Package hash contains utility functions for hashing and for generating
// fragment identifications.
package hash

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"gvisor.dev/ipfrag/pkg/tcpip"
)

// RandN32 generates a slice of n cryptographic random 32-bit numbers.
func RandN32(n int) []uint32 {
	b := make([]byte, 4*n)
	if _, err := rand.Read(b); err != nil {
		panic("unable to get random numbers: " + err.Error())
	}
	r := make([]uint32, n)
	for i := range r {
		r[i] = binary.LittleEndian.Uint32(b[4*i : (4*i + 4)])
	}
	return r
}

// Hash3Words calculates the Jenkins hash of 3 32-bit words. This is adapted
// from linux.
func Hash3Words(a, b, c, initval uint32) uint32 {
	const iv = 0xdeadbeef + (3 << 2)
	initval += iv

	a += initval
	b += initval
	c += initval

	c ^= b
	c -= rol32(b, 14)
	a ^= c
	a -= rol32(c, 11)
	b ^= a
	b -= rol32(a, 25)
	c ^= b
	c -= rol32(b, 16)
	a ^= c
	a -= rol32(c, 4)
	b ^= a
	b -= rol32(a, 14)
	c ^= b
	c -= rol32(b, 24)

	return c
}

// foldAddress folds an address of any length into 32 bits.
func foldAddress(addr tcpip.Address) uint32 {
	var v uint32
	b := addr.AsSlice()
	for i := 0; i < len(b); i += 4 {
		var w [4]byte
		copy(w[:], b[i:])
		v ^= binary.LittleEndian.Uint32(w[:])
	}
	return v
}

// FlowHash hashes a (source, destination, protocol) triple with initval.
func FlowHash(src, dst tcpip.Address, protocol, initval uint32) uint32 {
	return Hash3Words(foldAddress(src), foldAddress(dst), protocol, initval)
}

// IDGenerator hands out fragment identifications. Flows hash into a fixed
// set of buckets, each holding a counter seeded at random, so that
// consecutive datagrams of a flow get consecutive identifications while
// identifications stay hard to predict across flows.
//
// IDGenerator is safe for concurrent use.
type IDGenerator struct {
	ids    []uint32
	hashIV uint32
}

// NewIDGenerator returns an IDGenerator with the given number of buckets.
func NewIDGenerator(buckets int) *IDGenerator {
	if buckets <= 0 {
		panic("hash: IDGenerator needs at least one bucket")
	}
	r := RandN32(buckets + 1)
	return &IDGenerator{
		ids:    r[:buckets],
		hashIV: r[buckets],
	}
}

// Next returns the next identification for the flow.
func (g *IDGenerator) Next(src, dst tcpip.Address, protocol uint32) uint32 {
	bucket := FlowHash(src, dst, protocol, g.hashIV) % uint32(len(g.ids))
	return atomic.AddUint32(&g.ids[bucket], 1)
}

func rol32(v, shift uint32) uint32 {
	return (v << shift) | (v >> ((-shift) & 31))
}
