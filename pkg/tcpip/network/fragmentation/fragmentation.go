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

// Package fragmentation implements reassembly of IP fragments.
//
// A Fragmentation is a cache of partially received datagrams keyed by
// (source, destination, identification). It bounds the bytes it holds in
// aggregate and gives every datagram a fixed deadline from its first
// fragment, after which all of its fragments are discarded.
//
// A Fragmentation is not safe for concurrent use. Callers serialize access
// and pass the lock they use as Options.Locker so that deadline expiry is
// serialized with them too.
package fragmentation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/tcpip"
)

const (
	// BlockSize is the unit of fragment offsets, in bytes.
	BlockSize = 8

	// MaxBlockIndex is the largest block index a fragment may cover. Fragment
	// offsets are 13 bits wide in both the IPv4 header and the IPv6 fragment
	// extension header.
	MaxBlockIndex = (1 << 13) - 1

	// DefaultReassembleTimeout is based on the linux stack:
	// net.ipv4.ipfrag_time.
	DefaultReassembleTimeout = 60 * time.Second

	// HighFragThreshold is the threshold at which we start trimming old
	// fragmented packets. Linux uses a default value of 4 MB. See
	// net.ipv4.ipfrag_high_thresh for more information.
	HighFragThreshold = 4 << 20 // 4MB
)

var (
	// ErrOutOfMemory is returned when the cache holds too many bytes to admit
	// another fragment.
	ErrOutOfMemory = errors.New("fragmentation: memory limit reached")

	// ErrInvalidFragment is returned for a fragment that can never be part of
	// a valid datagram. Any flow it belonged to has been discarded.
	ErrInvalidFragment = errors.New("fragmentation: invalid fragment")

	// ErrFragmentOverlap is wrapped by ErrInvalidFragment when a fragment
	// overlaps data already received for its flow.
	ErrFragmentOverlap = errors.New("fragmentation: overlapping fragments")

	// ErrFragmentConflict is wrapped by ErrInvalidFragment when a terminal
	// fragment ends before a range that is still missing.
	ErrFragmentConflict = errors.New("fragmentation: terminal fragment conflicts with missing range")

	// ErrMissingFragments is returned by Reassemble when the flow still has
	// holes.
	ErrMissingFragments = errors.New("fragmentation: missing fragments")

	// ErrInvalidKey is returned by Reassemble for a flow that does not exist.
	ErrInvalidKey = errors.New("fragmentation: no such flow")

	// ErrBufferTooSmall is returned by Reassemble when the caller's buffer
	// cannot hold the reassembled datagram.
	ErrBufferTooSmall = errors.New("fragmentation: buffer too small")

	// ErrPacketParsing wraps errors returned by the PacketParser.
	ErrPacketParsing = errors.New("fragmentation: reassembled packet failed to parse")
)

// FragmentID is the identifier for a fragment.
type FragmentID struct {
	// Source is the source address of the fragment.
	Source tcpip.Address

	// Destination is the destination address of the fragment.
	Destination tcpip.Address

	// ID is the identification value of the fragment.
	//
	// This is a uint32 because IPv6 uses a 32-bit identification value.
	ID uint32
}

func (id FragmentID) String() string {
	return fmt.Sprintf("%s->%s id=%d", id.Source, id.Destination, id.ID)
}

// Fragment is a view of one received fragment.
type Fragment interface {
	// FragmentData returns the identification, the offset in blocks and the
	// more fragments flag.
	FragmentData() (id uint32, blockOffset uint16, more bool)

	// Body returns the fragment payload. The returned slice is not retained.
	Body() []byte

	// Source returns the source address of the fragment.
	Source() tcpip.Address

	// Destination returns the destination address of the fragment.
	Destination() tcpip.Address

	// HeaderBytes returns a copy of the header bytes that are reused
	// verbatim in front of the reassembled payload. It is only called for
	// the fragment at offset 0.
	HeaderBytes() []byte
}

// PacketParser turns a reassembled byte buffer into a packet.
type PacketParser interface {
	// ReassembleFragmentedPacket parses buf, which holds hdr followed by the
	// concatenation of body. hdr and body alias buf.
	ReassembleFragmentedPacket(buf, hdr []byte, body [][]byte) (gopacket.Packet, error)
}

// TimeoutHandler is notified when a flow expires before being completed.
type TimeoutHandler interface {
	// OnReassemblyTimeout is called with the Options.Locker held, after the
	// flow has been released.
	OnReassemblyTimeout(id FragmentID)
}

// ResultKind is the outcome of a successful call to Process.
type ResultKind int

const (
	// NeedMoreFragments means the fragment was stored and the flow is still
	// incomplete.
	NeedMoreFragments ResultKind = iota

	// NotNeeded means the fragment is a complete datagram by itself and was
	// not stored.
	NotNeeded

	// Ready means the flow is complete and can be passed to Reassemble.
	Ready
)

func (k ResultKind) String() string {
	switch k {
	case NeedMoreFragments:
		return "NeedMoreFragments"
	case NotNeeded:
		return "NotNeeded"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is returned by Process.
type Result struct {
	Kind ResultKind

	// Fragment is set for NotNeeded.
	Fragment Fragment

	// ID and PacketLen are set for Ready. PacketLen is the size of the buffer
	// Reassemble needs.
	ID        FragmentID
	PacketLen int
}

// Stats collects fragmentation statistics.
type Stats struct {
	// Fragments is the number of fragments passed to Process.
	Fragments tcpip.StatCounter

	// NotNeeded is the number of unfragmented datagrams passed to Process.
	NotNeeded tcpip.StatCounter

	// OutOfMemory is the number of fragments dropped because the cache was
	// full.
	OutOfMemory tcpip.StatCounter

	// Malformed is the number of fragments with an invalid length or offset.
	Malformed tcpip.StatCounter

	// Overlapping is the number of flows discarded because of overlapping or
	// conflicting fragments.
	Overlapping tcpip.StatCounter

	// Reassembled is the number of datagrams successfully reassembled.
	Reassembled tcpip.StatCounter

	// TimedOut is the number of flows discarded because their deadline
	// expired.
	TimedOut tcpip.StatCounter

	// ParseErrors is the number of reassembled datagrams rejected by the
	// parser.
	ParseErrors tcpip.StatCounter
}

// Options configures a Fragmentation.
type Options struct {
	// HighLimit is the number of bytes above which new fragments are
	// rejected. Defaults to HighFragThreshold.
	HighLimit int

	// Timeout is the reassembly deadline of a flow, counted from its first
	// fragment. Defaults to DefaultReassembleTimeout.
	Timeout time.Duration

	// Clock arms the deadlines. Defaults to tcpip.NewStdClock().
	Clock tcpip.Clock

	// Parser parses reassembled datagrams. Required.
	Parser PacketParser

	// Locker, if set, is locked while a deadline is handled.
	Locker sync.Locker

	// TimeoutHandler, if set, is notified of expired flows.
	TimeoutHandler TimeoutHandler
}

// Fragmentation is the main structure that other modules of the stack should
// use to implement IP Fragmentation.
type Fragmentation struct {
	reassemblers map[FragmentID]*reassembler
	memSize      int
	highLimit    int
	timeout      time.Duration
	clock        tcpip.Clock
	parser       PacketParser
	locker       sync.Locker
	handler      TimeoutHandler
	stats        Stats
}

// New creates a new Fragmentation.
//
// New panics if opts.Parser is nil.
func New(opts Options) *Fragmentation {
	if opts.Parser == nil {
		panic("fragmentation: nil PacketParser")
	}
	if opts.HighLimit <= 0 {
		opts.HighLimit = HighFragThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReassembleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	return &Fragmentation{
		reassemblers: make(map[FragmentID]*reassembler),
		highLimit:    opts.HighLimit,
		timeout:      opts.Timeout,
		clock:        opts.Clock,
		parser:       opts.Parser,
		locker:       opts.Locker,
		handler:      opts.TimeoutHandler,
	}
}

// Process admits one fragment.
//
// On error the fragment is dropped. Errors wrapping ErrInvalidFragment mean
// the fragment's flow, if any, has been discarded as well.
func (f *Fragmentation) Process(frag Fragment) (Result, error) {
	f.stats.Fragments.Increment()
	if f.aboveThreshold() {
		f.stats.OutOfMemory.Increment()
		return Result{}, ErrOutOfMemory
	}

	fragID, offset, more := frag.FragmentData()
	if offset == 0 && !more {
		f.stats.NotNeeded.Increment()
		return Result{Kind: NotNeeded, Fragment: frag}, nil
	}

	body := frag.Body()
	if len(body) == 0 {
		return Result{Kind: NeedMoreFragments}, nil
	}

	// Only the last fragment of a datagram may have a length that is not a
	// multiple of the block size.
	if more && len(body)%BlockSize != 0 {
		f.stats.Malformed.Increment()
		return Result{}, fmt.Errorf("%w: fragment length %d is not a multiple of %d", ErrInvalidFragment, len(body), BlockSize)
	}

	numBlocks := (len(body) + BlockSize - 1) / BlockSize
	lastBlock := int(offset) + numBlocks - 1
	if lastBlock > MaxBlockIndex {
		f.stats.Malformed.Increment()
		return Result{}, fmt.Errorf("%w: last block %d exceeds %d", ErrInvalidFragment, lastBlock, MaxBlockIndex)
	}

	id := FragmentID{
		Source:      frag.Source(),
		Destination: frag.Destination(),
		ID:          fragID,
	}
	r := f.getOrCreate(id)

	consumed, err := r.process(offset, uint16(lastBlock), more, frag)
	if err != nil {
		f.release(r)
		f.stats.Overlapping.Increment()
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}
	f.memSize += consumed

	if !r.ready() {
		return Result{Kind: NeedMoreFragments}, nil
	}
	return Result{Kind: Ready, ID: id, PacketLen: r.memSize}, nil
}

// Reassemble writes the datagram of a complete flow into buf and parses it.
// The flow is released whether or not parsing succeeds.
//
// buf must hold at least the PacketLen reported by Process; the parser sees
// exactly that many bytes.
func (f *Fragmentation) Reassemble(id FragmentID, buf []byte) (gopacket.Packet, error) {
	r, ok := f.reassemblers[id]
	if !ok {
		return nil, ErrInvalidKey
	}
	if !r.ready() {
		return nil, fmt.Errorf("%w: %d holes left in %s", ErrMissingFragments, r.holes.len(), id)
	}
	if len(buf) < r.memSize {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, r.memSize, len(buf))
	}
	f.release(r)

	buf = buf[:r.memSize]
	n := copy(buf, r.header)
	hdr := buf[:n:n]
	chunks := r.frags.drain()
	body := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		start := n
		n += copy(buf[n:], c)
		body = append(body, buf[start:n:n])
	}

	pkt, err := f.parser.ReassembleFragmentedPacket(buf, hdr, body)
	if err != nil {
		f.stats.ParseErrors.Increment()
		return nil, fmt.Errorf("%w: %w", ErrPacketParsing, err)
	}
	f.stats.Reassembled.Increment()
	return pkt, nil
}

// Flush releases every flow and stops its deadline. It returns the number of
// flows discarded. Flushed flows are not reported to the TimeoutHandler.
func (f *Fragmentation) Flush() int {
	n := len(f.reassemblers)
	for _, r := range f.reassemblers {
		f.release(r)
	}
	return n
}

// MemSize returns the number of bytes held by all flows.
func (f *Fragmentation) MemSize() int {
	return f.memSize
}

// Len returns the number of live flows.
func (f *Fragmentation) Len() int {
	return len(f.reassemblers)
}

// HighLimit returns the admission threshold in bytes.
func (f *Fragmentation) HighLimit() int {
	return f.highLimit
}

// Stats returns the counters of f. They may be read concurrently.
func (f *Fragmentation) Stats() *Stats {
	return &f.stats
}

func (f *Fragmentation) aboveThreshold() bool {
	return f.memSize >= f.highLimit
}

func (f *Fragmentation) getOrCreate(id FragmentID) *reassembler {
	if r, ok := f.reassemblers[id]; ok {
		return r
	}
	r := newReassembler(id, f.clock.NowMonotonic())
	r.timer = f.clock.AfterFunc(f.timeout, func() {
		f.expire(r)
	})
	f.reassemblers[id] = r
	return r
}

// expire handles the deadline of r.
func (f *Fragmentation) expire(r *reassembler) {
	if f.locker != nil {
		f.locker.Lock()
		defer f.locker.Unlock()
	}
	// The flow may have been released while the timer was firing.
	if f.reassemblers[r.id] != r {
		return
	}
	log.Debugf("fragmentation: %s expired after %s with %d holes left", r.id, f.clock.NowMonotonic().Sub(r.createdAt), r.holes.len())
	f.release(r)
	f.stats.TimedOut.Increment()
	if f.handler != nil {
		f.handler.OnReassemblyTimeout(r.id)
	}
}

// release removes r from the cache and stops its deadline.
func (f *Fragmentation) release(r *reassembler) {
	delete(f.reassemblers, r.id)
	if r.timer != nil {
		r.timer.Stop()
	}
	f.memSize -= r.memSize
	if f.memSize < 0 {
		log.Warningf("memory counter < 0 (%d), this is an accounting bug that requires investigation", f.memSize)
		f.memSize = 0
	}
}

// flowBytes returns the sum of the sizes of all live flows.
func (f *Fragmentation) flowBytes() int {
	n := 0
	for _, r := range f.reassemblers {
		n += r.memSize
	}
	return n
}
