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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"gvisor.dev/ipfrag/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (*NullClock) NowMonotonic() tcpip.MonotonicTime {
	return tcpip.MonotonicTime{}
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

// Stop implements tcpip.Timer.Stop.
func (nullTimer) Stop() bool {
	return false
}

// Reset implements tcpip.Timer.Reset.
func (nullTimer) Reset(time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
//
// Work scheduled with AfterFunc runs synchronously on the goroutine calling
// Advance, in deadline order. Functions scheduled for the same instant run
// in the order they were scheduled.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	now tcpip.MonotonicTime

	// times is a min-heap of pending timers. A heap is used for quick
	// retrieval of the next upcoming time of scheduled work.
	times timeHeap

	// seq orders timers that expire at the same instant.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() tcpip.MonotonicTime {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	t := &manualTimer{clock: mc, f: f}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.scheduleLocked(t, d)
	return t
}

// scheduleLocked must be called with mc.mu held.
func (mc *ManualClock) scheduleLocked(t *manualTimer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.until = mc.now.Add(d)
	t.seq = mc.seq
	mc.seq++
	heap.Push(&mc.times, t)
}

// Pending returns the number of timers that have not fired or been stopped.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.times.Len()
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Blocks until all the work has completed execution.
//
// Work scheduled by the executed functions runs too if it falls within the
// same window.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for mc.times.Len() > 0 {
		t := mc.times[0]
		if t.until.After(until) {
			break
		}
		heap.Pop(&mc.times)
		mc.now = t.until
		f := t.f
		// The lock is dropped so that f may schedule or stop timers.
		mc.mu.Unlock()
		f()
		mc.mu.Lock()
	}
	if until.After(mc.now) {
		mc.now = until
	}
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	f     func()

	// The fields below are protected by clock.mu.
	until tcpip.MonotonicTime
	seq   uint64
	// index is the position in clock.times, or -1 if not scheduled.
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&mc.times, t.index)
	}
	mc.scheduleLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&mc.times, t.index)
	return true
}

type timeHeap []*manualTimer

var _ heap.Interface = (*timeHeap)(nil)

func (h timeHeap) Len() int {
	return len(h)
}

func (h timeHeap) Less(i, j int) bool {
	if h[i].until == h[j].until {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
