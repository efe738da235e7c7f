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

package tcpip_test

import (
	"math"
	"testing"
	"time"

	"gvisor.dev/ipfrag/pkg/tcpip"
)

func TestMonotonicTimeBefore(t *testing.T) {
	var mt tcpip.MonotonicTime
	if mt.Before(mt) {
		t.Errorf("%#v.Before(%#v)", mt, mt)
	}

	one := mt.Add(1)
	if one.Before(mt) {
		t.Errorf("%#v.Before(%#v)", one, mt)
	}
	if !mt.Before(one) {
		t.Errorf("!%#v.Before(%#v)", mt, one)
	}
}

func TestMonotonicTimeAfter(t *testing.T) {
	var mt tcpip.MonotonicTime
	if mt.After(mt) {
		t.Errorf("%#v.After(%#v)", mt, mt)
	}

	one := mt.Add(1)
	if mt.After(one) {
		t.Errorf("%#v.After(%#v)", mt, one)
	}
	if !one.After(mt) {
		t.Errorf("!%#v.After(%#v)", one, mt)
	}
}

func TestMonotonicTimeAddSub(t *testing.T) {
	var mt tcpip.MonotonicTime
	if one, two := mt.Add(2), mt.Add(1).Add(1); one != two {
		t.Errorf("mt.Add(2) != mt.Add(1).Add(1) (%#v != %#v)", one, two)
	}

	min := mt.Add(math.MinInt64)
	max := mt.Add(math.MaxInt64)

	if overflow := mt.Add(1).Add(math.MaxInt64); overflow != max {
		t.Errorf("mt.Add(math.MaxInt64) != mt.Add(1).Add(math.MaxInt64) (%#v != %#v)", max, overflow)
	}
	if underflow := mt.Add(-1).Add(math.MinInt64); underflow != min {
		t.Errorf("mt.Add(math.MinInt64) != mt.Add(-1).Add(math.MinInt64) (%#v != %#v)", min, underflow)
	}

	if got, want := min.Sub(min), time.Duration(0); want != got {
		t.Errorf("got min.Sub(min) = %d, want %d", got, want)
	}
	if got, want := max.Sub(max), time.Duration(0); want != got {
		t.Errorf("got max.Sub(max) = %d, want %d", got, want)
	}

	if overflow, want := max.Sub(min), time.Duration(math.MaxInt64); overflow != want {
		t.Errorf("mt.Add(math.MaxInt64).Sub(mt.Add(math.MinInt64) != %s (%#v)", want, overflow)
	}
	if underflow, want := min.Sub(max), time.Duration(math.MinInt64); underflow != want {
		t.Errorf("mt.Add(math.MinInt64).Sub(mt.Add(math.MaxInt64) != %s (%#v)", want, underflow)
	}
}

const (
	shortDuration  = 1 * time.Nanosecond
	middleDuration = 100 * time.Millisecond
)

func TestStdClockAfterFunc(t *testing.T) {
	t.Parallel()

	clock := tcpip.NewStdClock()
	ch := make(chan struct{}, 1)
	clock.AfterFunc(shortDuration, func() { ch <- struct{}{} })

	select {
	case <-ch:
	case <-time.After(middleDuration):
		t.Fatal("timed out waiting for timer to fire")
	}
}

func TestStdClockStop(t *testing.T) {
	t.Parallel()

	clock := tcpip.NewStdClock()
	ch := make(chan struct{}, 1)
	timer := clock.AfterFunc(middleDuration, func() { ch <- struct{}{} })
	if !timer.Stop() {
		t.Fatal("got timer.Stop() = false, want = true")
	}
	if timer.Stop() {
		t.Error("got second timer.Stop() = true, want = false")
	}

	select {
	case <-ch:
		t.Fatal("stopped timer fired")
	case <-time.After(2 * middleDuration):
	}
}

func TestStdClockMonotonic(t *testing.T) {
	clock := tcpip.NewStdClock()
	first := clock.NowMonotonic()
	second := clock.NowMonotonic()
	if second.Before(first) {
		t.Errorf("monotonic clock went backwards: %#v then %#v", first, second)
	}
}

func TestAddressString(t *testing.T) {
	for _, tc := range []struct {
		addr tcpip.Address
		want string
	}{
		{addr: tcpip.Address("\x0a\x00\x00\x01"), want: "10.0.0.1"},
		{addr: tcpip.Address("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"), want: "2001:db8::1"},
		{addr: tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"), want: "fe80::"},
		{addr: tcpip.Address("\x01\x02"), want: "0102"},
	} {
		if got := tc.addr.String(); got != tc.want {
			t.Errorf("got Address(%x).String() = %q, want = %q", []byte(tc.addr), got, tc.want)
		}
	}
}

func TestNetworkProtocolNumberString(t *testing.T) {
	for n, want := range map[tcpip.NetworkProtocolNumber]string{
		0x0800: "ipv4",
		0x86dd: "ipv6",
		0x0806: "proto(0x0806)",
	} {
		if got := n.String(); got != want {
			t.Errorf("got NetworkProtocolNumber(%#x).String() = %q, want = %q", uint32(n), got, want)
		}
	}
}

func TestStatCounter(t *testing.T) {
	var c tcpip.StatCounter
	c.Increment()
	c.IncrementBy(41)
	c.Decrement()
	if got := c.Value(); got != 41 {
		t.Errorf("got c.Value() = %d, want = 41", got)
	}
	if got := c.String(); got != "41" {
		t.Errorf("got c.String() = %q, want = \"41\"", got)
	}
}

func TestAddrFromSlice(t *testing.T) {
	b := []byte{192, 0, 2, 1}
	a := tcpip.AddrFromSlice(b)
	b[0] = 10
	if got := a.String(); got != "192.0.2.1" {
		t.Errorf("got %s after mutating the source slice, want = 192.0.2.1", got)
	}
	if a.Len() != 4 || string(a.AsSlice()) != string(a) {
		t.Errorf("got Len() = %d, AsSlice() = %x for %s", a.Len(), a.AsSlice(), a)
	}
}
