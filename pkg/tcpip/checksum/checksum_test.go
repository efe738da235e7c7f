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

package checksum

import (
	"testing"
)

func TestChecksum(t *testing.T) {
	for _, tc := range []struct {
		name    string
		data    []byte
		initial uint16
		want    uint16
	}{
		{name: "empty", want: 0},
		{name: "odd length", data: []byte{1, 9, 0, 5, 4}, want: 0x050e},
		{name: "even length", data: []byte{1, 9, 0, 5}, want: 0x010e},
		{name: "carry", data: []byte{0xff, 0xff, 0x00, 0x01}, want: 1},
		{name: "initial", data: []byte{0x80, 0x00}, initial: 0x8000, want: 1},
		{name: "many carries", data: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, want: 0xffff},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Checksum(tc.data, tc.initial); got != tc.want {
				t.Errorf("got Checksum(%x, %#x) = %#x, want = %#x", tc.data, tc.initial, got, tc.want)
			}
		})
	}
}

func TestCombineSplit(t *testing.T) {
	data := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}
	whole := Checksum(data, 0)
	split := Combine(Checksum(data[:4], 0), Checksum(data[4:], 0))
	if whole != split {
		t.Errorf("got split sum %#x, want = whole sum %#x", split, whole)
	}
}

func TestPatchIPv4Header(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0xff, 0xff, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
	if Verify(hdr) {
		t.Fatal("got Verify(stale header) = true, want = false")
	}
	Patch(hdr, 10)
	if got, want := hdr[10:12], []byte{0xb8, 0x61}; got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got checksum %x, want %x", got, want)
	}
	if !Verify(hdr) {
		t.Error("got Verify(patched header) = false, want = true")
	}
}
