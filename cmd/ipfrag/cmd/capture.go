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

package cmd

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// maxSnapLen is the snapshot length of written captures. It fits any
// reassembled datagram.
const maxSnapLen = 262144

// errUnsupportedLinkType is returned for captures whose link type carries no
// IP datagrams we know how to extract.
var errUnsupportedLinkType = errors.New("unsupported link type")

// captureReader yields the IP datagrams of a pcap capture.
type captureReader struct {
	r        *pcapgo.Reader
	linkType layers.LinkType

	// skipped counts frames that carried no IP datagram.
	skipped int
}

func newCaptureReader(r io.Reader) (*captureReader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}
	switch lt := pr.LinkType(); lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6, layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL:
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedLinkType, lt)
	}
	return &captureReader{r: pr, linkType: pr.LinkType()}, nil
}

// next returns the next IP datagram and its capture time. It returns io.EOF
// at the end of the capture.
func (c *captureReader) next() ([]byte, time.Time, error) {
	for {
		data, ci, err := c.r.ReadPacketData()
		if err != nil {
			return nil, time.Time{}, err
		}
		if b, ok := networkPayload(c.linkType, data); ok {
			return b, ci.Timestamp, nil
		}
		c.skipped++
	}
}

// networkPayload strips the link layer of a frame. It reports false for
// frames that do not carry IPv4 or IPv6.
func networkPayload(linkType layers.LinkType, data []byte) ([]byte, bool) {
	var (
		etherType layers.EthernetType
		payload   []byte
	)
	switch linkType {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return data, len(data) > 0
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		etherType, payload = eth.EthernetType, eth.Payload
	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		etherType, payload = sll.EthernetType, sll.Payload
	default:
		return nil, false
	}
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		etherType, payload = tag.Type, tag.Payload
	}
	switch etherType {
	case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
		return payload, len(payload) > 0
	default:
		return nil, false
	}
}

// captureWriter writes raw IP datagrams to a pcap capture. It is safe for
// concurrent use.
type captureWriter struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	written int
}

func newCaptureWriter(w io.Writer) (*captureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(maxSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("writing capture header: %w", err)
	}
	return &captureWriter{w: pw}, nil
}

func (c *captureWriter) write(ts time.Time, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	c.written++
	return nil
}

// count returns the number of packets written.
func (c *captureWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}
