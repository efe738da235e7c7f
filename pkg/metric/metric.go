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

// Package metric exports reassembly statistics as Prometheus metrics.
package metric

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/ipfrag/pkg/tcpip/stack"
)

// Namespace prefixes every metric name.
const Namespace = "ipfrag"

const (
	labelProtocol = "protocol"
	labelReason   = "reason"

	reasonOutOfMemory = "out_of_memory"
	reasonMalformed   = "malformed"
	reasonOverlap     = "overlap"
	reasonParseError  = "parse_error"
)

// Collector is a prometheus.Collector reading the counters of the network
// endpoints of a stack at collection time.
type Collector struct {
	stack *stack.Stack

	packetsReceived  *prometheus.Desc
	packetsMalformed *prometheus.Desc
	packetsDelivered *prometheus.Desc
	fragments        *prometheus.Desc
	unfragmented     *prometheus.Desc
	fragmentDrops    *prometheus.Desc
	reassembled      *prometheus.Desc
	timeouts         *prometheus.Desc
	reassemblyBytes  *prometheus.Desc
	reassemblyFlows  *prometheus.Desc
	unknownProtocol  *prometheus.Desc
	malformedRaw     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", name), help, labels, nil)
}

// NewCollector returns a Collector for the endpoints of s.
func NewCollector(s *stack.Stack) *Collector {
	return &Collector{
		stack:            s,
		packetsReceived:  newDesc("packets_received_total", "Packets handed to the network endpoint.", labelProtocol),
		packetsMalformed: newDesc("packets_malformed_total", "Packets that failed to decode.", labelProtocol),
		packetsDelivered: newDesc("packets_delivered_total", "Complete datagrams delivered.", labelProtocol),
		fragments:        newDesc("fragments_total", "Fragments passed to the reassembly cache.", labelProtocol),
		unfragmented:     newDesc("unfragmented_total", "Datagrams the reassembly cache found complete on arrival.", labelProtocol),
		fragmentDrops:    newDesc("fragment_drops_total", "Fragments or flows discarded by the reassembly cache.", labelProtocol, labelReason),
		reassembled:      newDesc("reassembled_total", "Datagrams successfully reassembled.", labelProtocol),
		timeouts:         newDesc("reassembly_timeouts_total", "Incomplete datagrams discarded at their deadline.", labelProtocol),
		reassemblyBytes:  newDesc("reassembly_bytes", "Bytes held by the reassembly cache.", labelProtocol),
		reassemblyFlows:  newDesc("reassembly_flows", "Incomplete datagrams held by the reassembly cache.", labelProtocol),
		unknownProtocol:  newDesc("unknown_protocol_packets_total", "Packets with an IP version no endpoint handles."),
		malformedRaw:     newDesc("empty_packets_total", "Empty packets received."),
	}
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsReceived
	ch <- c.packetsMalformed
	ch <- c.packetsDelivered
	ch <- c.fragments
	ch <- c.unfragmented
	ch <- c.fragmentDrops
	ch <- c.reassembled
	ch <- c.timeouts
	ch <- c.reassemblyBytes
	ch <- c.reassemblyFlows
	ch <- c.unknownProtocol
	ch <- c.malformedRaw
}

func counter(d *prometheus.Desc, v uint64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ep := range c.stack.Endpoints() {
		proto := ep.Number().String()
		stats := ep.Stats()
		ch <- counter(c.packetsReceived, stats.PacketsReceived.Value(), proto)
		ch <- counter(c.packetsMalformed, stats.MalformedPacketsReceived.Value(), proto)
		ch <- counter(c.packetsDelivered, stats.PacketsDelivered.Value(), proto)

		fstats := ep.FragmentationStats()
		ch <- counter(c.fragments, fstats.Fragments.Value(), proto)
		ch <- counter(c.unfragmented, fstats.NotNeeded.Value(), proto)
		ch <- counter(c.fragmentDrops, fstats.OutOfMemory.Value(), proto, reasonOutOfMemory)
		ch <- counter(c.fragmentDrops, fstats.Malformed.Value(), proto, reasonMalformed)
		ch <- counter(c.fragmentDrops, fstats.Overlapping.Value(), proto, reasonOverlap)
		ch <- counter(c.fragmentDrops, fstats.ParseErrors.Value(), proto, reasonParseError)
		ch <- counter(c.reassembled, fstats.Reassembled.Value(), proto)
		ch <- counter(c.timeouts, fstats.TimedOut.Value(), proto)

		ch <- prometheus.MustNewConstMetric(c.reassemblyBytes, prometheus.GaugeValue, float64(ep.ReassemblyMemSize()), proto)
		ch <- prometheus.MustNewConstMetric(c.reassemblyFlows, prometheus.GaugeValue, float64(ep.ReassemblyLen()), proto)
	}
	stats := c.stack.Stats()
	ch <- counter(c.unknownProtocol, stats.UnknownProtocolRcvdPackets.Value())
	ch <- counter(c.malformedRaw, stats.MalformedRcvdPackets.Value())
}

// WriteText gathers g and writes the metrics in the Prometheus text
// exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric family %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
