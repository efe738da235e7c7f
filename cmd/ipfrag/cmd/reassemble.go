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
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/ipfrag/cmd/ipfrag/config"
	"gvisor.dev/ipfrag/cmd/ipfrag/util"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/metric"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/faketime"
	"gvisor.dev/ipfrag/pkg/tcpip/network/ipv4"
	"gvisor.dev/ipfrag/pkg/tcpip/network/ipv6"
	"gvisor.dev/ipfrag/pkg/tcpip/stack"
)

// Reassemble implements subcommands.Command for the "reassemble" command.
type Reassemble struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Reassemble) Name() string {
	return "reassemble"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Reassemble) Synopsis() string {
	return "reassemble fragmented IP datagrams found in pcap captures"
}

// Usage implements subcommands.Command.Usage.
func (*Reassemble) Usage() string {
	return `reassemble -o <out.pcap> <in.pcap>... - reassembles the fragmented IPv4 and IPv6 datagrams of each capture.

Capture timestamps drive reassembly deadlines. Complete datagrams, whether
reassembled or never fragmented, are written to the output as raw IP.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Reassemble) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "o", "", "output pcap file.")
}

// Execute implements subcommands.Command.Execute.
func (r *Reassemble) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 || r.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	out, err := os.Create(r.output)
	if err != nil {
		util.Fatalf("creating output: %v", err)
	}
	defer out.Close()
	bw := bufio.NewWriter(out)
	cw, err := newCaptureWriter(bw)
	if err != nil {
		util.Fatalf("%v", err)
	}

	reg := prometheus.NewPedanticRegistry()
	var (
		mu     sync.Mutex
		stacks []*stack.Stack
	)
	defer func() {
		for _, s := range stacks {
			s.Close()
		}
	}()
	g, ctx := errgroup.WithContext(ctx)
	for _, path := range f.Args() {
		path := path
		g.Go(func() error {
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			s, st, err := reassembleCapture(ctx, in, path, cw, conf, reg)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			mu.Lock()
			stacks = append(stacks, s)
			mu.Unlock()
			log.Infof("%s: %s", path, st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		util.Fatalf("reassembling: %v", err)
	}
	if err := bw.Flush(); err != nil {
		util.Fatalf("writing output: %v", err)
	}
	util.Infof("Wrote %d datagrams to %s", cw.count(), r.output)

	if conf.MetricsFile != "" {
		if err := writeMetrics(conf.MetricsFile, reg); err != nil {
			util.Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

func writeMetrics(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := metric.WriteText(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// reassembleStats summarizes the reassembly of one capture.
type reassembleStats struct {
	packets   int
	skipped   int
	delivered int
	timedOut  uint64
	pending   int
}

func (s reassembleStats) String() string {
	return fmt.Sprintf("%d packets, %d non-IP frames, %d datagrams delivered, %d timed out, %d incomplete at end of capture",
		s.packets, s.skipped, s.delivered, s.timedOut, s.pending)
}

// captureDispatcher writes complete datagrams to a captureWriter, stamped
// with the capture time of the packet that completed them.
type captureDispatcher struct {
	out       *captureWriter
	now       time.Time
	delivered int
	err       error
}

var _ stack.NetworkDispatcher = (*captureDispatcher)(nil)

// DeliverNetworkPacket implements stack.NetworkDispatcher.
func (d *captureDispatcher) DeliverNetworkPacket(_ tcpip.NetworkProtocolNumber, pkt gopacket.Packet) {
	if d.err != nil {
		return
	}
	if err := d.out.write(d.now, pkt.Data()); err != nil {
		d.err = err
		return
	}
	d.delivered++
}

// newCaptureStack returns a stack reassembling both IP versions with the
// limits of conf.
func newCaptureStack(conf *config.Config, clock tcpip.Clock, d stack.NetworkDispatcher) *stack.Stack {
	return stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocolWithOptions(ipv4.Options{
				HighLimit:         conf.IPv4HighLimit,
				ReassembleTimeout: conf.ReassembleTimeout,
			}),
			ipv6.NewProtocolWithOptions(ipv6.Options{
				HighLimit:         conf.IPv6HighLimit,
				ReassembleTimeout: conf.ReassembleTimeout,
			}),
		},
		Clock:      clock,
		Dispatcher: d,
	})
}

// reassembleCapture feeds the datagrams of the capture in r through a fresh
// stack and writes complete datagrams to out. The stack's metrics are
// registered with reg, labeled with name.
//
// On success the stack is returned open, still holding the datagrams left
// incomplete by the capture, so that its gauges can be gathered. The caller
// must close it.
func reassembleCapture(ctx context.Context, r io.Reader, name string, out *captureWriter, conf *config.Config, reg prometheus.Registerer) (*stack.Stack, reassembleStats, error) {
	cr, err := newCaptureReader(r)
	if err != nil {
		return nil, reassembleStats{}, err
	}

	clock := faketime.NewManualClock()
	d := &captureDispatcher{out: out}
	s := newCaptureStack(conf, clock, d)
	if reg != nil {
		if err := prometheus.WrapRegistererWith(prometheus.Labels{"input": name}, reg).Register(metric.NewCollector(s)); err != nil {
			s.Close()
			return nil, reassembleStats{}, fmt.Errorf("registering metrics: %w", err)
		}
	}
	st, err := runCapture(ctx, cr, clock, d, s)
	if err != nil {
		s.Close()
		return nil, st, err
	}
	return s, st, nil
}

// runCapture handles every packet of cr on s, advancing clock to the
// capture time of each packet.
func runCapture(ctx context.Context, cr *captureReader, clock *faketime.ManualClock, d *captureDispatcher, s *stack.Stack) (reassembleStats, error) {
	var st reassembleStats
	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		data, ts, err := cr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("reading packet %d: %w", st.packets+1, err)
		}
		st.packets++
		if !last.IsZero() && ts.After(last) {
			clock.Advance(ts.Sub(last))
		}
		if ts.After(last) {
			last = ts
		}
		d.now = ts
		s.HandleRawPacket(data)
		if d.err != nil {
			return st, d.err
		}
	}

	st.skipped = cr.skipped
	st.delivered = d.delivered
	for _, ep := range s.Endpoints() {
		st.timedOut += ep.FragmentationStats().TimedOut.Value()
		st.pending += ep.ReassemblyLen()
	}
	return st, nil
}
