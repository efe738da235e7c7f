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

package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/ipfrag/cmd/ipfrag/util"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/tcpip"
	"gvisor.dev/ipfrag/pkg/tcpip/header"
	"gvisor.dev/ipfrag/pkg/tcpip/network/hash"
	"gvisor.dev/ipfrag/pkg/tcpip/network/ipv4"
	"gvisor.dev/ipfrag/pkg/tcpip/network/ipv6"
)

// idBuckets is the number of IPv6 identification counters.
const idBuckets = 4096

// Fragment implements subcommands.Command for the "fragment" command.
type Fragment struct {
	output  string
	mtu     int
	shuffle bool
	seed    int64
}

// Name implements subcommands.Command.Name.
func (*Fragment) Name() string {
	return "fragment"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fragment) Synopsis() string {
	return "fragment the IP datagrams of a pcap capture to fit an MTU"
}

// Usage implements subcommands.Command.Usage.
func (*Fragment) Usage() string {
	return `fragment -mtu <mtu> [-shuffle] [-seed <seed>] -o <out.pcap> <in.pcap> - splits IPv4 and IPv6 datagrams larger than the MTU.

Datagrams that cannot be fragmented (DF set, extension headers) are copied
unchanged.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fr *Fragment) SetFlags(f *flag.FlagSet) {
	f.StringVar(&fr.output, "o", "", "output pcap file.")
	f.IntVar(&fr.mtu, "mtu", ipv6.MinimumMTU, "maximum size of an output packet.")
	f.BoolVar(&fr.shuffle, "shuffle", false, "shuffle the fragments of each datagram.")
	f.Int64Var(&fr.seed, "seed", 0, "shuffle seed. Zero picks one from the current time.")
}

// Execute implements subcommands.Command.Execute.
func (fr *Fragment) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 || fr.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	in, err := os.Open(f.Arg(0))
	if err != nil {
		util.Fatalf("opening input: %v", err)
	}
	defer in.Close()
	out, err := os.Create(fr.output)
	if err != nil {
		util.Fatalf("creating output: %v", err)
	}
	defer out.Close()

	opts := fragmentOptions{mtu: fr.mtu}
	if fr.shuffle {
		seed := fr.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		log.Infof("Shuffling fragments with seed %d", seed)
		opts.rand = rand.New(rand.NewSource(seed))
	}

	bw := bufio.NewWriter(out)
	st, err := fragmentCapture(in, bw, opts)
	if err != nil {
		util.Fatalf("fragmenting %s: %v", f.Arg(0), err)
	}
	if err := bw.Flush(); err != nil {
		util.Fatalf("writing output: %v", err)
	}
	util.Infof("%s: %s", f.Arg(0), st)
	return subcommands.ExitSuccess
}

type fragmentOptions struct {
	mtu int

	// rand shuffles the fragments of each datagram if set.
	rand *rand.Rand

	// ids generates IPv6 identifications. Defaults to a new generator.
	ids *hash.IDGenerator
}

// fragmentStats summarizes the fragmentation of one capture.
type fragmentStats struct {
	datagrams  int
	fragmented int
	unchanged  int
	fragments  int
}

func (s fragmentStats) String() string {
	return fmt.Sprintf("%d datagrams, %d fragmented into %d packets, %d copied unchanged",
		s.datagrams, s.fragmented, s.fragments, s.unchanged)
}

// fragmentCapture fragments the datagrams of the capture in r and writes the
// result to w as a raw IP capture.
func fragmentCapture(r io.Reader, w io.Writer, opts fragmentOptions) (fragmentStats, error) {
	var st fragmentStats
	cr, err := newCaptureReader(r)
	if err != nil {
		return st, err
	}
	cw, err := newCaptureWriter(w)
	if err != nil {
		return st, err
	}
	ids := opts.ids
	if ids == nil {
		ids = hash.NewIDGenerator(idBuckets)
	}

	for {
		data, ts, err := cr.next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("reading packet %d: %w", st.datagrams+1, err)
		}
		st.datagrams++

		frags, err := fragmentDatagram(data, opts.mtu, ids)
		switch {
		case errors.Is(err, ipv4.ErrMTUTooSmall), errors.Is(err, ipv6.ErrMTUTooSmall):
			return st, err
		case err != nil:
			log.Debugf("packet %d copied unchanged: %v", st.datagrams, err)
			frags = [][]byte{data}
		}
		if len(frags) > 1 {
			st.fragmented++
			st.fragments += len(frags)
			if opts.rand != nil {
				opts.rand.Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })
			}
		} else {
			st.unchanged++
		}
		for _, frag := range frags {
			if err := cw.write(ts, frag); err != nil {
				return st, err
			}
		}
	}
}

// fragmentDatagram splits the IPv4 or IPv6 datagram in b for mtu.
func fragmentDatagram(b []byte, mtu int, ids *hash.IDGenerator) ([][]byte, error) {
	switch v := header.IPVersion(b); v {
	case -1:
		return nil, header.ErrTruncated
	case header.IPv4Version:
		return ipv4.Fragment(b, mtu)
	case header.IPv6Version:
		if len(b) < header.IPv6MinimumSize {
			return nil, fmt.Errorf("%w: %d bytes", header.ErrTruncated, len(b))
		}
		src := tcpip.AddrFromSlice(b[8:24])
		dst := tcpip.AddrFromSlice(b[24:40])
		return ipv6.Fragment(b, mtu, ids.Next(src, dst, uint32(b[6])))
	default:
		return nil, fmt.Errorf("%w: version %d", header.ErrMalformed, v)
	}
}
