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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("fs.Parse(%v): %v", args, err)
	}
	return fs
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipfrag.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q): %v", path, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	conf, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	want := &Config{
		LogFormat:         LogFormatText,
		LogLevel:          "info",
		ReassembleTimeout: fragmentation.DefaultReassembleTimeout,
		IPv4HighLimit:     fragmentation.HighFragThreshold,
		IPv6HighLimit:     fragmentation.HighFragThreshold,
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFlags(t *testing.T) {
	conf, err := NewFromFlags(newFlagSet(t,
		"-alsologtostderr",
		"-log-format=json",
		"-log-level=debug",
		"-reassemble-timeout=5s",
		"-ipv4-high-limit=1024",
		"-metrics-file=/tmp/metrics.txt",
	))
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	want := &Config{
		AlsoLogToStderr:   true,
		LogFormat:         LogFormatJSON,
		LogLevel:          "debug",
		ReassembleTimeout: 5 * time.Second,
		IPv4HighLimit:     1024,
		IPv6HighLimit:     fragmentation.HighFragThreshold,
		MetricsFile:       "/tmp/metrics.txt",
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFileAndFlagPrecedence(t *testing.T) {
	path := writeFile(t, `
log_format = "logrus"
log_level = "warning"
reassemble_timeout = "10s"
ipv4_high_limit = 2048
ipv6_high_limit = 4096
`)
	conf, err := NewFromFlags(newFlagSet(t, "-config="+path, "-ipv6-high-limit=8192"))
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	want := &Config{
		LogFormat:         LogFormatLogrus,
		LogLevel:          "warning",
		ReassembleTimeout: 10 * time.Second,
		IPv4HighLimit:     2048,
		IPv6HighLimit:     8192,
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: `mtu = 1500`,
			wantErr: "unknown keys mtu",
		},
		{
			name:    "bad syntax",
			content: `log_level = `,
			wantErr: "loading config file",
		},
		{
			name:    "invalid value",
			content: `ipv4_high_limit = -1`,
			wantErr: "ipv4-high-limit must be positive",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.content)
			_, err := NewFromFlags(newFlagSet(t, "-config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("got NewFromFlags() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "log format", args: []string{"-log-format=xml"}},
		{name: "log level", args: []string{"-log-level=trace"}},
		{name: "timeout", args: []string{"-reassemble-timeout=0s"}},
		{name: "ipv6 limit", args: []string{"-ipv6-high-limit=0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFromFlags(newFlagSet(t, tc.args...)); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded, want error", tc.args)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]log.Level{
		"warning": log.Warning,
		"Info":    log.Info,
		"DEBUG":   log.Debug,
	} {
		got, err := ParseLevel(s)
		if err != nil || got != want {
			t.Errorf("got ParseLevel(%q) = (%v, %v), want = (%v, nil)", s, got, err, want)
		}
	}
}
