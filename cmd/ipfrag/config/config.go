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

// Package config provides basic infrastructure to set configuration settings
// for ipfrag. Each setting that can be changed from the command line must
// be added to the Config struct with a `flag` tag naming the flag, and a
// `toml` tag naming the key in the optional configuration file.
//
// Values come from the flag defaults, then from the configuration file given
// with -config, then from flags set explicitly on the command line.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/ipfrag/pkg/log"
	"gvisor.dev/ipfrag/pkg/tcpip/network/fragmentation"
)

// configFlag names the flag pointing at the TOML configuration file.
const configFlag = "config"

// Log formats accepted by -log-format.
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatLogrus = "logrus"
)

// Config holds configuration that is not part of a subcommand's own flags.
type Config struct {
	// LogFilename is the file logs are appended to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// AlsoLogToStderr copies logs to stderr when LogFilename is set.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"also_log_to_stderr"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// LogLevel is the most verbose level logged: warning, info or debug.
	LogLevel string `flag:"log-level" toml:"log_level"`

	// ReassembleTimeout is the deadline of a datagram in reassembly,
	// counted from its first fragment.
	ReassembleTimeout time.Duration `flag:"reassemble-timeout" toml:"reassemble_timeout"`

	// IPv4HighLimit is the IPv4 reassembly memory threshold in bytes.
	IPv4HighLimit int `flag:"ipv4-high-limit" toml:"ipv4_high_limit"`

	// IPv6HighLimit is the IPv6 reassembly memory threshold in bytes.
	IPv6HighLimit int `flag:"ipv6-high-limit" toml:"ipv6_high_limit"`

	// MetricsFile, if set, receives the reassembly metrics in the
	// Prometheus text format when a command completes.
	MetricsFile string `flag:"metrics-file" toml:"metrics_file"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path of a TOML configuration file. Flags set on the command line take precedence over its values.")

	// Logging flags.
	flagSet.String("log", "", "file path where logs are appended, default is stderr.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as the -log file.")
	flagSet.String("log-format", LogFormatText, "log format: text (default), json, or logrus.")
	flagSet.String("log-level", "info", "log level: warning, info (default), or debug.")

	// Reassembly flags.
	flagSet.Duration("reassemble-timeout", fragmentation.DefaultReassembleTimeout, "time a datagram may spend in reassembly, counted from its first fragment.")
	flagSet.Int("ipv4-high-limit", fragmentation.HighFragThreshold, "bytes of IPv4 fragments held before new fragments are dropped.")
	flagSet.Int("ipv6-high-limit", fragmentation.HighFragThreshold, "bytes of IPv6 fragments held before new fragments are dropped.")

	// Metrics flags.
	flagSet.String("metrics-file", "", "file path where reassembly metrics are written in Prometheus text format.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if -config is set, the configuration file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	// Defaults first.
	var err error
	flagSet.VisitAll(func(fl *flag.Flag) {
		if err == nil {
			err = conf.set(fl)
		}
	})
	if err != nil {
		return nil, err
	}

	if fl := flagSet.Lookup(configFlag); fl != nil && fl.Value.String() != "" {
		if err := conf.loadFile(fl.Value.String()); err != nil {
			return nil, err
		}
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil {
				err = conf.set(fl)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile overlays the values of the TOML file at path on c.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// set copies the value of fl to the field tagged with its name, if any.
func (c *Config) set(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || name != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q does not implement flag.Getter", fl.Name)
		}
		x := reflect.ValueOf(getter.Get())
		if !x.Type().AssignableTo(obj.Field(i).Type()) {
			return fmt.Errorf("flag %q has type %s, field wants %s", fl.Name, x.Type(), obj.Field(i).Type())
		}
		obj.Field(i).Set(x)
		return nil
	}
	return nil
}

// ParseLevel returns the log level named by s.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "warning":
		return log.Warning, nil
	case "info":
		return log.Info, nil
	case "debug":
		return log.Debug, nil
	default:
		return 0, fmt.Errorf("invalid log level %q, must be 'warning', 'info', or 'debug'", s)
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatLogrus:
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ReassembleTimeout <= 0 {
		return fmt.Errorf("reassemble-timeout must be positive, got %s", c.ReassembleTimeout)
	}
	if c.IPv4HighLimit <= 0 {
		return fmt.Errorf("ipv4-high-limit must be positive, got %d", c.IPv4HighLimit)
	}
	if c.IPv6HighLimit <= 0 {
		return fmt.Errorf("ipv6-high-limit must be positive, got %d", c.IPv6HighLimit)
	}
	return nil
}

// Log logs every configuration value at info level.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	lines := make([]string, 0, st.NumField())
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			lines = append(lines, fmt.Sprintf("%s: %v", name, obj.Field(i).Interface()))
		}
	}
	sort.Strings(lines)
	log.Infof("Config:")
	for _, l := range lines {
		log.Infof("\t%s", l)
	}
}
