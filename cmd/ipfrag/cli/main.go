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

// Package cli is the main entrypoint for ipfrag.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/ipfrag/cmd/ipfrag/cmd"
	"gvisor.dev/ipfrag/cmd/ipfrag/config"
	"gvisor.dev/ipfrag/cmd/ipfrag/util"
	"gvisor.dev/ipfrag/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	var logFile, alsoStderr io.Writer = os.Stderr, nil
	if conf.LogFilename != "" {
		// Appending lets several runs share one log file.
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		defer f.Close()
		logFile = f
		util.ErrorLogger = f
		if conf.AlsoLogToStderr {
			alsoStderr = os.Stderr
		}
	}
	level, err := config.ParseLevel(conf.LogLevel)
	if err != nil {
		util.Fatalf("%v", err)
	}
	log.SetTarget(logTarget(conf.LogFormat, logFile, alsoStderr))
	log.SetLevel(level)

	const delimString = `**************** ipfrag ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		return
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by ipfrag.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const pcapGroup = "captures"
	cb(new(cmd.Reassemble), pcapGroup)
	cb(new(cmd.Fragment), pcapGroup)
}

// logTarget returns the emitter writing logs to logFile and, if stderr is not
// nil, to stderr as well.
func logTarget(format string, logFile, stderr io.Writer) log.Emitter {
	emitters := log.MultiEmitter{newEmitter(format, logFile)}
	if stderr != nil {
		emitters = append(emitters, newEmitter(format, stderr))
	}
	if len(emitters) == 1 {
		// Skip the loop of MultiEmitter when logging to a single place.
		return emitters[0]
	}
	return &emitters
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case config.LogFormatText:
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case config.LogFormatJSON:
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case config.LogFormatLogrus:
		return log.NewLogrusEmitter(&log.Writer{Next: logFile})
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
