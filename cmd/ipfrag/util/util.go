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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/ipfrag/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller as well as the regular logs.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs error to the error logger and stderr.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	writeError(format, args...)
}

// Fatalf logs the same message as Errorf and exits with error code 1.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(1)
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "%s ipfrag: %s\n", time.Now().Format(time.RFC3339), msg)
	}
}
