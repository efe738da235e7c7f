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

package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"gvisor.dev/ipfrag/cmd/ipfrag/config"
	"gvisor.dev/ipfrag/pkg/log"
)

func TestLogTarget(t *testing.T) {
	for _, test := range []struct {
		name       string
		format     string
		alsoStderr bool
		wantMulti  bool
	}{
		{name: "text", format: config.LogFormatText},
		{name: "json", format: config.LogFormatJSON},
		{name: "logrus", format: config.LogFormatLogrus},
		{name: "text also to stderr", format: config.LogFormatText, alsoStderr: true, wantMulti: true},
		{name: "json also to stderr", format: config.LogFormatJSON, alsoStderr: true, wantMulti: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			var file, stderr bytes.Buffer
			var also io.Writer
			if test.alsoStderr {
				also = &stderr
			}
			target := logTarget(test.format, &file, also)
			if _, ok := target.(*log.MultiEmitter); ok != test.wantMulti {
				t.Errorf("got logTarget(%q, ...) of type %T, want MultiEmitter = %t", test.format, target, test.wantMulti)
			}

			l := &log.BasicLogger{Level: log.Info, Emitter: target}
			l.Infof("reassembled %d datagrams", 3)
			const want = "reassembled 3 datagrams"
			if !strings.Contains(file.String(), want) {
				t.Errorf("log file %q does not contain %q", file.String(), want)
			}
			if test.alsoStderr {
				if !strings.Contains(stderr.String(), want) {
					t.Errorf("stderr %q does not contain %q", stderr.String(), want)
				}
			} else if stderr.Len() != 0 {
				t.Errorf("got %q on stderr, want nothing", stderr.String())
			}
		})
	}
}
