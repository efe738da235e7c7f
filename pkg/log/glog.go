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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the first letter of the level.
type GoogleEmitter struct {
	*Writer
}

// glogTime is the layout of the glog timestamp.
const glogTime = "0102 15:04:05.000000"

// pid fills the thread id column, which glog pads to 7 characters.
var pid = fmt.Sprintf("%7d", os.Getpid())

// caller returns the file base name and line of the function depth frames
// above the caller of caller. It returns ("x", 0) if unknown.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "x", 0
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

func levelLetter(level Level) byte {
	switch level {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	default:
		return 'D'
	}
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line := caller(depth)

	b := make([]byte, 0, 256)
	b = append(b, levelLetter(level))
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	b = append(b, "] "...)
	b = fmt.Appendf(b, format, args...)
	b = append(b, '\n')
	g.Writer.Write(b)
}
