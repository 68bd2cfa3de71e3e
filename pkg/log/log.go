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

// Package log is the leveled-logging facade used by the rest of the
// module. All diagnostics named in the error-handling design (recoverable
// "Warning:"-prefixed messages, fatal teardown messages) go through here
// so that the prefixing rule lives in exactly one place.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
}

// SetLevel adjusts the verbosity of the facade. Debugf is silent unless
// the level is at least logrus.DebugLevel.
func SetLevel(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// Debugf logs a debug-level diagnostic. Never user-visible by default.
func Debugf(format string, v ...any) {
	base.Debugf(format, v...)
}

// Infof logs an informational diagnostic.
func Infof(format string, v ...any) {
	base.Infof(format, v...)
}

// Warningf logs a recoverable diagnostic. Per the error-handling design,
// recoverable conditions are user-visible with a "Warning:" prefix.
func Warningf(format string, v ...any) {
	base.Warnf("Warning: "+format, v...)
}

// Fatalf logs an unrecoverable diagnostic and terminates the process. Per
// the error-handling design, fatal diagnostics carry no prefix.
func Fatalf(format string, v ...any) {
	base.Fatalf(format, v...)
}

// limiters gates repeated identical warnings so a misbehaving tracee (or a
// busy attach list) cannot flood stderr with one warning per event. Keyed
// by the caller-supplied key, e.g. "wait-unexpected-pid".
var (
	limitersMu sync.Mutex
	limiters   = map[string]*rate.Limiter{}
)

// WarningfThrottled behaves like Warningf but drops messages sharing the
// same key beyond the configured rate. Used for conditions expected to
// recur across many events, such as an OS wait returning an unexpected
// pid, where logging every occurrence would flood the output.
func WarningfThrottled(key string, format string, v ...any) {
	limitersMu.Lock()
	lim, ok := limiters[key]
	if !ok {
		// At most one identical warning per second, with a small burst
		// allowance for the first few occurrences.
		lim = rate.NewLimiter(rate.Limit(1), 3)
		limiters[key] = lim
	}
	limitersMu.Unlock()

	if !lim.Allow() {
		return
	}
	Warningf(format, v...)
}
