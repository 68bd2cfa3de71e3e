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

// Package cmd holds the subcommands registered by cmd/ltrace/main.go.
package cmd

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/corvidtrace/ltrace/pkg/capcheck"
	"github.com/corvidtrace/ltrace/pkg/log"
	"github.com/corvidtrace/ltrace/pkg/tracer"
)

// Trace implements subcommands.Command for the "trace" command: attach to
// (or spawn) one or more processes and run the tracing core's event loop
// until every tracee has exited or been detached.
type Trace struct {
	pidList string
	exprs   string // -e: symbol filter expressions, accepted but not evaluated
	library string // -l: restrict to a named shared library, same status as exprs
	debug   bool
}

// Name implements subcommands.Command.Name.
func (*Trace) Name() string { return "trace" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Trace) Synopsis() string { return "attach to one or more processes and trace library calls" }

// Usage implements subcommands.Command.Usage.
func (*Trace) Usage() string {
	return `trace -p pid[,pid...] [-e expr] [-l library] [command [args...]] - attach to or spawn a traced process
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Trace) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.pidList, "p", "", "comma-separated list of pids to attach to")
	f.StringVar(&t.exprs, "e", "", "symbol filter expression (accepted, not evaluated)")
	f.StringVar(&t.library, "l", "", "restrict to a named shared library (accepted, not evaluated)")
	f.BoolVar(&t.debug, "debug", false, "enable debug-level logging")
}

// Execute implements subcommands.Command.Execute.
func (t *Trace) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log.SetLevel(t.debug)

	if have, err := capcheck.HavePtrace(); err != nil {
		log.Warningf("capability preflight: %v", err)
	} else if !have {
		log.Warningf("CAP_SYS_PTRACE not held; attach may still succeed under ptrace_scope/same-uid rules")
	}

	pids, err := parsePidList(t.pidList)
	if err != nil {
		log.Fatalf("-p: %v", err)
		return subcommands.ExitFailure
	}
	if len(pids) == 0 && f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	tr := tracer.New()

	if len(pids) > 0 {
		if err := attachAll(tr, pids); err != nil {
			log.Warningf("attach: %v", err)
			return subcommands.ExitFailure
		}
	}

	if f.NArg() > 0 {
		pid, err := spawn(f.Args())
		if err != nil {
			log.Warningf("spawn: %v", err)
			return subcommands.ExitFailure
		}
		if err := tr.Spawn(pid); err != nil {
			log.Warningf("spawn attach: %v", err)
			return subcommands.ExitFailure
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	go func() {
		<-sigCh
		tr.RequestShutdown()
	}()

	tr.Run()

	if !tr.AnyObserved() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// parsePidList parses a comma-separated pid list into int32s.
func parsePidList(s string) ([]int32, error) {
	if s == "" {
		return nil, nil
	}
	var out []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, int32(v))
	}
	return out, nil
}

// attachAll attaches to every pid concurrently: each attach blocks on an
// independent wait for the tracee's initial stop, so fanning them out
// with errgroup avoids serializing on the slowest one.
func attachAll(tr *tracer.Tracer, pids []int32) error {
	var g errgroup.Group
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			return tr.Attach(pid)
		})
	}
	return g.Wait()
}

// spawn forks and execs argv, leaving the child stopped at its first
// exec trap for the caller to pick up with Tracer.Spawn; it mirrors the
// traditional fork/PTRACE_TRACEME/exec dance rather than using os/exec,
// since the parent needs the raw child pid before the child resumes.
func spawn(argv []string) (int32, error) {
	pid, err := syscall.ForkExec(argv[0], argv, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
		Sys:   &syscall.SysProcAttr{Ptrace: true},
	})
	if err != nil {
		return 0, err
	}
	return int32(pid), nil
}
