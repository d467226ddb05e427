/*
 * MIT License
 *
 * Copyright (c) 2026 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package rlog builds the single github.com/nabbar/golib/logger.Logger
// every remusockd subsystem receives as a constructor parameter, per -v
// and -f. A backgrounded process (per original_source/'s daemon.c, which
// redirects stdio to /dev/null once detached) gets its standard-output
// sink disabled and an optional local syslog sink instead; an optional
// file sink applies regardless of foreground/background.
package rlog

import (
	"context"

	liblog "github.com/nabbar/golib/logger"
	logcfg "github.com/nabbar/golib/logger/config"
	loglvl "github.com/nabbar/golib/logger/level"
)

// Params is the logging-relevant slice of a parsed config.Options.
type Params struct {
	// Verbose raises the minimal log level to Debug; otherwise Info.
	Verbose bool

	// Foreground keeps the stdout/stderr sink enabled; a backgrounded
	// process has no attached terminal to write it to.
	Foreground bool

	// SyslogTag, if non-empty, adds a local syslog sink once
	// backgrounded. Ignored while Foreground is true.
	SyslogTag string

	// LogFile, if non-empty, adds a file sink regardless of
	// foreground/background.
	LogFile string
}

// New builds and configures a Logger from p.
func New(ctx context.Context, p Params) (liblog.Logger, error) {
	lvl := loglvl.InfoLevel
	if p.Verbose {
		lvl = loglvl.DebugLevel
	}

	opt := &logcfg.Options{
		Stdout: &logcfg.OptionsStd{
			DisableStandard: !p.Foreground,
			EnableTrace:     p.Verbose,
		},
	}

	if !p.Foreground && p.SyslogTag != "" {
		opt.LogSyslog = logcfg.OptionsSyslogs{{
			Tag:      p.SyslogTag,
			Facility: "daemon",
		}}
	}

	if p.LogFile != "" {
		opt.LogFile = logcfg.OptionsFiles{{
			Filepath:   p.LogFile,
			Create:     true,
			CreatePath: true,
		}}
	}

	log := liblog.New(ctx)
	log.SetLevel(lvl)
	if err := log.SetOptions(opt); err != nil {
		return nil, err
	}
	return log, nil
}
