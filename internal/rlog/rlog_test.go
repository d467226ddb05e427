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

package rlog_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	loglvl "github.com/nabbar/golib/logger/level"

	"github.com/Zirias/remusockd/internal/rlog"
)

var _ = Describe("New", func() {
	It("defaults to InfoLevel when not verbose", func() {
		l, err := rlog.New(context.Background(), rlog.Params{Foreground: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(l.GetLevel()).To(Equal(loglvl.InfoLevel))
	})

	It("raises to DebugLevel when verbose", func() {
		l, err := rlog.New(context.Background(), rlog.Params{Verbose: true, Foreground: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(l.GetLevel()).To(Equal(loglvl.DebugLevel))
	})

	It("accepts a foreground logger with no extra sinks", func() {
		_, err := rlog.New(context.Background(), rlog.Params{Foreground: true})
		Expect(err).ToNot(HaveOccurred())
	})

	It("accepts a backgrounded logger with a syslog tag", func() {
		_, err := rlog.New(context.Background(), rlog.Params{Foreground: false, SyslogTag: "remusockd"})
		Expect(err).ToNot(HaveOccurred())
	})

	It("accepts a file sink and creates the file", func() {
		dir, err := os.MkdirTemp("", "rlog-test-*")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "remusockd.log")
		_, err = rlog.New(context.Background(), rlog.Params{Foreground: true, LogFile: path})
		Expect(err).ToNot(HaveOccurred())

		_, statErr := os.Stat(path)
		Expect(statErr).ToNot(HaveOccurred())
	})
})
