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

package daemon_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Zirias/remusockd/internal/daemon"
)

var _ = Describe("LockPidFile", func() {
	var dir, path string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "daemon-test-*")
		Expect(err).ToNot(HaveOccurred())
		path = filepath.Join(dir, "remusockd.pid")
	})

	AfterEach(func() {
		_ = os.RemoveAll(dir)
	})

	It("creates and locks a fresh pidfile with the current pid", func() {
		f, err := daemon.LockPidFile(path)
		Expect(err).ToNot(HaveOccurred())
		defer f.Close()

		content, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(strings.TrimSpace(string(content))).To(Equal(strconv.Itoa(os.Getpid())))
	})

	It("refuses a second lock while the first is still held", func() {
		f1, err := daemon.LockPidFile(path)
		Expect(err).ToNot(HaveOccurred())
		defer f1.Close()

		_, err = daemon.LockPidFile(path)
		Expect(err).To(HaveOccurred())
	})

	It("reuses the file once the prior lock is released", func() {
		f1, err := daemon.LockPidFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(f1.Close()).To(Succeed())

		f2, err := daemon.LockPidFile(path)
		Expect(err).ToNot(HaveOccurred())
		defer f2.Close()
	})
})

var _ = Describe("DropPrivileges", func() {
	It("is a no-op for negative uid and gid", func() {
		Expect(daemon.DropPrivileges(-1, -1)).To(Succeed())
	})

	It("allows setting the uid/gid to the process's own current ids", func() {
		Expect(daemon.DropPrivileges(os.Getuid(), os.Getgid())).To(Succeed())
	})
})
