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

package main

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("parseArgs", func() {
	It("accepts the minimal positional form and defaults to socket-server/listener", func() {
		opt, err := parseArgs([]string{"/tmp/remusockd.sock", "9999"})
		Expect(err).ToNot(HaveOccurred())
		Expect(opt.SocketPath).To(Equal("/tmp/remusockd.sock"))
		Expect(opt.Port).To(Equal(uint16(9999)))
		Expect(opt.SockClient).To(BeFalse())
		Expect(opt.RemoteHost).To(BeEmpty())
		Expect(opt.SockMode).To(Equal("0600"))
	})

	It("rejects a malformed port", func() {
		_, err := parseArgs([]string{"/tmp/remusockd.sock", "notaport"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a wrong positional argument count", func() {
		_, err := parseArgs([]string{"/tmp/remusockd.sock"})
		Expect(err).To(HaveOccurred())

		_, err = parseArgs([]string{"/tmp/remusockd.sock", "9999", "cert.pem"})
		Expect(err).To(HaveOccurred())
	})

	It("accepts the cert/key positional pair and implies TLS", func() {
		opt, err := parseArgs([]string{"/tmp/remusockd.sock", "9999", "cert.pem", "key.pem"})
		Expect(err).ToNot(HaveOccurred())
		Expect(opt.CertFile).To(Equal("cert.pem"))
		Expect(opt.KeyFile).To(Equal("key.pem"))
		Expect(opt.TLS).To(BeTrue())
	})

	It("accepts bundled short flags", func() {
		opt, err := parseArgs([]string{"-fv", "/tmp/remusockd.sock", "9999"})
		Expect(err).ToNot(HaveOccurred())
		Expect(opt.Foreground).To(BeTrue())
		Expect(opt.Verbose).To(BeTrue())
	})

	It("sets SockClient for -c", func() {
		opt, err := parseArgs([]string{"-c", "/tmp/remusockd.sock", "9999"})
		Expect(err).ToNot(HaveOccurred())
		Expect(opt.SockClient).To(BeTrue())
	})

	It("splits a colon-separated fingerprint list", func() {
		fp := "aa11" + stringsRepeat("00", 62)
		opt, err := parseArgs([]string{
			"-C", "ca.pem", "-H", fp + ":" + fp,
			"/tmp/remusockd.sock", "9999", "cert.pem", "key.pem",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(opt.Fingerprints).To(HaveLen(2))
		Expect(opt.CAFile).To(Equal("ca.pem"))
	})

	It("rejects -V without -r", func() {
		_, err := parseArgs([]string{"-V", "/tmp/remusockd.sock", "9999"})
		Expect(err).To(HaveOccurred())
	})

	It("rejects -b together with -r", func() {
		_, err := parseArgs([]string{"-b", ":9000", "-r", "example.org", "/tmp/remusockd.sock", "9999"})
		Expect(err).To(HaveOccurred())
	})

	It("stops option parsing at --", func() {
		opt, err := parseArgs([]string{"--", "-not-a-flag", "9999"})
		Expect(err).ToNot(HaveOccurred())
		Expect(opt.SocketPath).To(Equal("-not-a-flag"))
	})
})

func stringsRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
