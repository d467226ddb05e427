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

package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Zirias/remusockd/internal/config"
)

var _ = Describe("Options", func() {
	It("requires a socket path", func() {
		_, err := config.New(config.Options{Port: 1234})
		Expect(err).To(HaveOccurred())
	})

	It("fills in defaults for mode, tick interval and worker count", func() {
		o, err := config.New(config.Options{SocketPath: "/tmp/x.sock", Port: 1234})
		Expect(err).ToNot(HaveOccurred())
		Expect(o.SockMode).To(Equal(config.DefaultSockMode))
		Expect(o.TickInterval).To(Equal(config.DefaultTick))
		Expect(o.Workers).To(Equal(config.DefaultWorkers))
		Expect(o.TLS).To(BeFalse())
	})

	It("implies TLS when a certificate and key are both given", func() {
		o, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			CertFile: "/tmp/c.crt", KeyFile: "/tmp/c.key",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(o.TLS).To(BeTrue())
	})

	It("implies TLS from -V alone", func() {
		o, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			RemoteHost: "peer.example", InsecureSkipVerify: true,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(o.TLS).To(BeTrue())
	})

	It("rejects -V without -r", func() {
		_, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			InsecureSkipVerify: true,
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects -b together with -r", func() {
		_, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			RemoteHost: "peer.example", BindAddrs: []string{"127.0.0.1:0"},
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a certificate/key pair together with -r", func() {
		_, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			RemoteHost: "peer.example", CertFile: "/tmp/c.crt", KeyFile: "/tmp/c.key",
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects more than MAXBINDS bind addresses", func() {
		_, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			BindAddrs: []string{"a:1", "b:1", "c:1", "d:1", "e:1"},
		})
		Expect(err).To(HaveOccurred())
	})

	It("requires a CA file when fingerprints are given", func() {
		_, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			CertFile: "/tmp/c.crt", KeyFile: "/tmp/c.key",
			Fingerprints: []string{"deadbeef"},
		})
		Expect(err).To(HaveOccurred())
	})

	It("accepts CA file and fingerprints together with a cert/key pair", func() {
		o, err := config.New(config.Options{
			SocketPath: "/tmp/x.sock", Port: 1234,
			CertFile: "/tmp/c.crt", KeyFile: "/tmp/c.key",
			CAFile: "/tmp/ca.crt", Fingerprints: []string{"deadbeef"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(o.TLS).To(BeTrue())
	})
})

var _ = Describe("ParseUser and ParseGroup", func() {
	It("parses a numeric group id without consulting the name service", func() {
		gid, err := config.ParseGroup("1000")
		Expect(err).ToNot(HaveOccurred())
		Expect(gid).To(Equal(1000))
	})

	It("parses a numeric user id as that uid", func() {
		uid, _, err := config.ParseUser("0")
		Expect(err).ToNot(HaveOccurred())
		Expect(uid).To(Equal(0))
	})

	It("reports an error for an unknown group name", func() {
		_, err := config.ParseGroup("no-such-group-xyz")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LoadDefaults", func() {
	It("returns the zero value when no path is given", func() {
		d, err := config.LoadDefaults("")
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(config.Defaults{}))
	})

	It("returns the zero value when the path doesn't exist", func() {
		d, err := config.LoadDefaults("/no/such/path/remusockd.toml")
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(config.Defaults{}))
	})

	It("overlays values from a config file", func() {
		dir, err := os.MkdirTemp("", "config-test-*")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "remusockd.toml")
		Expect(os.WriteFile(path, []byte("tickInterval = \"2s\"\nworkers = 8\n"), 0600)).To(Succeed())

		d, err := config.LoadDefaults(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Workers).To(Equal(8))
	})
})
