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

package protocol_test

import (
	"context"
	"net"
	"time"

	"github.com/Zirias/remusockd/internal/protocol"
	"github.com/Zirias/remusockd/internal/reactor"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TunnelDialer", func() {
	var (
		r      *reactor.Reactor
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		r = reactor.New(32, 0)
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		go func() { _ = r.Run(ctx) }()
		Eventually(r.IsRunning, time.Second).Should(BeTrue())
	})

	AfterEach(func() {
		r.Quit()
		cancel()
	})

	It("establishes a tunnel immediately against a reachable peer", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer ln.Close()

		accepted := make(chan net.Conn, 4)
		go func() {
			for {
				nc, aerr := ln.Accept()
				if aerr != nil {
					return
				}
				accepted <- nc
			}
		}()

		d := protocol.NewTunnelDialer(r, ctx, "tcp", ln.Addr().String(), nil,
			protocol.Config{Role: protocol.LocalClient}, nil)
		defer d.Destroy()

		var nc net.Conn
		Eventually(accepted, 2*time.Second).Should(Receive(&nc))
		Eventually(d.Active, 2*time.Second).ShouldNot(BeNil())
	})

	// Reconnect-after-loss (one tick) is the fast path exercised here;
	// reconnect-after-failed-dial (RECONNTICKS) only differs in how many
	// EvTick rounds elapse before the next attempt.
	It("reconnects one tick after an established tunnel is lost", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer ln.Close()

		accepted := make(chan net.Conn, 4)
		go func() {
			for {
				nc, aerr := ln.Accept()
				if aerr != nil {
					return
				}
				accepted <- nc
			}
		}()

		d := protocol.NewTunnelDialer(r, ctx, "tcp", ln.Addr().String(), nil,
			protocol.Config{Role: protocol.LocalClient}, nil)
		defer d.Destroy()

		var first net.Conn
		Eventually(accepted, 2*time.Second).Should(Receive(&first))
		Eventually(d.Active, 2*time.Second).ShouldNot(BeNil())

		Expect(first.Close()).To(Succeed())
		Eventually(d.Active, 2*time.Second).Should(BeNil())

		r.Raise(reactor.EvTick, reactor.Args{})

		var second net.Conn
		Eventually(accepted, 2*time.Second).Should(Receive(&second))
		defer second.Close()
		Eventually(d.Active, 2*time.Second).ShouldNot(BeNil())
	})
})
