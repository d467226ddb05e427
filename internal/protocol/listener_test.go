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

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/protocol"
	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/sockserver"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S5: a second inbound tunnel peer, while one is already active, gets the
// literal busy response and is closed once it has been written.
var _ = Describe("TunnelAcceptor", func() {
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

	It("accepts one tunnel and rejects a second with the busy response", func() {
		ln, err := sockserver.ListenTCP(r, nil, []string{"127.0.0.1:0"}, conn.Normal)
		Expect(err).ToNot(HaveOccurred())
		defer ln.Destroy()

		ta := protocol.NewTunnelAcceptor(r, ln, protocol.Config{Role: protocol.LocalServer}, nil)
		defer ta.Destroy()

		addr := ln.Addrs()[0].String()

		first, err := net.Dial("tcp", addr)
		Expect(err).ToNot(HaveOccurred())
		defer first.Close()

		Eventually(ta.Active, 2*time.Second).ShouldNot(BeNil())

		second, err := net.Dial("tcp", addr)
		Expect(err).ToNot(HaveOccurred())
		defer second.Close()

		Expect(second.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		got, err := readAll(second, len(protocol.Busy))
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(protocol.Busy))

		buf := make([]byte, 1)
		Expect(second.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, err = second.Read(buf)
		Expect(err).To(HaveOccurred()) // peer closed after the busy write
	})
})

func readAll(c net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := c.Read(buf[total:])
		total += m
		if err != nil {
			return buf[:total], err
		}
	}
	return buf, nil
}
