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
	"os"
	"path/filepath"
	"time"

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/protocol"
	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/sockserver"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S2: a full round trip over a tunnel built from two Engines facing each
// other across a net.Pipe, one LocalServer (fronting a unix socket) paired
// with one LocalClient (dialing a plain TCP backend for each HELLO).
var _ = Describe("Engine", func() {
	var (
		r      *reactor.Reactor
		ctx    context.Context
		cancel context.CancelFunc
		dir    string
	)

	BeforeEach(func() {
		r = reactor.New(32, 0)
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		go func() { _ = r.Run(ctx) }()
		Eventually(r.IsRunning, time.Second).Should(BeTrue())

		var err error
		dir, err = os.MkdirTemp("", "protocol-test-*")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		r.Quit()
		cancel()
		_ = os.RemoveAll(dir)
	})

	It("relays bytes in both directions once HELLO/CONNECT complete", func() {
		backend, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		defer backend.Close()

		backendConns := make(chan net.Conn, 1)
		go func() {
			nc, aerr := backend.Accept()
			if aerr == nil {
				backendConns <- nc
			}
		}()

		path := filepath.Join(dir, "front.sock")
		srv, err := sockserver.ListenUnix(r, nil, path, "0600", "", conn.Wait, sockserver.WithReadOffset(5))
		Expect(err).ToNot(HaveOccurred())
		defer srv.Destroy()

		tcpA, tcpB := net.Pipe()
		connA := conn.New(r, tcpA, conn.Normal, 0)
		connB := conn.New(r, tcpB, conn.Normal, 0)
		defer connA.Destroy()
		defer connB.Destroy()

		engA := protocol.New(r, connA, protocol.Config{
			Role:          protocol.LocalServer,
			LocalListener: srv,
		}, true, nil)
		defer engA.Destroy()

		engB := protocol.New(r, connB, protocol.Config{
			Role:        protocol.LocalClient,
			DialContext: ctx,
			DialNetwork: "tcp",
			DialAddress: backend.Addr().String(),
		}, false, nil)
		defer engB.Destroy()

		client, err := net.Dial("unix", path)
		Expect(err).ToNot(HaveOccurred())
		defer client.Close()

		var nc net.Conn
		Eventually(backendConns, 2*time.Second).Should(Receive(&nc))
		defer nc.Close()

		_, err = client.Write([]byte("ping"))
		Expect(err).ToNot(HaveOccurred())

		readBuf := make([]byte, 4)
		Expect(nc.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, err = readFull(nc, readBuf)
		Expect(err).ToNot(HaveOccurred())
		Expect(readBuf).To(Equal([]byte("ping")))

		_, err = nc.Write([]byte("pong!"))
		Expect(err).ToNot(HaveOccurred())

		clientBuf := make([]byte, 5)
		Expect(client.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, err = readFull(client, clientBuf)
		Expect(err).ToNot(HaveOccurred())
		Expect(clientBuf).To(Equal([]byte("pong!")))
	})
})

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
