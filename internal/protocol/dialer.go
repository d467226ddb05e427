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

package protocol

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	liblog "github.com/nabbar/golib/logger"

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/reactor"
)

// TunnelDialer owns the TCP (or TLS) side of a tunnel this peer actively
// dials, and reschedules the dial on loss or failure per spec.md §4.5: one
// tick after a clean loss, RECONNTICKS after a failed establish attempt. A
// tunnel under way inhibits scheduling, since ticksLeft stays at zero
// while an Engine is active.
type TunnelDialer struct {
	r         *reactor.Reactor
	ctx       context.Context
	network   string
	address   string
	tlsConfig *tls.Config
	cfg       Config
	log       liblog.Logger

	mu        sync.Mutex
	engine    *Engine
	ticksLeft int
	stopped   bool
}

// NewTunnelDialer builds a dialer and starts the first connection attempt
// immediately. tlsConfig may be nil for a plain TCP tunnel.
func NewTunnelDialer(r *reactor.Reactor, ctx context.Context, network, address string, tlsConfig *tls.Config, cfg Config, log liblog.Logger) *TunnelDialer {
	d := &TunnelDialer{r: r, ctx: ctx, network: network, address: address, tlsConfig: tlsConfig, cfg: cfg, log: log}
	r.Bus.Register(reactor.EvTick, d, nil, func(_ reactor.EventID, _ reactor.Args) { d.onTick() })
	d.dial()
	return d
}

// Active returns the Engine for the currently established tunnel, or nil
// while disconnected or counting down to a reconnect attempt.
func (d *TunnelDialer) Active() *Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// Destroy stops further reconnect attempts and tears down any active
// tunnel.
func (d *TunnelDialer) Destroy() {
	d.mu.Lock()
	d.stopped = true
	eng := d.engine
	d.engine = nil
	d.mu.Unlock()
	d.r.Bus.UnregisterAll(d)
	if eng != nil {
		eng.Destroy()
	}
}

// dial performs the raw TCP connect (and, if configured, the TLS
// handshake on top of it) on its own goroutine, handing the result back to
// the dispatcher via Post — the same pattern conn.Dial uses, needed here
// rather than conn.Dial itself because TLS must wrap the net.Conn before a
// Connection ever takes ownership of it, which conn.Dial does not expose.
func (d *TunnelDialer) dial() {
	go func() {
		dialer := net.Dialer{}
		nc, err := dialer.DialContext(d.ctx, d.network, d.address)
		if err == nil && d.tlsConfig != nil {
			tc := tls.Client(nc, d.tlsConfig)
			if hsErr := tc.HandshakeContext(d.ctx); hsErr != nil {
				_ = nc.Close()
				err = hsErr
			} else {
				nc = tc
			}
		}
		d.r.Post(func() {
			if err != nil {
				d.scheduleReconnect(RECONNTICKS)
				return
			}
			d.onConnected(nc)
		})
	}()
}

func (d *TunnelDialer) onConnected(nc net.Conn) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		_ = nc.Close()
		return
	}
	d.mu.Unlock()

	tcp := conn.New(d.r, nc, conn.Normal, 0)

	d.mu.Lock()
	eng := New(d.r, tcp, d.cfg, false, d.log)
	d.engine = eng
	d.mu.Unlock()

	eng.OnClosed = func(error) {
		d.mu.Lock()
		if d.engine == eng {
			d.engine = nil
		}
		d.mu.Unlock()
		eng.Destroy()
		d.scheduleReconnect(1)
	}
}

func (d *TunnelDialer) scheduleReconnect(ticks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.ticksLeft = ticks
}

func (d *TunnelDialer) onTick() {
	d.mu.Lock()
	if d.stopped || d.ticksLeft <= 0 {
		d.mu.Unlock()
		return
	}
	d.ticksLeft--
	fire := d.ticksLeft == 0
	d.mu.Unlock()
	if fire {
		d.dial()
	}
}
