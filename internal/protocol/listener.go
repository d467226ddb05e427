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
	"sync"

	liblog "github.com/nabbar/golib/logger"

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/sockserver"
)

// TunnelAcceptor watches a Server that listens for incoming TCP tunnel
// connections (built with sockserver.ListenTCP, optionally over TLS via
// sockserver.WithTLS) and turns each accepted connection into an Engine,
// enforcing spec.md §3's "at most one inbound TCP tunnel" invariant: any
// further peer while one is active receives the literal Busy response and
// is closed.
type TunnelAcceptor struct {
	r        *reactor.Reactor
	listener *sockserver.Server
	cfg      Config
	log      liblog.Logger

	mu     sync.Mutex
	active *Engine
}

// NewTunnelAcceptor starts watching listener's EvClientConnected stream.
func NewTunnelAcceptor(r *reactor.Reactor, listener *sockserver.Server, cfg Config, log liblog.Logger) *TunnelAcceptor {
	ta := &TunnelAcceptor{r: r, listener: listener, cfg: cfg, log: log}
	r.Bus.Register(reactor.EvClientConnected, ta, nil, func(_ reactor.EventID, a reactor.Args) { ta.onAccepted(a) })
	return ta
}

// Active returns the Engine for the currently accepted tunnel, or nil.
func (ta *TunnelAcceptor) Active() *Engine {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.active
}

func (ta *TunnelAcceptor) onAccepted(a reactor.Args) {
	if a.Source != ta.listener {
		return
	}
	c, ok := a.Tag.(*conn.Connection)
	if !ok {
		return
	}

	ta.mu.Lock()
	if ta.active != nil {
		ta.mu.Unlock()
		if ta.log != nil {
			ta.log.Info("protocol: rejecting tunnel peer, one is already active", nil)
		}
		// S5: close only once the busy response has actually been written,
		// not immediately after queuing it.
		ta.r.Bus.Register(reactor.EvDataSent, ta, c, func(_ reactor.EventID, ea reactor.Args) {
			if ea.Tag != c {
				return
			}
			ta.r.Bus.Unregister(reactor.EvDataSent, ta, c)
			c.Close()
		})
		if err := c.Write(Busy, c); err != nil {
			ta.r.Bus.Unregister(reactor.EvDataSent, ta, c)
			c.Close()
		}
		return
	}

	eng := New(ta.r, c, ta.cfg, true, ta.log)
	ta.active = eng
	ta.mu.Unlock()

	eng.OnClosed = func(error) {
		ta.mu.Lock()
		if ta.active == eng {
			ta.active = nil
		}
		ta.mu.Unlock()
		eng.Destroy()
	}
}

// Destroy stops watching for new connections.
func (ta *TunnelAcceptor) Destroy() {
	ta.r.Bus.UnregisterAll(ta)
}
