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
	"fmt"
	"sync"

	"github.com/google/uuid"
	liblog "github.com/nabbar/golib/logger"
	logfld "github.com/nabbar/golib/logger/fields"

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/sockserver"
	"github.com/Zirias/remusockd/internal/xerr"
)

// Tick-count constants the liveness and handshake timers are expressed in,
// counted on reactor.EvTick (reactor.DefaultTick apart). IDENTTICKS has no
// explicit value in the distilled spec and is carried over from the
// original source's protocol.h; PINGTICKS/CLOSETICKS/RECONNTICKS use the
// values the spec states directly, even where they differ from the C
// defaults (10/60/6 — PINGTICKS and CLOSETICKS differ, RECONNTICKS matches)
// — the spec is authoritative where it gives a number.
const (
	IDENTTICKS  = 2
	PINGTICKS   = 18
	CLOSETICKS  = 20
	RECONNTICKS = 6
)

// LocalRole says which side of the local filesystem/TCP socket this peer
// plays, independent of which peer owns the TCP tunnel dial.
type LocalRole int

const (
	// LocalServer listens on the local socket and originates HELLO for
	// every accepted client.
	LocalServer LocalRole = iota
	// LocalClient dials the local socket whenever HELLO arrives.
	LocalClient
)

// Config wires an Engine to its local collaborator: the accepting Server
// when Role is LocalServer, or dial parameters when Role is LocalClient.
type Config struct {
	Role LocalRole

	// LocalListener is the Server whose EvClientConnected announcements
	// this Engine allocates HELLO ids for. Required when Role ==
	// LocalServer. Per spec.md §4.5 ("the server side un-gates the local
	// read path" on CONNECT) it must have been built with conn.Wait mode
	// and a 5-byte read offset reserved for the DATA header.
	LocalListener *sockserver.Server

	// DialContext, DialNetwork, DialAddress describe the local dial
	// performed for each HELLO arriving when Role == LocalClient.
	DialContext context.Context
	DialNetwork string
	DialAddress string
}

type readState int

const (
	stDefault readState = iota // ready to read the next command byte
	stRDCmd                    // accumulating a fixed-size command header
	stRDData                   // draining a DATA frame's payload
)

// Engine drives the per-tunnel framing state machine of spec.md §4.5 over
// one TCP (or TLS) Connection: IDENT handshake, HELLO/CONNECT/BYE/DATA
// relaying against a client-number arena, and liveness ticks. It knows
// nothing about TCP listen/dial or reconnect — that is TunnelAcceptor's
// and TunnelDialer's job — so the same Engine serves both a socket-server
// and a socket-client process, and both an accepted and a dialed tunnel.
type Engine struct {
	r   *reactor.Reactor
	tcp *conn.Connection
	log liblog.Logger
	cfg Config

	ourRole    byte
	weAccepted bool

	// OnClosed, if set, is invoked once (on the dispatcher goroutine) when
	// the tunnel ends, successfully handshaked or not. TunnelDialer uses
	// it to schedule a reconnect; TunnelAcceptor uses it to free the
	// "one active tunnel" slot that gates busy rejection.
	OnClosed func(err error)

	mu          sync.Mutex
	arena       *arena
	identDone   bool
	weSentIdent bool
	peerRole    byte
	idleTicks   int
	closed      bool // set as soon as teardown is decided; stops further framing
	tornDown    bool // guards endTunnel's cleanup to run exactly once

	rstate   readState
	cmd      byte
	scratch  []byte
	rdexpect int
	dataID   uint16
	dataLen  uint16
	dataBuf  []byte
}

// New attaches an Engine to an already-connected tcp Connection. weAccepted
// is true when this peer accepted the TCP connection (it then sends IDENT
// immediately) and false when it dialed it (it waits for the peer's IDENT
// before sending its own), per spec.md §9's handshake-timing resolution.
func New(r *reactor.Reactor, tcp *conn.Connection, cfg Config, weAccepted bool, log liblog.Logger) *Engine {
	ourRole := RoleClient
	if cfg.Role == LocalServer {
		ourRole = RoleServer
	}

	e := &Engine{
		r:          r,
		tcp:        tcp,
		log:        tunnelLogger(log),
		cfg:        cfg,
		ourRole:    ourRole,
		weAccepted: weAccepted,
		arena:      newArena(),
	}

	r.Bus.Register(reactor.EvDataReceived, e, nil, func(_ reactor.EventID, a reactor.Args) { e.onDataReceived(a) })
	r.Bus.Register(reactor.EvDataSent, e, nil, func(_ reactor.EventID, a reactor.Args) { e.onDataSent(a) })
	r.Bus.Register(reactor.EvClosed, e, nil, func(_ reactor.EventID, a reactor.Args) { e.onConnClosed(a) })
	r.Bus.Register(reactor.EvTick, e, nil, func(_ reactor.EventID, _ reactor.Args) { e.onTick() })
	if cfg.Role == LocalServer {
		r.Bus.Register(reactor.EvClientConnected, e, nil, func(_ reactor.EventID, a reactor.Args) { e.onClientConnected(a) })
	}

	if weAccepted {
		e.sendIdent()
	}

	return e
}

// tunnelLogger clones log with a fresh "tunnel_id" field, so every
// concurrently active or reconnecting tunnel can be told apart in the log
// output. A nil logger (as every protocol test passes) stays nil rather
// than growing a Clone call with nothing to clone.
func tunnelLogger(log liblog.Logger) liblog.Logger {
	if log == nil {
		return nil
	}
	child, err := log.Clone()
	if err != nil {
		return log
	}
	child.SetFields(logfld.New(context.Background()).Add("tunnel_id", uuid.NewString()))
	return child
}

// Destroy unregisters every bus subscription this Engine owns. It does not
// touch the tcp Connection itself, which the caller (TunnelAcceptor or
// TunnelDialer) is responsible for.
func (e *Engine) Destroy() {
	e.r.Bus.UnregisterAll(e)
}

// IsClosed reports whether this tunnel has ended.
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) sendIdent() {
	e.mu.Lock()
	e.weSentIdent = true
	e.mu.Unlock()
	e.sendControl(EncodeIdent(e.ourRole))
}

// sendControl writes a control or relayed-data frame on the tunnel,
// tagged with e itself so onDataSent's type switch never mistakes it for
// a local-socket completion.
func (e *Engine) sendControl(frame []byte) {
	if err := e.tcp.Write(frame, e); err != nil && e.log != nil {
		e.log.Warning("protocol: dropping frame, tunnel write failed", err)
	}
}

// onDataReceived demultiplexes a global EvDataReceived: bytes arriving on
// the tunnel itself feed the framing state machine; bytes arriving on one
// of this tunnel's local sockets are relayed as a DATA frame.
func (e *Engine) onDataReceived(a reactor.Args) {
	c, ok := a.Tag.(*conn.Connection)
	if !ok {
		return
	}
	if c == e.tcp {
		e.mu.Lock()
		e.idleTicks = 0
		e.mu.Unlock()
		e.feed(a.Bytes)
		return
	}
	if id, found := e.arena.idFor(c); found {
		e.onLocalData(id, c, a.Bytes)
	}
}

// onDataSent demultiplexes a global EvDataSent. A completion tagged with
// the tunnel Connection itself means a relayed DATA payload finished
// writing to a local socket, un-gating the tunnel's own reads; a
// completion tagged with some other Connection means a DATA frame built
// from that local socket's bytes finished writing to the tunnel, un-gating
// that local socket's reads.
func (e *Engine) onDataSent(a reactor.Args) {
	c, ok := a.Tag.(*conn.Connection)
	if !ok {
		return
	}
	if c == e.tcp {
		e.tcp.ConfirmDataReceived()
		return
	}
	if _, found := e.arena.idFor(c); found {
		c.ConfirmDataReceived()
	}
}

// onConnClosed demultiplexes a global EvClosed: the tunnel Connection
// closing ends this Engine's tunnel; one of its local sockets closing
// frees that slot and announces BYE.
func (e *Engine) onConnClosed(a reactor.Args) {
	c, ok := a.Tag.(*conn.Connection)
	if !ok {
		return
	}
	if c == e.tcp {
		e.endTunnel(a.Err)
		return
	}
	if id, found := e.arena.idFor(c); found {
		e.arena.release(id)
		e.mu.Lock()
		done := e.closed
		e.mu.Unlock()
		if !done {
			e.sendControl(EncodeBye(id))
		}
	}
}

// onClientConnected reacts to a new local socket appearing on the
// socket-server side: it is only interested in its own LocalListener.
func (e *Engine) onClientConnected(a reactor.Args) {
	if e.cfg.Role != LocalServer || a.Source != e.cfg.LocalListener {
		return
	}
	c, ok := a.Tag.(*conn.Connection)
	if !ok {
		return
	}
	id := e.arena.allocate(c)
	e.sendControl(EncodeHello(id))
}

func (e *Engine) onTick() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.idleTicks++
	ticks := e.idleTicks
	identDone := e.identDone
	e.mu.Unlock()

	if !identDone {
		if ticks >= IDENTTICKS {
			e.protocolError(xerr.ErrorProtoIdentTimeout.Error())
		}
		return
	}
	if ticks == PINGTICKS {
		e.sendControl(EncodePing())
	}
	if ticks >= CLOSETICKS {
		if e.log != nil {
			e.log.Warning("protocol: closing unresponsive tunnel", nil)
		}
		e.protocolError(xerr.ErrorProtoLivenessTimeout.Error())
	}
}

// feed consumes bytes arriving on the tunnel against the framing state
// machine (spec.md §4.5: DEFAULT -> RD-CMD -> [RD-DATA] -> DEFAULT).
func (e *Engine) feed(data []byte) {
	for len(data) > 0 {
		e.mu.Lock()
		closed := e.closed
		st := e.rstate
		e.mu.Unlock()
		if closed {
			return
		}

		switch st {
		case stDefault:
			cmd := data[0]
			data = data[1:]
			n, ok := bodyLen(cmd)
			if !ok {
				e.protocolError(xerr.ErrorProtoUnexpectedCommand.Error())
				return
			}
			e.mu.Lock()
			e.cmd = cmd
			e.rdexpect = n
			e.scratch = e.scratch[:0]
			if n == 0 {
				e.mu.Unlock()
				if !e.dispatch() {
					return
				}
				continue
			}
			e.rstate = stRDCmd
			e.mu.Unlock()

		case stRDCmd:
			e.mu.Lock()
			need := e.rdexpect - len(e.scratch)
			take := need
			if take > len(data) {
				take = len(data)
			}
			e.scratch = append(e.scratch, data[:take]...)
			data = data[take:]
			ready := len(e.scratch) >= e.rdexpect
			e.mu.Unlock()
			if !ready {
				continue
			}
			if !e.dispatch() {
				return
			}

		case stRDData:
			e.mu.Lock()
			need := int(e.dataLen) - len(e.dataBuf)
			take := need
			if take > len(data) {
				take = len(data)
			}
			e.dataBuf = append(e.dataBuf, data[:take]...)
			data = data[take:]
			ready := len(e.dataBuf) >= int(e.dataLen)
			e.mu.Unlock()
			if !ready {
				continue
			}
			e.completeDataFrame()
		}
	}
}

// dispatch interprets a fully-accumulated fixed-size frame (everything but
// DATA's variable payload). It returns false if the tunnel was closed as
// a result (so feed must stop consuming the buffer).
func (e *Engine) dispatch() bool {
	e.mu.Lock()
	cmd := e.cmd
	body := append([]byte(nil), e.scratch...)
	e.rstate = stDefault
	e.mu.Unlock()

	switch cmd {
	case CmdIdent:
		e.onIdent(body[0])
	case CmdPing:
		e.sendControl(EncodePong())
	case CmdPong:
		// liveness only; idleTicks already reset in onDataReceived.
	case CmdHello:
		e.onHello(decodeID(body))
	case CmdConnect:
		e.onConnect(decodeID(body))
	case CmdBye:
		e.onBye(decodeID(body))
	case CmdData:
		id := decodeID(body[0:2])
		length := decodeID(body[2:4])
		e.mu.Lock()
		e.dataID = id
		e.dataLen = length
		e.dataBuf = e.dataBuf[:0]
		if length == 0 {
			e.mu.Unlock()
			e.onData(id, nil)
		} else {
			e.rstate = stRDData
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return !closed
}

func (e *Engine) completeDataFrame() {
	e.mu.Lock()
	id := e.dataID
	payload := append([]byte(nil), e.dataBuf...)
	e.dataBuf = nil
	e.rstate = stDefault
	e.mu.Unlock()
	e.onData(id, payload)
}

func (e *Engine) onIdent(role byte) {
	e.mu.Lock()
	if e.identDone {
		e.mu.Unlock()
		e.protocolError(xerr.ErrorProtoUnexpectedCommand.Error())
		return
	}
	if role == e.ourRole {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Info("dropping connection to other socket server", nil)
		}
		e.protocolError(xerr.ErrorProtoHandshakeMismatch.Error())
		return
	}
	e.identDone = true
	e.peerRole = role
	e.idleTicks = 0
	needSend := !e.weSentIdent
	e.mu.Unlock()

	if needSend {
		e.sendIdent()
	}
}

func (e *Engine) onHello(id uint16) {
	if e.cfg.Role != LocalClient {
		e.protocolError(xerr.ErrorProtoRoleMismatch.Error())
		return
	}
	if _, exists := e.arena.lookup(id); exists {
		e.sendControl(EncodeBye(id))
		return
	}

	dialCtx := e.cfg.DialContext
	if dialCtx == nil {
		dialCtx = context.Background()
	}
	dialed := conn.Dial(e.r, dialCtx, e.cfg.DialNetwork, e.cfg.DialAddress, 0)

	e.r.Bus.Register(reactor.EvConnected, dialed, nil, func(_ reactor.EventID, a reactor.Args) {
		if a.Tag != dialed {
			return
		}
		e.r.Bus.Unregister(reactor.EvConnected, dialed, nil)
		e.r.Bus.Unregister(reactor.EvClosed, dialed, nil)
		if err := e.arena.registerAt(id, dialed); err != nil {
			dialed.Close()
			e.sendControl(EncodeBye(id))
			return
		}
		e.sendControl(EncodeConnect(id))
	})
	e.r.Bus.Register(reactor.EvClosed, dialed, nil, func(_ reactor.EventID, a reactor.Args) {
		if a.Tag != dialed {
			return
		}
		if _, stillPending := e.arena.idFor(dialed); stillPending {
			return // the EvConnected branch already handled this via the generic onConnClosed path
		}
		e.r.Bus.Unregister(reactor.EvConnected, dialed, nil)
		e.r.Bus.Unregister(reactor.EvClosed, dialed, nil)
		e.sendControl(EncodeBye(id))
	})
}

func (e *Engine) onConnect(id uint16) {
	if e.cfg.Role != LocalServer {
		e.protocolError(xerr.ErrorProtoRoleMismatch.Error())
		return
	}
	c, ok := e.arena.lookup(id)
	if !ok {
		if e.log != nil {
			e.log.Debug("protocol: CONNECT for unknown client", nil, id)
		}
		return
	}
	c.Activate()
}

func (e *Engine) onBye(id uint16) {
	c, ok := e.arena.lookup(id)
	if !ok {
		if e.log != nil {
			e.log.Debug("protocol: BYE for unknown client", nil, id)
		}
		return
	}
	e.arena.release(id)
	c.Close()
}

func (e *Engine) onData(id uint16, payload []byte) {
	c, ok := e.arena.lookup(id)
	if !ok {
		if e.log != nil {
			e.log.Debug("protocol: data for unknown client", nil, id)
		}
		return
	}
	e.tcp.SetHandling(true)
	if err := c.Write(payload, e.tcp); err != nil {
		e.tcp.ConfirmDataReceived()
	}
}

// onLocalData relays bytes read from a local socket as a DATA frame. Go's
// Connection already copies the payload out of its read buffer before
// raising the event, so (unlike the original's in-place prefix write) this
// allocates a small combined header+payload buffer rather than reusing the
// reserved front offset directly; the offset still exists so the local
// Connection's own Read call never needs to special-case position zero.
func (e *Engine) onLocalData(id uint16, c *conn.Connection, payload []byte) {
	frame := append(EncodeDataHeader(id, uint16(len(payload))), payload...)
	c.SetHandling(true)
	if err := e.tcp.Write(frame, c); err != nil {
		c.ConfirmDataReceived()
	}
}

func (e *Engine) endTunnel(err error) {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return
	}
	e.tornDown = true
	e.closed = true
	e.mu.Unlock()

	e.arena.each(func(_ uint16, c *conn.Connection) { c.Close() })

	if e.OnClosed != nil {
		e.OnClosed(err)
	}
}

// protocolError marks the tunnel closed immediately, so the framing loop
// and the tick handler stop acting on it right away, then asynchronously
// closes the tcp Connection; endTunnel runs the actual teardown once
// EvClosed comes back for it.
func (e *Engine) protocolError(err error) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if e.log != nil {
		e.log.Info(fmt.Sprintf("protocol: closing tunnel: %v", err), nil)
	}
	e.tcp.Close()
}
