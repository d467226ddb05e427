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

// Package conn implements the non-blocking byte-stream endpoint remusockd's
// protocol engine runs on top of: a bounded outbound queue with per-write
// completion tags, a single inbound buffer gated by a "handling" flag while
// a payload is in flight, a connecting-in-progress state, and lazy
// reverse-DNS labeling of the remote address.
//
// Go has no non-blocking read/write surface as direct as the reactor's
// original readiness-driven fd model, so each Connection runs its own
// reader and writer goroutine; both only ever communicate application
// events back through the owning Reactor's Post, so handler code still
// only ever executes on the single dispatcher goroutine.
package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/workerpool"
	"github.com/Zirias/remusockd/internal/xerr"
)

// Mode selects how a newly built Connection begins life.
type Mode int

const (
	// Normal: the net.Conn is already established; start reading right away.
	Normal Mode = iota
	// Connecting: an async dial is in progress; Connection itself drives it.
	Connecting
	// Wait: the net.Conn is established but reads stay paused until Activate.
	Wait
)

// MaxWriteQueue is the bound on pending write records, per spec.md §3's
// "fixed-capacity ring of up to 16 pending write records".
const MaxWriteQueue = 16

// ReadBufSize is the size of a Connection's single inbound buffer.
const ReadBufSize = 4096

type writeRecord struct {
	buf []byte
	tag any
}

// Connection is the endpoint type of spec.md §4.3.
type Connection struct {
	r    *reactor.Reactor
	nc   net.Conn
	mode Mode

	readOffset int
	deleter    func(any)

	mu        sync.Mutex
	userData  any
	queue     []writeRecord
	handling  bool
	closed    bool
	destroyed bool
	resumeCh  chan struct{}
	writeCh   chan struct{}
	shutdown  chan struct{}
	shutOnce  sync.Once

	remoteNumeric string
	remoteHost    string
}

// New wraps an already-established net.Conn. mode must be Normal or Wait;
// use Dial to build a Connection around an asynchronous connect.
func New(r *reactor.Reactor, nc net.Conn, mode Mode, readOffset int) *Connection {
	c := &Connection{
		r:          r,
		nc:         nc,
		mode:       mode,
		readOffset: readOffset,
		resumeCh:   make(chan struct{}, 1),
		writeCh:    make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}
	if mode != Wait {
		go c.readLoop()
	}
	go c.writeLoop()
	return c
}

// Dial starts an asynchronous connect and returns a Connection in
// Connecting mode immediately; spec.md's SO_ERROR inspection on the first
// writable event becomes, in Go, simply waiting for DialContext to return:
// success raises EvConnected and switches to reading, failure raises
// EvClosed and schedules deferred destruction.
func Dial(r *reactor.Reactor, ctx context.Context, network, addr string, readOffset int) *Connection {
	c := &Connection{
		r:          r,
		mode:       Connecting,
		readOffset: readOffset,
		resumeCh:   make(chan struct{}, 1),
		writeCh:    make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
	}

	go func() {
		d := net.Dialer{}
		nc, err := d.DialContext(ctx, network, addr)
		r.Post(func() {
			if err != nil {
				c.r.Bus.Raise(reactor.EvClosed, reactor.Args{Tag: c, Err: err})
				c.scheduleDestroy()
				return
			}
			c.mu.Lock()
			c.nc = nc
			c.mode = Normal
			c.mu.Unlock()
			go c.readLoop()
			go c.writeLoop()
			c.r.Bus.Raise(reactor.EvConnected, reactor.Args{Tag: c})
		})
	}()

	return c
}

// SetUserData stores the protocol engine's opaque per-connection state
// (its ClientSpec arena handle) plus the function that must run to
// release it when the Connection is destroyed.
func (c *Connection) SetUserData(data any, deleter func(any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = data
	c.deleter = deleter
}

// UserData returns whatever SetUserData last stored.
func (c *Connection) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

// Activate starts the read loop of a Connection built with Wait mode.
func (c *Connection) Activate() {
	c.mu.Lock()
	if c.mode != Wait {
		c.mu.Unlock()
		return
	}
	c.mode = Normal
	c.mu.Unlock()
	go c.readLoop()
}

// Write enqueues buf (borrowed, not copied) tagged with tag. The caller
// must keep buf alive until EvDataSent fires with this tag, or until the
// Connection is destroyed.
func (c *Connection) Write(buf []byte, tag any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return xerr.ErrorConnClosed.Error()
	}
	if len(c.queue) >= MaxWriteQueue {
		c.mu.Unlock()
		return xerr.ErrorConnQueueFull.Error()
	}
	c.queue = append(c.queue, writeRecord{buf: buf, tag: tag})
	c.mu.Unlock()

	select {
	case c.writeCh <- struct{}{}:
	default:
	}
	return nil
}

// readLoop drains inbound bytes and raises EvDataReceived with the
// handling gate cleared; it then blocks until ConfirmDataReceived wakes it
// (or the handler never set handling, in which case it proceeds at once).
func (c *Connection) readLoop() {
	buf := make([]byte, ReadBufSize)
	for {
		c.mu.Lock()
		nc := c.nc
		offset := c.readOffset
		c.mu.Unlock()
		if nc == nil {
			return
		}

		n, err := nc.Read(buf[offset:])
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				c.raiseClosedAndDestroy(nil)
				return
			}
			c.raiseClosedAndDestroy(err)
			return
		}
		if n == 0 {
			continue
		}

		payload := append([]byte(nil), buf[offset:offset+n]...)

		done := make(chan struct{})
		c.r.Post(func() {
			c.mu.Lock()
			c.handling = false
			c.mu.Unlock()
			c.r.Bus.Raise(reactor.EvDataReceived, reactor.Args{
				Tag: c, Bytes: payload, Off: offset, Size: n,
			})
			c.mu.Lock()
			gated := c.handling
			c.mu.Unlock()
			if !gated {
				// A handler that called SetHandling(true) then
				// ConfirmDataReceived synchronously within this same
				// dispatch (e.g. a write that failed immediately) leaves
				// a token sitting in resumeCh with nobody gated on it.
				// Drain it here so it cannot wake the *next* cycle
				// before that cycle's own completion arrives.
				select {
				case <-c.resumeCh:
				default:
				}
				close(done)
				return
			}
			// Handler gated the connection; ConfirmDataReceived will
			// send on resumeCh instead.
			go func() {
				select {
				case <-c.resumeCh:
				case <-c.shutdown:
				}
				close(done)
			}()
		})
		<-done

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
	}
}

// SetHandling is called by a data-received handler, on the dispatcher
// goroutine, to gate further reads until ConfirmDataReceived.
func (c *Connection) SetHandling(v bool) {
	c.mu.Lock()
	c.handling = v
	c.mu.Unlock()
}

// ConfirmDataReceived re-arms the read loop after a handler previously
// called SetHandling(true) from within its EvDataReceived handler.
func (c *Connection) ConfirmDataReceived() {
	c.mu.Lock()
	c.handling = false
	c.mu.Unlock()
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbound queue in order, writing each record fully
// (retrying on short writes) before raising EvDataSent with its tag.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.shutdown:
			return
		case <-c.writeCh:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			rec := c.queue[0]
			nc := c.nc
			c.mu.Unlock()

			var writeErr error
			if nc != nil {
				_, writeErr = writeFull(nc, rec.buf)
			}

			c.mu.Lock()
			if len(c.queue) > 0 {
				c.queue = c.queue[1:]
			}
			c.mu.Unlock()

			c.r.Post(func() {
				c.r.Bus.Raise(reactor.EvDataSent, reactor.Args{Tag: rec.tag, Err: writeErr})
			})

			if writeErr != nil {
				c.raiseClosedAndDestroy(writeErr)
				return
			}
		}
	}
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Connection) raiseClosedAndDestroy(err error) {
	c.r.Post(func() {
		c.mu.Lock()
		already := c.closed
		c.closed = true
		c.mu.Unlock()
		if !already {
			c.r.Bus.Raise(reactor.EvClosed, reactor.Args{Tag: c, Err: err})
		}
		c.scheduleDestroy()
	})
}

// Close raises EvClosed (if not already closed) and schedules deferred
// destruction once the current batch of dispatcher work finishes.
func (c *Connection) Close() {
	c.r.Post(func() {
		c.mu.Lock()
		already := c.closed
		c.closed = true
		c.mu.Unlock()
		if !already {
			c.r.Bus.Raise(reactor.EvClosed, reactor.Args{Tag: c})
		}
		c.scheduleDestroy()
	})
}

// scheduleDestroy posts Destroy to run after the handlers reacting to
// EvClosed have had a chance to run, per spec.md's "drain then destroy"
// pattern (§9 Design Notes). Destroy is idempotent, so a manual Destroy
// racing the deferred one is safe.
func (c *Connection) scheduleDestroy() {
	c.r.Post(c.Destroy)
}

// Destroy flushes any queued write records (raising EvDataSent with
// completed=false semantics via a non-nil Err), closes the underlying
// net.Conn, invokes the stored deleter, and finally unregisters every
// subscription held under the Connection from the bus. Safe to call more
// than once; only the first call has effect.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	pending := c.queue
	c.queue = nil
	nc := c.nc
	data := c.userData
	deleter := c.deleter
	c.mu.Unlock()

	c.shutOnce.Do(func() { close(c.shutdown) })

	for _, rec := range pending {
		c.r.Bus.Raise(reactor.EvDataSent, reactor.Args{Tag: rec.tag, Err: xerr.ErrorConnClosed.Error()})
	}

	if nc != nil {
		_ = nc.Close()
	}
	if deleter != nil {
		deleter(data)
	}
	c.r.Bus.UnregisterAll(c)
}

// SetRemoteAddr formats a's numeric representation immediately. When
// numeric is false and pool is active, it additionally enqueues a reverse
// lookup job; on success the resolved name is stored as a separate Host()
// label, on failure only the numeric form remains.
func (c *Connection) SetRemoteAddr(a net.Addr, numeric bool, pool *workerpool.Pool) {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		host = a.String()
	}
	c.mu.Lock()
	c.remoteNumeric = host
	c.mu.Unlock()

	if numeric || pool == nil || !pool.Active() {
		return
	}

	_ = pool.Enqueue(&workerpool.Job{
		TimeoutTicks: 2,
		Run: func(ctx context.Context) (any, error) {
			names, lookupErr := net.DefaultResolver.LookupAddr(ctx, host)
			if lookupErr != nil || len(names) == 0 {
				return "", lookupErr
			}
			return names[0], nil
		},
		Finished: func(result any, err error, completed bool) {
			if !completed || err != nil {
				return
			}
			if name, ok := result.(string); ok && name != "" {
				c.mu.Lock()
				c.remoteHost = name
				c.mu.Unlock()
			}
		},
	})
}

// Numeric returns the numeric remote-address label.
func (c *Connection) Numeric() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNumeric
}

// Host returns the resolved remote-address label, or "" if none is
// available (numeric hosts mode, resolution failed, or still pending).
func (c *Connection) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteHost
}

// IsClosed reports whether EvClosed has already been raised for this
// Connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
