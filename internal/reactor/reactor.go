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

package reactor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nabbar/golib/runner/ticker"

	"github.com/Zirias/remusockd/internal/xerr"
)

// DefaultTick is the liveness-check granularity the rest of remusockd's
// tick-count based timers (PINGTICKS, CLOSETICKS, IDENTTICKS, RECONNTICKS)
// are expressed in multiples of, per spec.md S3's "tick interval 5000 ms".
const DefaultTick = 5 * time.Second

// post is one item of deferred work the dispatcher goroutine will run
// serially: either a raw raise on the Bus (Raise wraps one in a post), or
// an arbitrary closure other packages schedule via Post (e.g. "do this once current dispatch
// finishes", standing in for the events-done deferred-destroy hook of
// spec.md §4.1).
type post struct {
	fn func()
}

// Reactor is the single dispatcher goroutine remusockd's handler code runs
// under. Every Connection, Server and protocol engine callback executes
// here, one at a time, so none of that code needs its own locking: the
// concurrency story of the whole daemon collapses to "one goroutine handles
// events, other goroutines only ever enqueue work for it".
//
// This is the one deliberate HOW-departure from remusock's native epoll
// reactor: Go has no portable single-threaded readiness-multiplexing
// primitive as cheap as epoll_wait, so the non-blocking I/O itself is
// driven by ordinary goroutines (one read loop, one write-drain loop per
// Connection), and only the resulting event handling is serialized onto
// this dispatcher. The observable semantics — handlers never run
// concurrently with each other — are preserved.
type Reactor struct {
	Bus *Bus

	tick         ticker.Ticker
	tickInterval time.Duration

	queue chan post
	done  chan struct{}

	mu      sync.Mutex
	running bool
	quit    sync.Once
	runCtx  context.Context

	onTick func(now time.Time)
}

// New builds a Reactor with its own event bus. queueDepth bounds how many
// pending posts may be outstanding before Post blocks its caller; remusockd
// uses a generous depth since the dispatcher drains quickly. tickInterval
// seeds the periodic EvTick (config.Options.TickInterval, spec.md's 5000 ms
// default); zero or negative falls back to DefaultTick.
func New(queueDepth int, tickInterval time.Duration) *Reactor {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if tickInterval <= 0 {
		tickInterval = DefaultTick
	}
	r := &Reactor{
		queue:        make(chan post, queueDepth),
		done:         make(chan struct{}),
		tickInterval: tickInterval,
	}
	r.Bus = NewBus(r)
	r.tick = ticker.New(tickInterval, r.onTickFunc)
	return r
}

// OnTick installs the function invoked, on the dispatcher goroutine, once
// per tick interval (the one given to New or SetTickInterval), just before
// EvTick is raised. It is a lower-ceremony hook for callers that would
// otherwise have to Bus.Register for EvTick.
func (r *Reactor) OnTick(fn func(now time.Time)) {
	r.onTick = fn
}

// SetTickInterval reprograms the periodic tick, per spec.md §4.1's
// set-tick-interval(ms): d of zero or less disables the timer outright,
// leaving EvTick unraised until reprogrammed again with a positive
// interval. Safe to call before Run, or while it is already running.
func (r *Reactor) SetTickInterval(d time.Duration) error {
	r.mu.Lock()
	runCtx := r.runCtx
	running := r.running
	r.mu.Unlock()

	if running {
		if err := r.tick.Stop(context.Background()); err != nil {
			return xerr.ErrorReactorTickReprogram.Error(err)
		}
	}

	r.mu.Lock()
	r.tickInterval = d
	if d > 0 {
		r.tick = ticker.New(d, r.onTickFunc)
	}
	r.mu.Unlock()

	if running && d > 0 {
		if err := r.tick.Start(runCtx); err != nil {
			return xerr.ErrorReactorTickReprogram.Error(err)
		}
	}
	return nil
}

func (r *Reactor) onTickFunc(ctx context.Context, _ *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.Post(func() {
		now := time.Now()
		if r.onTick != nil {
			r.onTick(now)
		}
		r.Bus.Raise(EvTick, Args{})
	})
	return nil
}

// Post enqueues fn to run on the dispatcher goroutine. Safe to call from
// any goroutine, including from within a handler already running on the
// dispatcher (it will simply run after the current batch drains).
func (r *Reactor) Post(fn func()) {
	r.queue <- post{fn: fn}
}

// Raise is shorthand for Post(func() { r.Bus.Raise(id, a) }): it hands the
// event to the dispatcher instead of invoking handlers on the caller's own
// goroutine, which is what every I/O goroutine (Connection readers/writers,
// Server accept loop) must do to uphold the single-dispatcher guarantee.
func (r *Reactor) Raise(id EventID, a Args) {
	r.Post(func() { r.Bus.Raise(id, a) })
}

// IsRunning reports whether Run is actively draining the queue.
func (r *Reactor) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run installs SIGINT/SIGTERM handlers, starts the liveness ticker, and
// drains the post queue on the calling goroutine until ctx is cancelled or
// a terminating signal arrives. It returns once the reactor has fully
// stopped; callers typically run it on main's own goroutine.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return xerr.ErrorReactorAlreadyRunning.Error()
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.runCtx = runCtx
	tickOn := r.tickInterval > 0
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.runCtx = nil
		r.mu.Unlock()
	}()

	if tickOn {
		if err := r.tick.Start(runCtx); err != nil {
			return xerr.ErrorReactorSignalInstall.Error(err)
		}
	}
	defer func() { _ = r.tick.Stop(context.Background()) }()

	for {
		select {
		case <-runCtx.Done():
			r.Bus.Raise(EvShutdown, Args{})
			return nil
		case sig := <-sigCh:
			r.Bus.Raise(EvShutdown, Args{Tag: sig})
			return nil
		case <-r.done:
			r.Bus.Raise(EvShutdown, Args{})
			return nil
		case p := <-r.queue:
			r.drain(p)
		}
	}
}

// drain runs p, then keeps running whatever else is already queued without
// blocking, before raising EvEventsDone once the queue is empty — the point
// at which deferred destructions (spec.md's "destroy after current event
// processing finishes") are safe to perform.
func (r *Reactor) drain(first post) {
	first.fn()
	for {
		select {
		case p := <-r.queue:
			p.fn()
		default:
			r.Bus.Raise(EvEventsDone, Args{})
			return
		}
	}
}

// Quit asks Run to return; safe to call from any goroutine, any number of
// times.
func (r *Reactor) Quit() {
	r.quit.Do(func() { close(r.done) })
}
