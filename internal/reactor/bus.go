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

// Package reactor implements the event-driven substrate the rest of
// remusockd is wired on: a small synchronous pub/sub bus and a single
// dispatcher goroutine that serializes every handler invocation, so
// application code never has to reason about concurrent callbacks.
package reactor

import "sync"

// EventID names one of the notifications the reactor or its collaborators
// (Connection, Server, protocol engine) raise.
type EventID int

const (
	EvReadyRead EventID = iota
	EvReadyWrite
	EvTick
	EvEventsDone
	EvShutdown

	EvConnected
	EvClosed
	EvDataReceived
	EvDataSent

	EvClientConnected
	EvClientDisconnected
)

// Args is the payload carried by a raised event. Handlers type-assert the
// fields they expect; unused fields are left zero.
type Args struct {
	Tag   any
	Bytes []byte
	Off   int
	Size  int
	Err   error

	// Source identifies the object that raised the event when that is not
	// already Tag itself — e.g. the *sockserver.Server behind a
	// EvClientConnected/EvClientDisconnected whose Tag is the accepted
	// *conn.Connection.
	Source any
}

// Handler receives an EventID (so one func can subscribe to several) plus
// its Args.
type Handler func(id EventID, a Args)

type subscriber struct {
	tag epochTag
	fn  Handler
	dead bool // tombstoned
}

// epochTag disambiguates subscriptions from distinct contexts that happen
// to share a caller-supplied tag value, per spec.md §9 ("each subscription
// carries a user tag so concurrent subscriptions from distinct contexts
// are distinguishable").
type epochTag struct {
	recv any
	tag  any
}

// Bus is the event bus of spec.md §4.6: create/register/unregister/raise/destroy.
type Bus struct {
	mu   sync.Mutex
	subs map[EventID][]*subscriber
}

// NewBus creates an empty bus. sender is accepted for parity with spec.md's
// create(sender) signature but is not otherwise required by this
// implementation: Go closures already capture whatever "sender" identity
// a handler needs.
func NewBus(sender any) *Bus {
	_ = sender
	return &Bus{subs: make(map[EventID][]*subscriber)}
}

// Register adds a handler for id. recv identifies the owning object (a
// *Connection, a *Server, ...); tag lets recv distinguish several of its
// own subscriptions to the same id.
func (b *Bus) Register(id EventID, recv any, tag any, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[id]
	if n := countTombstones(list); n > 4 && n*2 > len(list) {
		list = compact(list)
	}
	list = append(list, &subscriber{tag: epochTag{recv: recv, tag: tag}, fn: fn})
	b.subs[id] = list
}

// Unregister marks matching subscriptions as tombstones. Safe to call from
// inside a handler that is itself dispatching (re-entrant raise of one
// level is supported); compaction happens lazily on the next Register.
func (b *Bus) Unregister(id EventID, recv any, tag any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs[id] {
		if s.tag.recv == recv && s.tag.tag == tag {
			s.dead = true
		}
	}
}

// UnregisterAll tombstones every subscription owned by recv, across all
// event ids. Used when a Connection or Server is destroyed.
func (b *Bus) UnregisterAll(recv any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, list := range b.subs {
		for _, s := range list {
			if s.tag.recv == recv {
				s.dead = true
			}
		}
		b.subs[id] = list
	}
}

// Raise invokes, in registration order, every live handler subscribed to
// id. The subscriber list is snapshotted under the lock so a handler
// unregistering itself or another subscriber mid-dispatch never races the
// slice, and a handler may raise another event re-entrantly; the depth of
// such nesting is not limited.
func (b *Bus) Raise(id EventID, a Args) {
	b.mu.Lock()
	list := make([]*subscriber, len(b.subs[id]))
	copy(list, b.subs[id])
	b.mu.Unlock()

	for _, s := range list {
		if s.dead {
			continue
		}
		s.fn(id, a)
	}
}

// Destroy drops every subscription. The bus itself remains usable (empty)
// afterwards, matching spec.md's "frees all events" at tunnel teardown.
func (b *Bus) Destroy() {
	b.mu.Lock()
	b.subs = make(map[EventID][]*subscriber)
	b.mu.Unlock()
}

func countTombstones(list []*subscriber) int {
	n := 0
	for _, s := range list {
		if s.dead {
			n++
		}
	}
	return n
}

func compact(list []*subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(list))
	for _, s := range list {
		if !s.dead {
			out = append(out, s)
		}
	}
	return out
}
