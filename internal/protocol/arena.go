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

	libctx "github.com/nabbar/golib/context"

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/xerr"
)

// arena is the per-tunnel client-number registry: a sparse map from the
// 16-bit id both peers agree on to the local Connection it names. Backed
// by the teacher's generic atomic map config rather than a plain
// mutex-guarded map, since that is the shape the pack already uses
// wherever a concurrent-safe keyed store is needed.
type arena struct {
	cfg libctx.Config[uint16]
}

func newArena() *arena {
	return &arena{cfg: libctx.New[uint16](context.Background())}
}

// allocate picks the lowest free slot index, stores c there, and returns
// the chosen id. This is the HELLO-originator path of spec.md §4.5.
func (a *arena) allocate(c *conn.Connection) uint16 {
	var id uint16
	for {
		if _, ok := a.cfg.Load(id); !ok {
			a.cfg.Store(id, c)
			return id
		}
		id++
	}
}

// registerAt claims a specific id chosen by the peer (registerConnectionAt
// in spec.md §4.5); it fails if that slot is already occupied.
func (a *arena) registerAt(id uint16, c *conn.Connection) error {
	if _, ok := a.cfg.Load(id); ok {
		return xerr.ErrorProtoSlotTaken.Error()
	}
	a.cfg.Store(id, c)
	return nil
}

// lookup returns the Connection registered at id, if any.
func (a *arena) lookup(id uint16) (*conn.Connection, bool) {
	v, ok := a.cfg.Load(id)
	if !ok {
		return nil, false
	}
	c, ok := v.(*conn.Connection)
	return c, ok
}

// idFor returns the id a given Connection is registered under, if any.
func (a *arena) idFor(c *conn.Connection) (uint16, bool) {
	var (
		found uint16
		ok    bool
	)
	a.cfg.Walk(func(key uint16, val interface{}) bool {
		if vc, match := val.(*conn.Connection); match && vc == c {
			found, ok = key, true
			return false
		}
		return true
	})
	return found, ok
}

// release nulls slot id, allowing reuse (spec.md §4.5: "on release the
// slot is nulled, allowing reuse").
func (a *arena) release(id uint16) {
	a.cfg.Delete(id)
}

// each calls fn for every live (id, Connection) pair.
func (a *arena) each(fn func(id uint16, c *conn.Connection)) {
	a.cfg.Walk(func(key uint16, val interface{}) bool {
		if c, ok := val.(*conn.Connection); ok {
			fn(key, c)
		}
		return true
	})
}
