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

// Package sockserver owns the passive side of remusockd's listeners: one
// filesystem domain socket, or up to MaxBinds TCP bind addresses spanning
// both address families. Accepted connections are wrapped in
// internal/conn.Connection and announced on the owning Reactor's Bus.
package sockserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nabbar/golib/file/perm"
	liblog "github.com/nabbar/golib/logger"
	"golang.org/x/sys/unix"

	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/workerpool"
	"github.com/Zirias/remusockd/internal/xerr"
)

// MaxBinds is spec.md §4.4's MAXBINDS: at most this many TCP bind
// addresses may be given to ListenTCP.
const MaxBinds = 4

// staleDialTimeout bounds the non-blocking connect probe used to detect a
// stale (no longer listened-on) filesystem socket left behind by a crashed
// prior instance.
const staleDialTimeout = 300 * time.Millisecond

// Server owns 1..MaxBinds listening file descriptors plus the accepted
// Connections created from them, per spec.md §4.4.
type Server struct {
	r    *reactor.Reactor
	log  liblog.Logger
	mode conn.Mode

	readOffset   int
	pool         *workerpool.Pool
	numericHosts bool
	tlsConfig    *tls.Config

	mu        sync.Mutex
	listeners []net.Listener
	children  map[*conn.Connection]struct{}
	sockPath  string
	destroyed bool
}

// Option configures optional Server behavior shared by ListenUnix and
// ListenTCP.
type Option func(*Server)

// WithReadOffset reserves n leading bytes of every accepted Connection's
// read buffer for the protocol engine's own framing prefix.
func WithReadOffset(n int) Option {
	return func(s *Server) { s.readOffset = n }
}

// WithNumericHosts disables reverse-DNS labeling of accepted TCP peers.
func WithNumericHosts(v bool) Option {
	return func(s *Server) { s.numericHosts = v }
}

// WithResolverPool supplies the worker pool used for reverse-DNS lookups of
// accepted TCP peers; nil (the default) leaves peers labeled numerically.
func WithResolverPool(p *workerpool.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithTLS wraps every accepted TCP connection in a TLS server handshake
// using cfg. Unused by ListenUnix.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

func newServer(r *reactor.Reactor, log liblog.Logger, mode conn.Mode, opts []Option) *Server {
	s := &Server{
		r:        r,
		log:      log,
		mode:     mode,
		children: make(map[*conn.Connection]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListenUnix binds a filesystem domain socket at path, applying mode and
// (if group is non-empty) group ownership. A pre-existing path is probed
// with a short dial timeout per spec.md §4.4: if nothing answers, the path
// is unlinked and recreated; if something does, ListenUnix fails rather
// than stealing a live listener's socket.
func ListenUnix(r *reactor.Reactor, log liblog.Logger, path, modeOctal, group string, mode conn.Mode, opts ...Option) (*Server, error) {
	s := newServer(r, log, mode, opts)

	p, err := perm.Parse(modeOctal)
	if err != nil {
		return nil, xerr.ErrorServerSocketPath.Error(err)
	}

	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, xerr.ErrorServerListen.Error(err)
	}

	if err := os.Chmod(path, p.FileMode()); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, xerr.ErrorServerSocketPath.Error(err)
	}
	if group != "" {
		if err := chownGroup(path, group); err != nil {
			_ = ln.Close()
			_ = os.Remove(path)
			return nil, xerr.ErrorServerSocketPath.Error(err)
		}
	}

	s.listeners = []net.Listener{ln}
	s.sockPath = path

	if log != nil {
		log.Info("listening on unix socket", path)
	}

	go s.acceptLoop(ln)
	return s, nil
}

// removeStaleSocket probes an existing socket file at path; if nothing
// answers within staleDialTimeout it is unlinked so a fresh listener can
// bind the same path. A non-socket file at path is a hard error.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerr.ErrorServerSocketPath.Error(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return xerr.ErrorServerSocketPath.Error(errors.New(path + " exists and is not a socket"))
	}

	c, dialErr := net.DialTimeout("unix", path, staleDialTimeout)
	if dialErr == nil {
		_ = c.Close()
		return xerr.ErrorServerStaleSocket.Error(errors.New(path + " is already in use"))
	}

	if err := os.Remove(path); err != nil {
		return xerr.ErrorServerStaleSocket.Error(err)
	}
	return nil
}

func chownGroup(path, group string) error {
	gid, err := resolveGroupID(group)
	if err != nil {
		return err
	}
	return unix.Chown(path, -1, gid)
}

// resolveGroupID accepts either a numeric group id or a getgrnam-style
// group name, per original_source/'s config.c numeric-or-name convention
// (§7 of SPEC_FULL.md).
func resolveGroupID(group string) (int, error) {
	if n, err := strconv.Atoi(group); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, err
	}
	return gid, nil
}

// ListenTCP binds up to MaxBinds TCP addresses spanning both address
// families; IPv6 listeners are set IPv6-only so a "::" and a "0.0.0.0"
// bind can coexist without one shadowing the other.
func ListenTCP(r *reactor.Reactor, log liblog.Logger, addrs []string, mode conn.Mode, opts ...Option) (*Server, error) {
	if len(addrs) == 0 {
		return nil, xerr.ErrorServerBind.Error(errors.New("no bind address given"))
	}
	if len(addrs) > MaxBinds {
		return nil, xerr.ErrorServerTooManyBinds.Error()
	}

	s := newServer(r, log, mode, opts)

	for _, addr := range addrs {
		network, err := tcpNetworkFor(addr)
		if err != nil {
			s.closeListeners()
			return nil, xerr.ErrorServerBind.Error(err)
		}

		lc := net.ListenConfig{}
		if network == "tcp6" {
			lc.Control = controlV6Only
		}

		ln, err := lc.Listen(context.Background(), network, addr)
		if err != nil {
			s.closeListeners()
			return nil, xerr.ErrorServerListen.Error(err)
		}

		s.listeners = append(s.listeners, ln)
		if log != nil {
			log.Info("listening on tcp bind address", ln.Addr().String())
		}
	}

	for _, ln := range s.listeners {
		go s.acceptLoop(ln)
	}
	return s, nil
}

// tcpNetworkFor parses addr's host as an IP literal to decide whether it
// must bind as "tcp4" or "tcp6"; no name resolution is done here, so an
// empty host or a host name falls back to the unspecified "tcp" network
// and net.Listen applies its own default resolution.
func tcpNetworkFor(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return "tcp", nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "tcp", nil
	}
	if ip.To4() != nil {
		return "tcp4", nil
	}
	return "tcp6", nil
}

func controlV6Only(_, _ string, c syscall.RawConn) error {
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		ctlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	})
	if err != nil {
		return err
	}
	return ctlErr
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

// acceptLoop runs on its own goroutine per listener; it only ever talks
// back to application state through the owning Reactor's Post, per conn's
// package doc.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		s.onAccepted(nc)
	}
}

func (s *Server) onAccepted(nc net.Conn) {
	if s.tlsConfig != nil {
		nc = tls.Server(nc, s.tlsConfig)
	}

	s.r.Post(func() {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.mu.Unlock()

		c := conn.New(s.r, nc, s.mode, s.readOffset)

		// A unix-domain peer carries no usable client address; label it
		// with the socket path instead, per spec.md §4.4.
		if s.sockPath != "" {
			c.SetRemoteAddr(unixLabelAddr(s.sockPath), true, nil)
		} else if ra := nc.RemoteAddr(); ra != nil {
			c.SetRemoteAddr(ra, s.numericHosts, s.pool)
		}

		s.mu.Lock()
		s.children[c] = struct{}{}
		s.mu.Unlock()

		s.r.Bus.Register(reactor.EvClosed, c, nil, func(id reactor.EventID, a reactor.Args) {
			if a.Tag != c {
				return
			}
			s.mu.Lock()
			delete(s.children, c)
			s.mu.Unlock()
			s.r.Bus.Raise(reactor.EvClientDisconnected, reactor.Args{Tag: c, Source: s})
		})

		s.r.Bus.Raise(reactor.EvClientConnected, reactor.Args{Tag: c, Source: s})
	})
}

type unixAddr string

func (a unixAddr) Network() string { return "unix" }
func (a unixAddr) String() string  { return string(a) }

func unixLabelAddr(path string) net.Addr { return unixAddr(path) }

// Addrs returns the bound address of every listening socket, in the order
// they were opened; useful for logging the actual port chosen when a ":0"
// ephemeral bind address was requested.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Children returns the Connections currently accepted by this Server.
func (s *Server) Children() []*conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn.Connection, 0, len(s.children))
	for c := range s.children {
		out = append(out, c)
	}
	return out
}

// Destroy closes every listening socket, raises EvClientDisconnected for
// and destroys each live child Connection, and unlinks the filesystem
// socket path this Server created, per spec.md §4.4's destroy invariant.
func (s *Server) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	listeners := s.listeners
	s.listeners = nil
	children := make([]*conn.Connection, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	s.children = make(map[*conn.Connection]struct{})
	path := s.sockPath
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}

	for _, c := range children {
		s.r.Bus.Raise(reactor.EvClientDisconnected, reactor.Args{Tag: c, Source: s})
		c.Destroy()
	}

	if path != "" {
		_ = os.Remove(path)
	}
}
