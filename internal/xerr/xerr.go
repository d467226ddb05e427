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

// Package xerr registers the remusockd-specific error code blocks on top of
// github.com/nabbar/golib/errors, following the one-block-of-50-or-100-per-package
// convention errors/modules.go uses for the library's own packages.
package xerr

import (
	liberr "github.com/nabbar/golib/errors"
)

const (
	MinPkgReactor    = liberr.MinAvailable
	MinPkgWorkerPool = liberr.MinAvailable + 50
	MinPkgConn       = liberr.MinAvailable + 100
	MinPkgSockServer = liberr.MinAvailable + 150
	MinPkgProtocol   = liberr.MinAvailable + 200
	MinPkgTLSPolicy  = liberr.MinAvailable + 300
	MinPkgConfig     = liberr.MinAvailable + 350
	MinPkgDaemon     = liberr.MinAvailable + 400
)

const (
	ErrorReactorNotRunning liberr.CodeError = iota + MinPkgReactor
	ErrorReactorAlreadyRunning
	ErrorReactorSignalInstall
	ErrorReactorWait
	ErrorReactorTickReprogram
)

const (
	ErrorPoolInactive liberr.CodeError = iota + MinPkgWorkerPool
	ErrorPoolQueueFull
	ErrorPoolRestartFailed
)

const (
	ErrorConnQueueFull liberr.CodeError = iota + MinPkgConn
	ErrorConnClosed
	ErrorConnNotConnecting
)

const (
	ErrorServerListen liberr.CodeError = iota + MinPkgSockServer
	ErrorServerBind
	ErrorServerSocketPath
	ErrorServerTooManyBinds
	ErrorServerStaleSocket
)

const (
	ErrorProtoHandshakeMismatch liberr.CodeError = iota + MinPkgProtocol
	ErrorProtoUnexpectedCommand
	ErrorProtoRoleMismatch
	ErrorProtoSlotTaken
	ErrorProtoIdentTimeout
	ErrorProtoLivenessTimeout
	ErrorProtoAlreadyTunneled
)

const (
	ErrorTLSMissingCert liberr.CodeError = iota + MinPkgTLSPolicy
	ErrorTLSMissingCA
	ErrorTLSBadFingerprint
)

const (
	ErrorConfigUsage liberr.CodeError = iota + MinPkgConfig
	ErrorConfigConflict
	ErrorConfigBadValue
)

const (
	ErrorDaemonPidfile liberr.CodeError = iota + MinPkgDaemon
	ErrorDaemonPrivDrop
	ErrorDaemonFork
)

var registered = false

// IsRegistered reports whether this package's messages were already
// registered in the shared errors message map (useful in tests that
// import xerr from several packages concurrently).
func IsRegistered() bool {
	return registered
}

func init() {
	registered = liberr.ExistInMapMessage(ErrorReactorNotRunning)
	liberr.RegisterIdFctMessage(MinPkgReactor, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case liberr.UNK_ERROR:
		return ""
	case ErrorReactorNotRunning:
		return "reactor is not running"
	case ErrorReactorAlreadyRunning:
		return "reactor is already running"
	case ErrorReactorSignalInstall:
		return "cannot install signal handlers or start the tick timer"
	case ErrorReactorWait:
		return "readiness wait failed"
	case ErrorReactorTickReprogram:
		return "cannot reprogram tick interval"
	case ErrorPoolInactive:
		return "worker pool is not active"
	case ErrorPoolQueueFull:
		return "worker pool queue is full"
	case ErrorPoolRestartFailed:
		return "worker pool failed to restart a worker"
	case ErrorConnQueueFull:
		return "connection write queue is full"
	case ErrorConnClosed:
		return "connection is closed"
	case ErrorConnNotConnecting:
		return "connection is not in connecting state"
	case ErrorServerListen:
		return "cannot listen on address"
	case ErrorServerBind:
		return "cannot bind address"
	case ErrorServerSocketPath:
		return "invalid filesystem socket path"
	case ErrorServerTooManyBinds:
		return "too many bind addresses, MAXBINDS exceeded"
	case ErrorServerStaleSocket:
		return "cannot recreate stale filesystem socket"
	case ErrorProtoHandshakeMismatch:
		return "dropping connection to other socket server"
	case ErrorProtoUnexpectedCommand:
		return "unexpected command byte"
	case ErrorProtoRoleMismatch:
		return "peer sent a command its role does not allow"
	case ErrorProtoSlotTaken:
		return "client slot already registered"
	case ErrorProtoIdentTimeout:
		return "timed out waiting for peer ident"
	case ErrorProtoLivenessTimeout:
		return "tunnel unresponsive, closing"
	case ErrorProtoAlreadyTunneled:
		return "a tunnel is already active"
	case ErrorTLSMissingCert:
		return "tls enabled but no certificate/key pair given"
	case ErrorTLSMissingCA:
		return "tls client verification requested but no ca given"
	case ErrorTLSBadFingerprint:
		return "fingerprint must be 128 hex digits (sha-512)"
	case ErrorConfigUsage:
		return "invalid command line usage"
	case ErrorConfigConflict:
		return "conflicting command line options"
	case ErrorConfigBadValue:
		return "invalid configuration value"
	case ErrorDaemonPidfile:
		return "cannot lock or write pid file"
	case ErrorDaemonPrivDrop:
		return "cannot drop privileges"
	case ErrorDaemonFork:
		return "cannot daemonize"
	}

	return ""
}
