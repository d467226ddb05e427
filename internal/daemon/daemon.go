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

// Package daemon backgrounds remusockd and manages its pidfile and
// privilege drop, mirroring original_source/'s daemon.c double-fork
// sequence. Go cannot literally fork a running multi-threaded process, so
// the second fork is realized as a re-exec of the same binary with a
// marker environment variable; the parent blocks on a readiness pipe
// inherited by the child and exits once the child signals it has taken
// over the pidfile, preserving the same externally-observable contract.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Zirias/remusockd/internal/xerr"
)

// envChild marks a process as the already-backgrounded child of a prior
// Start call; envReadyFD names the inherited pipe fd it must signal on.
const (
	envChild   = "REMUSOCKD_DAEMON_CHILD"
	envReadyFD = "REMUSOCKD_DAEMON_READY_FD"
)

// Daemon holds the resources acquired by Start: the locked pidfile (if
// any) and the readiness pipe to the parent (if this process is a
// re-exec'd background child).
type Daemon struct {
	pidFile *os.File
	pidPath string
	readyFD *os.File
}

// Start prepares remusockd to run either in the foreground or
// backgrounded, per -f. In the backgrounding path this re-execs the
// current binary and never returns in the parent: on success the parent
// exits 0 once the child reports readiness; on failure (the exec fails, or
// the child closes the readiness pipe without writing to it) it returns an
// ErrorDaemonFork wrapping that failure. The caller only ever
// observes a returned *Daemon in the process that should actually run
// the daemon's main loop — either the original process when foreground
// is true, or the re-exec'd child otherwise.
func Start(pidfilePath string, foreground bool) (*Daemon, error) {
	if !foreground && os.Getenv(envChild) == "" {
		if err := spawnBackground(); err != nil {
			return nil, err
		}
		// spawnBackground only returns nil after the child signaled
		// readiness; the parent's job is done.
		os.Exit(0)
	}

	d := &Daemon{pidPath: pidfilePath}

	if !foreground {
		if err := unix.Chdir("/"); err != nil {
			return nil, xerr.ErrorDaemonFork.Error(err)
		}
		redirectStdToDevNull()
		if fdStr := os.Getenv(envReadyFD); fdStr != "" {
			if n, err := strconv.Atoi(fdStr); err == nil {
				d.readyFD = os.NewFile(uintptr(n), "daemon-ready")
			}
		}
	}

	if pidfilePath != "" {
		f, err := LockPidFile(pidfilePath)
		if err != nil {
			return nil, err
		}
		d.pidFile = f
	}

	return d, nil
}

// Ready signals the parent (if any) that the pidfile is held and the
// daemon is about to serve, letting Start's parent side exit. A no-op in
// the foreground case or once already called.
func (d *Daemon) Ready() {
	if d.readyFD == nil {
		return
	}
	_, _ = d.readyFD.Write([]byte{1})
	_ = d.readyFD.Close()
	d.readyFD = nil
}

// Close releases the pidfile lock and removes the file.
func (d *Daemon) Close() {
	if d.pidFile == nil {
		return
	}
	_ = d.pidFile.Close()
	_ = os.Remove(d.pidPath)
	d.pidFile = nil
}

// LockPidFile opens path, takes an exclusive non-blocking flock on it,
// and writes the current pid. A crashed prior instance's lock is
// released by the kernel when its process died, so a fresh lock
// attempt here naturally reuses the file per spec.md §6; a live
// lock-owner still holding it is reported as ErrorDaemonPidfile.
func LockPidFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, xerr.ErrorDaemonPidfile.Error(err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, xerr.ErrorDaemonPidfile.Error(err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, xerr.ErrorDaemonPidfile.Error(err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = f.Close()
		return nil, xerr.ErrorDaemonPidfile.Error(err)
	}
	return f, nil
}

// DropPrivileges sets the process's gid then uid, per the classic
// drop-group-before-user ordering (changing uid first would generally
// forfeit the permission needed to still change gid). A negative value
// leaves the corresponding id untouched.
func DropPrivileges(uid, gid int) error {
	if gid >= 0 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return xerr.ErrorDaemonPrivDrop.Error(err)
		}
		if err := unix.Setgid(gid); err != nil {
			return xerr.ErrorDaemonPrivDrop.Error(err)
		}
	}
	if uid >= 0 {
		if err := unix.Setuid(uid); err != nil {
			return xerr.ErrorDaemonPrivDrop.Error(err)
		}
	}
	return nil
}

// spawnBackground re-execs the current binary with envChild set and a
// readiness pipe as its one extra inherited file descriptor, detached
// into its own session. It blocks until the child either signals
// readiness (success, returns nil) or exits/closes the pipe without
// doing so (failure).
func spawnBackground() error {
	r, w, err := os.Pipe()
	if err != nil {
		return xerr.ErrorDaemonFork.Error(err)
	}
	defer r.Close()

	self, err := os.Executable()
	if err != nil {
		return xerr.ErrorDaemonFork.Error(err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return xerr.ErrorDaemonFork.Error(err)
	}
	defer devNull.Close()

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envChild+"=1", fmt.Sprintf("%s=3", envReadyFD))
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return xerr.ErrorDaemonFork.Error(err)
	}
	_ = w.Close()

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		return xerr.ErrorDaemonFork.Error(err)
	}
	return nil
}

func redirectStdToDevNull() {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer f.Close()
	_ = unix.Dup2(int(f.Fd()), int(os.Stdin.Fd()))
	_ = unix.Dup2(int(f.Fd()), int(os.Stdout.Fd()))
	_ = unix.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
