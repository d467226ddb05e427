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

// Command remusockd tunnels a local stream-oriented domain socket over one
// TCP (optionally TLS) connection. It assembles the CLI surface into a
// config.Options, then wires a reactor, a local Server or dialer, and a
// protocol engine on top of it.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	liblog "github.com/nabbar/golib/logger"
	"github.com/spf13/pflag"

	"github.com/Zirias/remusockd/internal/config"
	"github.com/Zirias/remusockd/internal/conn"
	"github.com/Zirias/remusockd/internal/daemon"
	"github.com/Zirias/remusockd/internal/protocol"
	"github.com/Zirias/remusockd/internal/reactor"
	"github.com/Zirias/remusockd/internal/rlog"
	"github.com/Zirias/remusockd/internal/sockserver"
	"github.com/Zirias/remusockd/internal/tlspolicy"
	"github.com/Zirias/remusockd/internal/workerpool"
)

// dataHeaderSize is the 5-byte DATA header (command, id, length) the local
// Server built with conn.Wait must reserve as a front read-offset, per
// internal/protocol.Engine's doc.
const dataHeaderSize = 5

func main() {
	os.Exit(run())
}

// run holds everything main would otherwise do directly, so deferred
// cleanup always executes before the process exits with a specific code.
func run() int {
	opt, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "remusockd:", err)
		printUsage(os.Stderr)
		return 1
	}

	d, err := daemon.Start(opt.PidFile, opt.Foreground)
	if err != nil {
		fmt.Fprintln(os.Stderr, "remusockd:", err)
		return 1
	}
	defer d.Close()

	if opt.User != "" {
		if err := dropPrivileges(opt); err != nil {
			fmt.Fprintln(os.Stderr, "remusockd:", err)
			return 1
		}
	}

	ctx := context.Background()
	log, err := rlog.New(ctx, rlog.Params{
		Verbose:    opt.Verbose,
		Foreground: opt.Foreground,
		SyslogTag:  "remusockd",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "remusockd: cannot set up logging:", err)
		return 1
	}

	r := reactor.New(0, opt.TickInterval)
	pool := workerpool.New(opt.Workers, 32, r.Post, log)
	pool.Start(ctx)
	defer pool.Stop()
	r.Bus.Register(reactor.EvTick, pool, nil, func(_ reactor.EventID, _ reactor.Args) { pool.Tick() })

	if err := wireTunnel(r, log, pool, opt); err != nil {
		fmt.Fprintln(os.Stderr, "remusockd:", err)
		return 1
	}

	d.Ready()

	if err := r.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "remusockd:", err)
		return 1
	}
	return 0
}

func dropPrivileges(opt *config.Options) error {
	uid, gid, err := config.ParseUser(opt.User)
	if err != nil {
		return err
	}
	if opt.Group != "" {
		gid, err = config.ParseGroup(opt.Group)
		if err != nil {
			return err
		}
	}
	return daemon.DropPrivileges(uid, gid)
}

// wireTunnel builds the listening or dialing side per opt.RemoteHost, and
// the local Server/dial endpoint for the filesystem socket per
// opt.SockClient: each peer is simultaneously a TCP role (listen/dial) and
// a local-socket role (server/client), chosen independently by -r and -c.
func wireTunnel(r *reactor.Reactor, log liblog.Logger, pool *workerpool.Pool, opt *config.Options) error {
	localRole := protocol.LocalServer
	if opt.SockClient {
		localRole = protocol.LocalClient
	}

	cfg := protocol.Config{Role: localRole}

	if localRole == protocol.LocalServer {
		ln, err := sockserver.ListenUnix(r, log, opt.SocketPath, opt.SockMode, opt.Group, conn.Wait,
			sockserver.WithReadOffset(dataHeaderSize))
		if err != nil {
			return err
		}
		cfg.LocalListener = ln
	} else {
		cfg.DialContext = context.Background()
		cfg.DialNetwork = "unix"
		cfg.DialAddress = opt.SocketPath
	}

	if opt.RemoteHost != "" {
		return wireDialer(r, log, opt, cfg)
	}
	return wireAcceptor(r, log, pool, opt, cfg)
}

// wireDialer builds the dialing side of the TCP tunnel (-r host): remusockd
// actively connects to host:port and reconnects on loss.
func wireDialer(r *reactor.Reactor, log liblog.Logger, opt *config.Options, cfg protocol.Config) error {
	addr := fmt.Sprintf("%s:%d", opt.RemoteHost, opt.Port)

	var tc *tls.Config
	if opt.TLS {
		tc = tlspolicy.NewClientConfig(opt.InsecureSkipVerify)
	}

	protocol.NewTunnelDialer(r, context.Background(), "tcp", addr, tc, cfg, log)
	return nil
}

// wireAcceptor builds the listening side of the TCP tunnel: up to MaxBinds
// addresses (-b, repeatable), defaulting to the positional port on every
// interface when none were given.
func wireAcceptor(r *reactor.Reactor, log liblog.Logger, pool *workerpool.Pool, opt *config.Options, cfg protocol.Config) error {
	binds := opt.BindAddrs
	if len(binds) == 0 {
		binds = []string{fmt.Sprintf(":%d", opt.Port)}
	}

	var tcpOpts []sockserver.Option
	if opt.TLS {
		tc, err := tlspolicy.NewServerConfig(tlspolicy.ServerOptions{
			CertFile:     opt.CertFile,
			KeyFile:      opt.KeyFile,
			CAFile:       opt.CAFile,
			Fingerprints: opt.Fingerprints,
		})
		if err != nil {
			return err
		}
		tcpOpts = append(tcpOpts, sockserver.WithTLS(tc))
	}
	if opt.NumericHosts {
		tcpOpts = append(tcpOpts, sockserver.WithNumericHosts(true))
	} else {
		tcpOpts = append(tcpOpts, sockserver.WithResolverPool(pool))
	}

	tcpListener, err := sockserver.ListenTCP(r, log, binds, conn.Normal, tcpOpts...)
	if err != nil {
		return err
	}
	protocol.NewTunnelAcceptor(r, tcpListener, cfg, log)
	return nil
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "usage: remusockd [-Vcfntv] [-C file] [-H fingerprint[:fingerprint...]]")
	fmt.Fprintln(w, "                 [-b address] [-g group] [-m mode] [-p pidfile] [-r host] [-u user]")
	fmt.Fprintln(w, "                 socket port [cert key]")
}

// parseArgs builds a config.Options from a bundled getopt-style argument
// list, per the CLI flag table. ~-expansion applies to every path-like
// flag value and the positional socket/cert/key arguments.
func parseArgs(args []string) (*config.Options, error) {
	fs := pflag.NewFlagSet("remusockd", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	caFile := fs.StringP("ca", "C", "", "CA file for verifying inbound client certs")
	fingerprints := fs.StringP("fingerprints", "H", "", "required SHA-512 fingerprint set, colon-separated")
	insecure := fs.BoolP("insecure", "V", false, "disable peer cert verification (client only)")
	binds := fs.StringArrayP("bind", "b", nil, "bind address when listening, repeatable up to MAXBINDS")
	sockClient := fs.BoolP("client", "c", false, "operate as socket-client")
	foreground := fs.BoolP("foreground", "f", false, "run in foreground")
	group := fs.StringP("group", "g", "", "filesystem-socket group")
	mode := fs.StringP("mode", "m", config.DefaultSockMode, "octal mode for filesystem socket")
	numeric := fs.BoolP("numeric", "n", false, "numeric hosts, skip reverse dns")
	pidfile := fs.StringP("pidfile", "p", "", "pid file path")
	remote := fs.StringP("remote", "r", "", "dial tcp instead of listening")
	tlsFlag := fs.BoolP("tls", "t", false, "enable tls")
	user := fs.StringP("user", "u", "", "drop privileges to this user")
	verbose := fs.BoolP("verbose", "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) != 2 && len(rest) != 4 {
		return nil, fmt.Errorf("expected positional arguments: socket port [cert key]")
	}

	sockPath, err := homedir.Expand(rest[0])
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(rest[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", rest[1], err)
	}

	var certFile, keyFile string
	if len(rest) == 4 {
		if certFile, err = homedir.Expand(rest[2]); err != nil {
			return nil, err
		}
		if keyFile, err = homedir.Expand(rest[3]); err != nil {
			return nil, err
		}
	}

	expPidfile, err := expandIfSet(*pidfile)
	if err != nil {
		return nil, err
	}
	expCAFile, err := expandIfSet(*caFile)
	if err != nil {
		return nil, err
	}

	var fps []string
	if *fingerprints != "" {
		fps = strings.Split(*fingerprints, ":")
	}

	raw := config.Options{
		SocketPath:         sockPath,
		Port:               uint16(port),
		CertFile:           certFile,
		KeyFile:            keyFile,
		SockClient:         *sockClient,
		RemoteHost:         *remote,
		BindAddrs:          *binds,
		Foreground:         *foreground,
		PidFile:            expPidfile,
		User:               *user,
		Group:              *group,
		Verbose:            *verbose,
		SockMode:           *mode,
		NumericHosts:       *numeric,
		TLS:                *tlsFlag,
		CAFile:             expCAFile,
		Fingerprints:       fps,
		InsecureSkipVerify: *insecure,
	}

	defaults, err := config.LoadDefaults(defaultsFilePath())
	if err != nil {
		return nil, err
	}
	raw.TickInterval = defaults.TickInterval
	raw.Workers = defaults.Workers

	out, cerr := config.New(raw)
	if cerr != nil {
		return nil, cerr
	}
	return out, nil
}

func expandIfSet(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return homedir.Expand(s)
}

// defaultsFilePath is the optional viper-overlay config file, resolved
// relative to the user's home directory; a missing file is not an error.
func defaultsFilePath() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return home + "/.remusockd.toml"
}
