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

// Package config turns remusockd's command-line surface into a validated,
// immutable Options value. cmd/remusockd owns flag registration and
// positional-argument parsing; this package owns the cross-field rules
// (which options imply TLS, which conflict with -r) and the
// numeric-or-name user/group lookups
// original_source/'s config.c revisions show for -u/-g.
package config

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	libval "github.com/go-playground/validator/v10"
	liberr "github.com/nabbar/golib/errors"
	"github.com/spf13/viper"

	"github.com/Zirias/remusockd/internal/xerr"
)

// MaxBinds mirrors sockserver.MaxBinds; duplicated as a plain constant
// rather than imported so this package stays independent of the
// listening-socket implementation it configures.
const MaxBinds = 4

// DefaultSockMode is applied when -m is not given.
const DefaultSockMode = "0600"

// DefaultTick and DefaultWorkers seed the Defaults a config file may
// override before flags are applied.
const (
	DefaultTick    = 5 * time.Second
	DefaultWorkers = 4
)

// Options is the fully-parsed, validated configuration for one remusockd
// process. Zero value is never valid; build one with New.
type Options struct {
	// Positional: socket port [cert key]
	SocketPath string `validate:"required"`
	Port       uint16
	CertFile   string
	KeyFile    string

	SockClient bool
	RemoteHost string
	BindAddrs  []string

	Foreground bool
	PidFile    string
	User       string
	Group      string
	Verbose    bool

	SockMode     string `validate:"required"`
	NumericHosts bool

	TLS                bool
	CAFile             string
	Fingerprints       []string
	InsecureSkipVerify bool

	TickInterval time.Duration
	Workers      int
}

// New normalizes raw (applying the "implies TLS" rules of §6) and
// validates it, returning an immutable Options on success.
func New(raw Options) (*Options, liberr.Error) {
	o := raw
	if o.SockMode == "" {
		o.SockMode = DefaultSockMode
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTick
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}

	if o.CAFile != "" || len(o.Fingerprints) > 0 || o.InsecureSkipVerify || (o.CertFile != "" && o.KeyFile != "") {
		o.TLS = true
	}

	if err := o.validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Options) validate() liberr.Error {
	err := xerr.ErrorConfigBadValue.Error(nil)

	if er := libval.New().Struct(o); er != nil {
		if e, ok := er.(*libval.InvalidValidationError); ok {
			err.Add(e)
		} else if ve, ok := er.(libval.ValidationErrors); ok {
			for _, e := range ve {
				err.Add(fmt.Errorf("config field '%s' is not validated by constraint '%s'", e.StructNamespace(), e.ActualTag()))
			}
		} else {
			err.Add(er)
		}
	}

	dialing := o.RemoteHost != ""

	if len(o.BindAddrs) > MaxBinds {
		err.Add(fmt.Errorf("-b given %d times, MAXBINDS is %d", len(o.BindAddrs), MaxBinds))
	}
	if o.InsecureSkipVerify && !dialing {
		err.Add(fmt.Errorf("-V disables peer verification and is only valid together with -r"))
	}
	if len(o.BindAddrs) > 0 && dialing {
		err.Add(fmt.Errorf("-b binds a listening address and conflicts with -r"))
	}
	if (o.CertFile != "" || o.KeyFile != "") && dialing {
		err.Add(fmt.Errorf("a certificate/key pair is presented by the listener and conflicts with -r"))
	}
	if (o.CAFile != "" || len(o.Fingerprints) > 0) && dialing {
		err.Add(fmt.Errorf("-C/-H verify inbound client certificates and conflict with -r"))
	}
	if len(o.Fingerprints) > 0 && o.CAFile == "" {
		err.Add(xerr.ErrorTLSMissingCA.Error())
	}

	if err.HasParent() {
		return err
	}
	return nil
}

// ParseUser accepts either a numeric uid or a getpwnam-style user name, per
// original_source/'s config.c numeric-or-name convention for -u, and
// returns the user's uid together with its primary gid so privilege drop
// can default the group to it when -g is absent.
func ParseUser(name string) (uid, gid int, err error) {
	if n, cerr := strconv.Atoi(name); cerr == nil {
		u, lerr := user.LookupId(strconv.Itoa(n))
		if lerr != nil {
			return n, -1, nil
		}
		gid, _ = strconv.Atoi(u.Gid)
		return n, gid, nil
	}
	u, lerr := user.Lookup(name)
	if lerr != nil {
		return 0, 0, lerr
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

// ParseGroup accepts either a numeric gid or a getgrnam-style group name.
func ParseGroup(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// Defaults is the subset of Options a config file may seed before flags
// are applied; flags always take precedence over file values.
type Defaults struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
	Workers      int           `mapstructure:"workers"`
}

// LoadDefaults reads an optional viper-format config file (toml, yaml,
// json, or ini, by extension) at path. A missing path is not an error;
// it simply yields the zero Defaults, letting New's own fallbacks apply.
func LoadDefaults(path string) (Defaults, error) {
	d := Defaults{}
	if path == "" {
		return d, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return d, err
	}
	if err := v.Unmarshal(&d); err != nil {
		return d, err
	}
	return d, nil
}
