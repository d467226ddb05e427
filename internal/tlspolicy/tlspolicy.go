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

// Package tlspolicy turns remusockd's TLS command-line surface (-t, -C, -H,
// -V plus the positional cert/key pair) into a *tls.Config, on top of the
// certificates package's TLSConfig rather than hand-built tls.Config
// literals: listening-side identity and client-CA verification, dialing-side
// InsecureSkipVerify, and the SHA-512 client-fingerprint allow-list spec.md
// §4.5 describes as a policy surface.
package tlspolicy

import (
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"

	"github.com/nabbar/golib/certificates"
	tlsaut "github.com/nabbar/golib/certificates/auth"

	"github.com/Zirias/remusockd/internal/xerr"
)

// fingerprintLen is the byte length of a SHA-512 digest (128 hex digits).
const fingerprintLen = sha512.Size

// ServerOptions configures the listening side's TLS identity and inbound
// client-certificate policy.
type ServerOptions struct {
	// CertFile, KeyFile are the positional "cert key" arguments; both are
	// required whenever TLS is enabled on the listening side.
	CertFile string
	KeyFile  string

	// CAFile, if non-empty, is the CA used to verify inbound client
	// certificates (-C); it switches client auth to
	// RequireAndVerifyClientCert.
	CAFile string

	// Fingerprints, if non-empty, further restricts accepted client
	// certificates to this SHA-512 allow-list (-H). Each entry must be
	// exactly 128 hex digits; requiring it implies CAFile is also set,
	// since without client-cert verification there is no verified chain
	// to fingerprint.
	Fingerprints []string
}

// NewServerConfig builds the tls.Config a TunnelAcceptor's Server listener
// hands to sockserver.WithTLS.
func NewServerConfig(opts ServerOptions) (*tls.Config, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, xerr.ErrorTLSMissingCert.Error()
	}

	cfg := certificates.New()
	if err := cfg.AddCertificatePairFile(opts.KeyFile, opts.CertFile); err != nil {
		return nil, xerr.ErrorTLSMissingCert.Error(err)
	}

	var fingerprints [][]byte
	if len(opts.Fingerprints) > 0 {
		if opts.CAFile == "" {
			return nil, xerr.ErrorTLSMissingCA.Error()
		}
		var err error
		fingerprints, err = decodeFingerprints(opts.Fingerprints)
		if err != nil {
			return nil, err
		}
	}

	if opts.CAFile != "" {
		if err := cfg.AddClientCAFile(opts.CAFile); err != nil {
			return nil, xerr.ErrorTLSMissingCA.Error(err)
		}
		cfg.SetClientAuth(tlsaut.RequireAndVerifyClientCert)
	}

	tc := cfg.TLS("")
	if len(fingerprints) > 0 {
		tc.VerifyPeerCertificate = verifyFingerprints(fingerprints)
	}
	return tc, nil
}

// NewClientConfig builds the tls.Config a TunnelDialer wraps its connection
// in. insecureSkipVerify is -V, valid only on the dialing side.
func NewClientConfig(insecureSkipVerify bool) *tls.Config {
	return &tls.Config{InsecureSkipVerify: insecureSkipVerify}
}

// decodeFingerprints hex-decodes and length-checks every entry of an -H
// argument, per spec.md §6's "each entry must be exactly 128 hex digits".
func decodeFingerprints(hexes []string) ([][]byte, error) {
	out := make([][]byte, 0, len(hexes))
	for _, h := range hexes {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != fingerprintLen {
			return nil, xerr.ErrorTLSBadFingerprint.Error()
		}
		out = append(out, b)
	}
	return out, nil
}

// verifyFingerprints builds the VerifyPeerCertificate callback enforcing
// the SHA-512 allow-list: the leaf of the already-chain-verified client
// certificate must hash to one of the configured fingerprints.
func verifyFingerprints(allowed [][]byte) func([][]byte, [][]*x509.Certificate) error {
	return func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, chain := range verifiedChains {
			if len(chain) == 0 {
				continue
			}
			sum := sha512.Sum512(chain[0].Raw)
			for _, fp := range allowed {
				if string(sum[:]) == string(fp) {
					return nil
				}
			}
		}
		return xerr.ErrorTLSBadFingerprint.Error()
	}
}
