// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/goauthentik/edge/certmanager"
	"github.com/goauthentik/edge/proxy/internal/netw"
)

// clientVerifier checks client certificates. It never fails a handshake; the
// outcome only decides whether the certificate is forwarded to the backend.
type clientVerifier struct {
	roots *x509.CertPool
}

func (v *clientVerifier) verify(certs []*x509.Certificate) bool {
	if len(certs) == 0 {
		return false
	}
	if v == nil || v.roots == nil {
		return true
	}
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(opts)
	return err == nil
}

// baseTLSConfig returns the server TLS config template. The certificate is
// resolved at handshake time from the SNI.
func (p *Proxy) baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		ClientAuth: tls.RequestClientCert,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, src := p.certs.Resolve(hello.ServerName)
			p.metrics.certSources.WithLabelValues(src.String()).Inc()
			if src == certmanager.SourceFallback {
				p.recordEvent("tls fallback certificate")
			}
			return cert, nil
		},
	}
}

// getConfigForClient serves the current template to each handshake. Every
// handshake sees one template in its entirety, even when it is swapped
// concurrently.
func (p *Proxy) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if hello.ServerName != "" {
		netw.SetAnnotation(hello.Conn, serverNameKey, hello.ServerName)
	}
	cfg := p.tlsConfig.Load().Clone()
	verifier := p.verifier.Load()
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		st := &clientCertState{certs: cs.PeerCertificates}
		st.verified = verifier.verify(cs.PeerCertificates)
		if len(st.certs) > 0 {
			if st.verified {
				p.recordEvent("tls client cert verified")
			} else {
				p.recordEvent("tls client cert unverified")
			}
		}
		netw.SetAnnotation(hello.Conn, clientCertKey, st)
		return nil
	}
	return cfg, nil
}
