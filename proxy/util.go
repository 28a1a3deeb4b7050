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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/goauthentik/edge/proxy/internal/netw"
	"github.com/goauthentik/edge/proxy/internal/proxyhdr"
)

const (
	listenerKey   = "l"
	serverNameKey = "sn"
	protoKey      = "p"
	clientCertKey = "c"
	proxyProtoKey = "pp"
	upgradeKey    = "hu"
)

// clientCertState is the outcome of client certificate verification. It is
// annotated on the connection after the handshake.
type clientCertState struct {
	certs    []*x509.Certificate
	verified bool
}

func connServerName(c *netw.Conn) string {
	return c.Annotation(serverNameKey, "").(string)
}

func connProto(c *netw.Conn) string {
	return c.Annotation(protoKey, "").(string)
}

func connListener(c *netw.Conn) string {
	return c.Annotation(listenerKey, "").(string)
}

func connUpgrade(c *netw.Conn) string {
	return c.Annotation(upgradeKey, "").(string)
}

func connClientCert(c *netw.Conn) *clientCertState {
	return c.Annotation(clientCertKey, (*clientCertState)(nil)).(*clientCertState)
}

func connProxyHeader(c *netw.Conn) *proxyhdr.Header {
	return c.Annotation(proxyProtoKey, (*proxyhdr.Header)(nil)).(*proxyhdr.Header)
}

// reqConn returns the instrumented connection of a request, or nil.
func reqConn(req *http.Request) *netw.Conn {
	c, ok := req.Context().Value(connCtxKey).(net.Conn)
	if !ok {
		return nil
	}
	return netw.Find(c)
}

func formatConnDesc(c *netw.Conn, ids ...string) string {
	var identities []string
	if cc := connClientCert(c); cc != nil && len(cc.certs) > 0 {
		identities = append(identities, certSummary(cc.certs[0]))
	}
	identities = append(identities, ids...)

	var buf bytes.Buffer
	buf.WriteString(c.ID()[:8] + " ")
	if len(identities) == 0 {
		buf.WriteString("[-] ")
	} else {
		buf.WriteString("[" + strings.Join(identities, "|") + "] ")
	}
	buf.WriteString(c.RemoteAddr().Network() + ":" + c.RemoteAddr().String())
	if h := connProxyHeader(c); h != nil && h.SourceAddr() != nil {
		buf.WriteString(" (pp:" + h.SourceAddr().String() + ")")
	}
	buf.WriteString(" ➔ ")
	buf.WriteString(connListener(c))
	if serverName := connServerName(c); serverName != "" {
		buf.WriteString("|" + idnaToUnicode(serverName))
	}
	if proto := connProto(c); proto != "" {
		buf.WriteString(":" + proto)
	}
	if up := connUpgrade(c); up != "" {
		buf.WriteString("+" + up)
	}
	return buf.String()
}

func setKeepAlive(conn net.Conn) {
	switch c := conn.(type) {
	case *tls.Conn:
		setKeepAlive(c.NetConn())
	case *net.TCPConn:
		c.SetKeepAlivePeriod(30 * time.Second)
		c.SetKeepAlive(true)
	case *netw.Conn:
		setKeepAlive(c.Conn)
	case *proxyhdr.Conn:
		setKeepAlive(c.NetConn())
	default:
	}
}

// loadCerts adds the PEM certificates in s to p. s is either PEM or the name
// of a file.
func loadCerts(p *x509.CertPool, s string) error {
	var b []byte
	if strings.HasPrefix(strings.TrimSpace(s), "-----BEGIN") {
		b = []byte(s)
	} else {
		var err error
		if b, err = os.ReadFile(s); err != nil {
			return err
		}
	}
	if !p.AppendCertsFromPEM(b) {
		return errors.New("invalid certs")
	}
	return nil
}

func certSummary(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	var parts []string
	if sub := c.Subject.String(); sub != "" {
		parts = append(parts, "SUBJECT:"+sub)
	}
	for _, v := range c.DNSNames {
		parts = append(parts, "DNS:"+v)
	}
	for _, v := range c.EmailAddresses {
		parts = append(parts, "EMAIL:"+v)
	}
	for _, v := range c.URIs {
		parts = append(parts, "URI:"+v.String())
	}
	return strings.Join(parts, ";")
}

func unwrapErr(err error) error {
	if e, ok := err.(*net.OpError); ok {
		return unwrapErr(e.Err)
	}
	return err
}

func idnaToUnicode(s string) string {
	if u, err := idna.Lookup.ToUnicode(s); err == nil {
		return u
	}
	return s
}
