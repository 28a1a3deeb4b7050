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
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/goauthentik/edge/proxy/internal/proxyhdr"
)

const (
	hdrForwarded        = "Forwarded"
	hdrXForwardedFor    = "X-Forwarded-For"
	hdrXForwardedHost   = "X-Forwarded-Host"
	hdrXForwardedProto  = "X-Forwarded-Proto"
	hdrXForwardedScheme = "X-Forwarded-Scheme"
	hdrXRealIP          = "X-Real-IP"
)

// clientIP returns the address of the client. The forwarding headers and the
// PROXY protocol header are only used when the peer is trusted. The order is:
// right-most X-Forwarded-For, X-Real-IP, right-most Forwarded for=, PROXY
// protocol source, transport peer.
func (te *trustEvaluator) clientIP(req *http.Request) netip.Addr {
	peer := peerAddr(req)
	if !te.trusted(req) {
		return peer
	}
	if v := lastListValue(req.Header.Values(hdrXForwardedFor)); v != "" {
		if addr, ok := parseNode(v); ok {
			return addr
		}
	}
	if v := strings.TrimSpace(req.Header.Get(hdrXRealIP)); v != "" {
		if addr, ok := parseNode(v); ok {
			return addr
		}
	}
	if elems := parseForwarded(req.Header.Values(hdrForwarded)); len(elems) > 0 {
		for i := len(elems) - 1; i >= 0; i-- {
			v, ok := elems[i]["for"]
			if !ok {
				continue
			}
			if addr, ok := parseNode(v); ok {
				return addr
			}
			break
		}
	}
	if h := reqProxyHeader(req); h != nil {
		if src := h.SourceAddr(); src != nil {
			if ap, err := netip.ParseAddrPort(src.String()); err == nil {
				return ap.Addr().Unmap()
			}
		}
	}
	return peer
}

// requestHost returns the host that the client asked for: first
// X-Forwarded-Host value, first Forwarded host=, then the Host header.
func (te *trustEvaluator) requestHost(req *http.Request) string {
	if te.trusted(req) {
		if v := firstListValue(req.Header.Values(hdrXForwardedHost)); v != "" {
			return v
		}
		for _, e := range parseForwarded(req.Header.Values(hdrForwarded)) {
			if v := e["host"]; v != "" {
				return v
			}
		}
	}
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// requestScheme returns the scheme that the client used: X-Forwarded-Proto,
// X-Forwarded-Scheme, first Forwarded proto=, the PROXY protocol SSL
// extension, then the state of the connection.
func (te *trustEvaluator) requestScheme(req *http.Request) string {
	if te.trusted(req) {
		for _, h := range []string{hdrXForwardedProto, hdrXForwardedScheme} {
			if v, ok := validScheme(firstListValue(req.Header.Values(h))); ok {
				return v
			}
		}
		for _, e := range parseForwarded(req.Header.Values(hdrForwarded)) {
			if v, ok := e["proto"]; ok {
				if s, ok := validScheme(v); ok {
					return s
				}
				break
			}
		}
		if h := reqProxyHeader(req); h != nil && !h.Local() && h.SSL() {
			return "https"
		}
	}
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func validScheme(s string) (string, bool) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "http", "https":
		return s, true
	}
	return "", false
}

func reqProxyHeader(req *http.Request) *proxyhdr.Header {
	if c := reqConn(req); c != nil {
		return connProxyHeader(c)
	}
	return nil
}

func firstListValue(values []string) string {
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				return item
			}
		}
	}
	return ""
}

func lastListValue(values []string) string {
	for i := len(values) - 1; i >= 0; i-- {
		items := strings.Split(values[i], ",")
		for j := len(items) - 1; j >= 0; j-- {
			if item := strings.TrimSpace(items[j]); item != "" {
				return item
			}
		}
	}
	return ""
}

// parseNode parses an address in one of the forms used by the forwarding
// headers: ip, ip:port, [ipv6] or [ipv6]:port. Obfuscated identifiers and
// "unknown" are not addresses.
func parseNode(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '_' || strings.EqualFold(s, "unknown") {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), true
	}
	if strings.HasPrefix(s, "[") {
		if end := strings.IndexByte(s, ']'); end > 0 {
			rest := s[end+1:]
			if rest != "" && rest[0] != ':' {
				return netip.Addr{}, false
			}
			addr, err := netip.ParseAddr(s[1:end])
			if err != nil {
				return netip.Addr{}, false
			}
			return addr.Unmap(), true
		}
		return netip.Addr{}, false
	}
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// parseForwarded parses RFC 7239 Forwarded header values. Each element is a
// map of lower-cased parameter names to unquoted values. Malformed pairs are
// skipped.
func parseForwarded(values []string) []map[string]string {
	var out []map[string]string
	for _, v := range values {
		for _, elem := range splitQuoted(v, ',') {
			m := make(map[string]string)
			for _, pair := range splitQuoted(elem, ';') {
				k, val, ok := strings.Cut(pair, "=")
				if !ok {
					continue
				}
				k = strings.ToLower(strings.TrimSpace(k))
				if k == "" {
					continue
				}
				if _, dup := m[k]; dup {
					continue
				}
				m[k] = unquote(strings.TrimSpace(val))
			}
			if len(m) > 0 {
				out = append(out, m)
			}
		}
	}
	return out
}

// splitQuoted splits s on sep, except inside quoted strings.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	var inQuote, esc bool
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case inQuote && c == '\\':
			esc = true
		case c == '"':
			inQuote = !inQuote
		case !inQuote && c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	var b strings.Builder
	var esc bool
	for i := 0; i < len(s); i++ {
		if !esc && s[i] == '\\' {
			esc = true
			continue
		}
		esc = false
		b.WriteByte(s[i])
	}
	return b.String()
}
