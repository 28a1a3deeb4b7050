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
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/go-test/deep"
	"github.com/pires/go-proxyproto"

	"github.com/goauthentik/edge/proxy/internal/fromctx"
	"github.com/goauthentik/edge/proxy/internal/netw"
	"github.com/goauthentik/edge/proxy/internal/proxyhdr"
)

func ppHeader(t *testing.T, src string, ssl bool) *proxyhdr.Header {
	t.Helper()
	srcAddr, err := net.ResolveTCPAddr("tcp", src)
	if err != nil {
		t.Fatalf("ResolveTCPAddr: %v", err)
	}
	dstAddr, _ := net.ResolveTCPAddr("tcp", "203.0.113.1:443")
	h := proxyproto.HeaderProxyFromAddrs(2, srcAddr, dstAddr)
	if ssl {
		// Client flags, verify result, then the SSL_VERSION sub-extension.
		v := append([]byte{0x01, 0, 0, 0, 0}, byte(proxyproto.PP2_SUBTYPE_SSL_VERSION), 0, 7)
		v = append(v, "TLSv1.3"...)
		if err := h.SetTLVs([]proxyproto.TLV{{Type: proxyproto.PP2_TYPE_SSL, Value: v}}); err != nil {
			t.Fatalf("SetTLVs: %v", err)
		}
	}
	b, err := h.Format()
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	out, _, err := proxyhdr.Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return out
}

type testReq struct {
	remote  string
	headers [][2]string
	pp      *proxyhdr.Header
	tls     bool
	host    string
}

func (r testReq) build(t *testing.T) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://backend.example/path", nil)
	req.RemoteAddr = r.remote
	if r.host != "" {
		req.Host = r.host
	}
	for _, h := range r.headers {
		req.Header.Add(h[0], h[1])
	}
	if r.tls {
		req.TLS = &tls.ConnectionState{}
	}
	ctx := fromctx.WithTrustCache(req.Context())
	if r.pp != nil {
		a, b := net.Pipe()
		t.Cleanup(func() { a.Close(); b.Close() })
		c := netw.NewConnForTest(a)
		c.SetAnnotation(proxyProtoKey, r.pp)
		ctx = context.WithValue(ctx, connCtxKey, net.Conn(c))
	}
	return req.WithContext(ctx)
}

func testTrust() *trustEvaluator {
	return newTrustEvaluator([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	})
}

func TestTrustedProxy(t *testing.T) {
	te := testTrust()
	for _, tc := range []struct {
		remote string
		want   bool
	}{
		{"10.1.2.3:1234", true},
		{"[::ffff:10.1.2.3]:1234", true},
		{"[::1]:80", true},
		{"192.0.2.1:1234", false},
		{"pipe", false},
	} {
		req := testReq{remote: tc.remote}.build(t)
		if got := te.trusted(req); got != tc.want {
			t.Errorf("trusted(%q) = %v, want %v", tc.remote, got, tc.want)
		}
	}
}

func TestTrustedProxyIsCached(t *testing.T) {
	te := testTrust()
	req := testReq{remote: "10.1.2.3:1234", headers: [][2]string{{"X-Forwarded-For", "192.0.2.9"}}}.build(t)
	if !te.trusted(req) {
		t.Fatal("trusted() = false")
	}
	// Removing the network doesn't change the answer for this request.
	te.set(nil)
	if !te.trusted(req) {
		t.Error("trusted() changed within a request")
	}
	if got, want := te.clientIP(req).String(), "192.0.2.9"; got != want {
		t.Errorf("clientIP() = %q, want %q", got, want)
	}
	other := testReq{remote: "10.1.2.3:1234"}.build(t)
	if te.trusted(other) {
		t.Error("trusted() = true for a new request")
	}
}

func TestClientIP(t *testing.T) {
	te := testTrust()
	for _, tc := range []struct {
		name string
		req  testReq
		want string
	}{
		{
			name: "untrusted",
			req:  testReq{remote: "192.0.2.50:1234", headers: [][2]string{{"X-Forwarded-For", "198.51.100.1"}}, pp: ppHeader(t, "198.51.100.2:1000", false)},
			want: "192.0.2.50",
		},
		{
			name: "xff right-most",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-For", "192.0.2.1, 192.0.2.2, 192.0.2.3"}}},
			want: "192.0.2.3",
		},
		{
			name: "xff multiple lines",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-For", "192.0.2.1"}, {"X-Forwarded-For", "192.0.2.2,"}}},
			want: "192.0.2.2",
		},
		{
			name: "xff invalid falls through",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-For", "nope"}, {"X-Real-IP", "192.0.2.7"}}},
			want: "192.0.2.7",
		},
		{
			name: "x-real-ip",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Real-IP", "2001:db8::7"}}},
			want: "2001:db8::7",
		},
		{
			name: "forwarded",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"Forwarded", `for=192.0.2.60;proto=http, for="[2001:db8:cafe::17]:4711"`}}},
			want: "2001:db8:cafe::17",
		},
		{
			name: "forwarded obfuscated",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"Forwarded", `for=_hidden`}}, pp: ppHeader(t, "198.51.100.2:1000", false)},
			want: "198.51.100.2",
		},
		{
			name: "proxy protocol",
			req:  testReq{remote: "10.0.0.1:1234", pp: ppHeader(t, "198.51.100.2:1000", false)},
			want: "198.51.100.2",
		},
		{
			name: "trusted without headers",
			req:  testReq{remote: "10.0.0.1:1234"},
			want: "10.0.0.1",
		},
		{
			name: "xff with port",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-For", "192.0.2.1:5555"}}},
			want: "192.0.2.1",
		},
	} {
		req := tc.req.build(t)
		if got := te.clientIP(req).String(); got != tc.want {
			t.Errorf("[%s] clientIP() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRequestHost(t *testing.T) {
	te := testTrust()
	for _, tc := range []struct {
		name string
		req  testReq
		want string
	}{
		{
			name: "untrusted",
			req:  testReq{remote: "192.0.2.50:1234", host: "real.example", headers: [][2]string{{"X-Forwarded-Host", "fake.example"}}},
			want: "real.example",
		},
		{
			name: "xfh first",
			req:  testReq{remote: "10.0.0.1:1234", host: "real.example", headers: [][2]string{{"X-Forwarded-Host", "a.example, b.example"}}},
			want: "a.example",
		},
		{
			name: "forwarded",
			req:  testReq{remote: "10.0.0.1:1234", host: "real.example", headers: [][2]string{{"Forwarded", `for=192.0.2.1, host="c.example";proto=https`}}},
			want: "c.example",
		},
		{
			name: "host header",
			req:  testReq{remote: "10.0.0.1:1234", host: "real.example:8443"},
			want: "real.example:8443",
		},
	} {
		req := tc.req.build(t)
		if got := te.requestHost(req); got != tc.want {
			t.Errorf("[%s] requestHost() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRequestScheme(t *testing.T) {
	te := testTrust()
	for _, tc := range []struct {
		name string
		req  testReq
		want string
	}{
		{
			name: "untrusted",
			req:  testReq{remote: "192.0.2.50:1234", headers: [][2]string{{"X-Forwarded-Proto", "https"}}},
			want: "http",
		},
		{
			name: "untrusted tls",
			req:  testReq{remote: "192.0.2.50:1234", tls: true, headers: [][2]string{{"X-Forwarded-Proto", "http"}}},
			want: "https",
		},
		{
			name: "xfp",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-Proto", "HTTPS"}}},
			want: "https",
		},
		{
			name: "x-forwarded-scheme",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-Scheme", "https"}}},
			want: "https",
		},
		{
			name: "invalid xfp falls through",
			req:  testReq{remote: "10.0.0.1:1234", headers: [][2]string{{"X-Forwarded-Proto", "gopher"}, {"Forwarded", "proto=https"}}},
			want: "https",
		},
		{
			name: "proxy protocol ssl",
			req:  testReq{remote: "10.0.0.1:1234", pp: ppHeader(t, "198.51.100.2:1000", true)},
			want: "https",
		},
		{
			name: "proxy protocol without ssl",
			req:  testReq{remote: "10.0.0.1:1234", pp: ppHeader(t, "198.51.100.2:1000", false)},
			want: "http",
		},
		{
			name: "untrusted proxy protocol ssl",
			req:  testReq{remote: "192.0.2.50:1234", pp: ppHeader(t, "198.51.100.2:1000", true)},
			want: "http",
		},
	} {
		req := tc.req.build(t)
		if got := te.requestScheme(req); got != tc.want {
			t.Errorf("[%s] requestScheme() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestParseForwarded(t *testing.T) {
	got := parseForwarded([]string{
		`for=192.0.2.43, for="[2001:db8:cafe::17]";proto=https`,
		`For="_gazonk";HOST="a,b.example";by=unknown`,
		`garbage, host=x;host=y`,
	})
	want := []map[string]string{
		{"for": "192.0.2.43"},
		{"for": "[2001:db8:cafe::17]", "proto": "https"},
		{"for": "_gazonk", "host": "a,b.example", "by": "unknown"},
		{"host": "x"},
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("parseForwarded() = %v, want %v", got, want)
		for _, d := range diff {
			t.Logf(" %s", d)
		}
	}
}

func TestParseNode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		ok   bool
	}{
		{"192.0.2.1", "192.0.2.1", true},
		{"192.0.2.1:80", "192.0.2.1", true},
		{"[2001:db8::1]", "2001:db8::1", true},
		{"[2001:db8::1]:443", "2001:db8::1", true},
		{"2001:db8::1", "2001:db8::1", true},
		{"::ffff:192.0.2.1", "192.0.2.1", true},
		{"unknown", "", false},
		{"_secret", "", false},
		{"[2001:db8::1]x", "", false},
		{"example.com", "", false},
		{"", "", false},
	} {
		addr, ok := parseNode(tc.in)
		if ok != tc.ok {
			t.Errorf("parseNode(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && addr.String() != tc.want {
			t.Errorf("parseNode(%q) = %q, want %q", tc.in, addr, tc.want)
		}
	}
}
