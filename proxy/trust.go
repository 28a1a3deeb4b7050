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
	"net/http"
	"net/netip"
	"sync/atomic"

	"github.com/goauthentik/edge/proxy/internal/fromctx"
)

// trustEvaluator decides whether the immediate peer of a request is a
// trusted reverse proxy.
type trustEvaluator struct {
	cidrs atomic.Pointer[[]netip.Prefix]
}

func newTrustEvaluator(cidrs []netip.Prefix) *trustEvaluator {
	te := &trustEvaluator{}
	te.set(cidrs)
	return te
}

func (te *trustEvaluator) set(cidrs []netip.Prefix) {
	te.cidrs.Store(&cidrs)
}

// trusted returns true if the transport peer of req is in one of the trusted
// networks. The answer is computed once per request. Later calls return the
// same answer even if the networks are changed in the meantime.
func (te *trustEvaluator) trusted(req *http.Request) bool {
	return fromctx.TrustedProxy(req.Context(), func() bool {
		return te.contains(peerAddr(req))
	})
}

func (te *trustEvaluator) contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	for _, p := range *te.cidrs.Load() {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerAddr returns the transport peer address of req, never an address that
// the peer reported about someone else.
func peerAddr(req *http.Request) netip.Addr {
	ap, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		addr, err := netip.ParseAddr(req.RemoteAddr)
		if err != nil {
			return netip.Addr{}
		}
		return addr.Unmap()
	}
	return ap.Addr().Unmap()
}

// withTrust attaches the trust cache to each request, and records what was
// derived about the client for the inner handlers, e.g. for logging.
func (p *Proxy) withTrust(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req = req.WithContext(fromctx.WithTrustCache(req.Context()))
		fw := &fromctx.Forwarded{
			Trusted:  p.trust.trusted(req),
			ClientIP: p.trust.clientIP(req).String(),
			Host:     p.trust.requestHost(req),
			Scheme:   p.trust.requestScheme(req),
		}
		next.ServeHTTP(w, req.WithContext(fromctx.WithForwarded(req.Context(), fw)))
	})
}
