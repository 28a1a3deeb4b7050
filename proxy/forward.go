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
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"strings"
	"time"
)

// backendHost is the authority of the requests sent to the backend socket.
const backendHost = "localhost:8000"

//go:embed startup.html
var startupHTML []byte

// Backend is the application that requests are forwarded to.
type Backend interface {
	// Socket is the path of the backend's Unix socket.
	Socket() string
	// Ready returns true once the backend is ready to serve requests.
	Ready() bool
	// ReadyChan is closed when the backend becomes ready.
	ReadyChan() <-chan struct{}
	// Probe returns true if the backend socket accepts connections.
	Probe(ctx context.Context) bool
}

// forwardedHeaders are removed from every forwarded request. They are
// regenerated from what was derived about the client.
var forwardedHeaders = []string{
	hdrForwarded,
	"Host",
	hdrXForwardedFor,
	hdrXForwardedHost,
	hdrXForwardedProto,
	hdrXForwardedScheme,
	hdrXRealIP,
}

func (p *Proxy) newTransport(poolSize int) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", p.backend.Socket())
		},
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func (p *Proxy) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			p.rewriteRequest(r.In, r.Out)
		},
		Transport:      transport,
		FlushInterval:  -1,
		ErrorLog:       p.serverErrorLog(),
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.proxyErrorHandler,
	}
}

// rewriteRequest points out at the backend and replaces the forwarding
// headers.
func (p *Proxy) rewriteRequest(in, out *http.Request) {
	trusted := p.trust.trusted(in)
	host := p.trust.requestHost(in)
	scheme := p.trust.requestScheme(in)
	clientIP := p.trust.clientIP(in)

	out.URL.Scheme = "http"
	out.URL.Host = backendHost
	for _, h := range forwardedHeaders {
		out.Header.Del(h)
	}
	if clientIP.IsValid() {
		out.Header.Set(hdrXForwardedFor, clientIP.String())
	}
	out.Header.Set(hdrXForwardedProto, scheme)
	out.Host = host

	var st *clientCertState
	if c := reqConn(in); c != nil {
		st = connClientCert(c)
	}
	setXFCCHeader(out.Header, trusted, st)
}

func (p *Proxy) forwardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				p.recordEvent("panic")
				p.logErrorF("ERR %s ➔ %s %s: PANIC: %v\n%s", formatReqDesc(req), req.Method, req.URL, r, string(debug.Stack()))
			}
		}()
		if isWebSocketUpgrade(req) {
			p.webSocketHandler(w, req)
			return
		}
		if !p.backend.Ready() {
			p.recordEvent("backend not ready")
			serveStartup(w, req)
			return
		}
		p.reverseProxy.ServeHTTP(w, req)
	})
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	req := resp.Request
	var cl string
	if resp.ContentLength != -1 {
		cl = fmt.Sprintf(" content-length:%d", resp.ContentLength)
	}
	p.logRequestF("PRX %s ➔ %s %s ➔ status:%d%s (%q)", formatReqDesc(req), req.Method, req.URL.RequestURI(), resp.StatusCode, cl, userAgent(req))
	return nil
}

func (p *Proxy) proxyErrorHandler(w http.ResponseWriter, req *http.Request, err error) {
	if req.Context().Err() != nil {
		// The client went away.
		p.recordEvent("client canceled")
		return
	}
	if isTransportError(err) {
		if !p.probeBackend() {
			p.recordEvent("backend unreachable")
			serveStartup(w, req)
			return
		}
	}
	p.recordEvent("bad gateway")
	p.logErrorF("ERR %s ➔ %s %s: %v", formatReqDesc(req), req.Method, req.URL.RequestURI(), unwrapErr(err))
	w.WriteHeader(http.StatusBadGateway)
	io.WriteString(w, err.Error())
}

// probeBackend checks whether the backend socket accepts connections.
// Concurrent calls share the same probe.
func (p *Proxy) probeBackend() bool {
	v, _, _ := p.probes.Do("probe", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.backend.Probe(ctx), nil
	})
	return v.(bool)
}

// isTransportError returns true if err means that the request couldn't be
// delivered to the backend, or that the backend connection broke.
func isTransportError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// serveStartup sends the response used while the backend is starting. The
// format is chosen by the Accept header.
func serveStartup(w http.ResponseWriter, req *http.Request) {
	accept := req.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "application/json"):
		w.Header().Set("Retry-After", "5")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "authentik starting"})
	case strings.Contains(accept, "text/html"):
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(startupHTML)
	default:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "authentik starting")
	}
}
