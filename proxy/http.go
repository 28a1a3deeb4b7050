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
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/goauthentik/edge/proxy/internal/fromctx"
	"github.com/goauthentik/edge/proxy/internal/netw"
)

type ctxKey int

var (
	connCtxKey     ctxKey = 1
	listenerCtxKey ctxKey = 2
)

// startInternalHTTPServer serves the connections pushed to l.pl. The
// connections have already been through the PROXY protocol decoder and, for
// TLS listeners, the handshake.
func (p *Proxy) startInternalHTTPServer(l *listener) *http.Server {
	s := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       30 * time.Second,
		ErrorLog:          p.serverErrorLog(),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			ctx = context.WithValue(ctx, listenerCtxKey, l.ctx)
			return context.WithValue(ctx, connCtxKey, c)
		},
	}
	if l.tls {
		if err := http2.ConfigureServer(s, &http2.Server{IdleTimeout: 30 * time.Second}); err != nil {
			log.Printf("ERR http2.ConfigureServer: %v", err)
		}
	}
	go serveHTTP(s, l.pl)
	return s
}

// listenerContext returns the context of the listener that accepted req. It
// is cancelled only when the listener shuts down for good, i.e. on a fast
// shutdown or at the end of the grace period. Hijacked connections use it.
func listenerContext(req *http.Request) context.Context {
	if ctx, ok := req.Context().Value(listenerCtxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func serveHTTP(s *http.Server, l net.Listener) {
	if err := s.Serve(l); !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("ERR http server exited: %v", err)
	}
}

// proxyListener is a net.Listener that returns the connections handed to it
// with push.
type proxyListener struct {
	addr net.Addr
	ch   chan net.Conn

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newProxyListener(addr net.Addr) *proxyListener {
	return &proxyListener{
		addr:     addr,
		ch:       make(chan net.Conn),
		closedCh: make(chan struct{}),
	}
}

// push hands c to the http server. It returns false if the listener is
// closed. The caller then still owns c.
func (l *proxyListener) push(c net.Conn) bool {
	select {
	case l.ch <- c:
		return true
	case <-l.closedCh:
		return false
	}
}

func (l *proxyListener) Accept() (net.Conn, error) {
	select {
	case <-l.closedCh:
		return nil, net.ErrClosed
	case c := <-l.ch:
		return c, nil
	}
}

func (l *proxyListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closedCh)
	})
	return nil
}

func (l *proxyListener) Addr() net.Addr {
	return l.addr
}

// listener is one listening address. It is registered with the arbiter as a
// shutdown handle.
type listener struct {
	p             *Proxy
	name          string
	addr          string
	tls           bool
	proxyProtocol bool
	handler       http.Handler

	ln    *netw.Listener
	pl    *proxyListener
	srv   *http.Server
	conns *connTracker

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

// GracefulShutdown stops accepting connections and lets the open ones finish
// for up to d. It doesn't block.
func (l *listener) GracefulShutdown(d time.Duration) {
	l.stopOnce.Do(func() {
		l.ln.Close()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), d)
			defer cancel()
			if err := l.srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Printf("WRN %s %s: shutdown: %v", l.name, l.addr, err)
			}
			// Hijacked connections, e.g. websockets, are not covered
			// by Shutdown.
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for l.conns.len() > 0 {
				select {
				case <-ctx.Done():
					l.Shutdown()
					return
				case <-ticker.C:
				}
			}
			l.Shutdown()
		}()
	})
}

// Shutdown closes the listener and all its connections now.
func (l *listener) Shutdown() {
	l.stopOnce.Do(func() {})
	l.cancel()
	l.ln.Close()
	l.srv.Close()
	l.conns.closeAll()
	l.doneOnce.Do(func() {
		close(l.done)
	})
}

func userAgent(req *http.Request) string {
	ua := req.Header.Get("user-agent")
	if len(ua) > 200 {
		ua = ua[:197] + "..."
	}
	return ua
}

func formatReqDesc(req *http.Request) string {
	var ids []string
	if fw := fromctx.ForwardedInfo(req.Context()); fw != nil && fw.Trusted {
		ids = append(ids, "client:"+fw.ClientIP)
	}
	if c := reqConn(req); c != nil {
		return formatConnDesc(c, ids...)
	}
	return req.RemoteAddr
}

func (p *Proxy) logHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.logRequestF("REQ %s ➔ %s %s (%q)", formatReqDesc(req), req.Method, req.URL.RequestURI(), userAgent(req))
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, req)
		if sw.code != 0 {
			p.metrics.responses.WithLabelValues(strconv.Itoa(sw.code)).Inc()
		}
	})
}

// statusWriter records the status code of a response. It passes Flush and
// Hijack through so that streaming and websockets keep working.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	c, rw, err := h.Hijack()
	if err == nil && w.code == 0 {
		w.code = http.StatusSwitchingProtocols
	}
	return c, rw, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
