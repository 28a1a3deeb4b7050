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

// Package proxy is the network edge of authentik. It accepts HTTP and HTTPS
// connections, optionally behind a load balancer that speaks the PROXY
// protocol, terminates TLS with the certificate of the requested brand, and
// forwards the requests to the backend application over a Unix socket.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http/httputil"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/goauthentik/edge/arbiter"
	"github.com/goauthentik/edge/certmanager"
	"github.com/goauthentik/edge/proxy/internal/netw"
	"github.com/goauthentik/edge/proxy/internal/proxyhdr"
)

const (
	handshakeTimeout = 10 * time.Second
	reloadDelay      = 500 * time.Millisecond
)

// Proxy receives connections and forwards requests to the backend.
type Proxy struct {
	arbiter      *arbiter.Arbiter
	backend      Backend
	certs        *certmanager.Manager
	sqlStore     *certmanager.SQLStore
	static       *configStore
	trust        *trustEvaluator
	metrics      *metrics
	wsUpgrader   *websocket.Upgrader
	reverseProxy *httputil.ReverseProxy
	probes       singleflight.Group
	startTime    time.Time

	tlsConfig atomic.Pointer[tls.Config]
	verifier  atomic.Pointer[clientVerifier]
	filter    atomic.Pointer[LogFilter]

	mu        sync.Mutex
	cfg       *Config
	listeners []*listener

	eventsmu sync.Mutex
	events   map[string]int64
}

// configStore serves the static brands of the current config.
type configStore struct {
	mu      sync.Mutex
	entries []certmanager.StaticBinding
}

func (s *configStore) set(entries []certmanager.StaticBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

// Bindings implements certmanager.Store.
func (s *configStore) Bindings(ctx context.Context) ([]certmanager.Binding, error) {
	s.mu.Lock()
	st := &certmanager.StaticStore{Entries: s.entries}
	s.mu.Unlock()
	return st.Bindings(ctx)
}

// New returns a new Proxy. The brand certificates come from the brand
// database, if one is configured, and from the static brands of the config.
func New(cfg *Config, a *arbiter.Arbiter, be Backend) (*Proxy, error) {
	cfg = cfg.clone()
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	p := &Proxy{
		arbiter:    a,
		backend:    be,
		static:     &configStore{},
		trust:      newTrustEvaluator(nil),
		wsUpgrader: newWebSocketUpgrader(),
		startTime:  time.Now(),
	}
	p.metrics = newMetrics(p)

	opts := []certmanager.Option{
		certmanager.WithStore(p.static),
		certmanager.WithLogger(log.Printf),
	}
	if cfg.Brands.CacheSize > 0 {
		opts = append(opts, certmanager.WithCacheSize(cfg.Brands.CacheSize))
	}
	if cfg.Brands.Database != "" {
		s, err := certmanager.OpenSQLStore(cfg.Brands.Database, cfg.Brands.Query, log.Printf)
		if err != nil {
			return nil, fmt.Errorf("brands.database: %w", err)
		}
		p.sqlStore = s
		opts = append(opts, certmanager.WithStore(s))
	}
	certs, err := certmanager.New(opts...)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.certs = certs
	p.reverseProxy = p.newReverseProxy(p.newTransport(cfg.Web.Workers * cfg.Web.Threads))
	p.apply(cfg)

	// Without a database, the static brands don't depend on the backend
	// and are needed before the first handshake.
	if p.sqlStore == nil && len(cfg.Brands.Static) > 0 {
		if err := p.certs.Refresh(context.Background()); err != nil {
			p.Close()
			return nil, fmt.Errorf("brands.static: %w", err)
		}
	}
	return p, nil
}

// CertManager returns the certificate manager.
func (p *Proxy) CertManager() *certmanager.Manager {
	return p.certs
}

// Close releases the resources that aren't tied to a task.
func (p *Proxy) Close() error {
	if p.sqlStore != nil {
		return p.sqlStore.Close()
	}
	return nil
}

func (p *Proxy) config() *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// apply swaps in the parts of cfg that can change at runtime.
func (p *Proxy) apply(cfg *Config) {
	p.trust.set(cfg.trustedProxies)
	p.verifier.Store(&clientVerifier{roots: cfg.clientCAs})
	lf := cfg.LogFilter
	p.filter.Store(&lf)
	p.static.set(cfg.staticBindings())
	p.tlsConfig.Store(p.baseTLSConfig())
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Reconfigure updates the trusted proxies, the client CAs, the log filter,
// and the static brands. The listening addresses and the backend settings
// only take effect after a restart.
func (p *Proxy) Reconfigure(cfg *Config) error {
	cfg = cfg.clone()
	if err := cfg.Check(); err != nil {
		return err
	}
	old := p.config()
	if old.equal(cfg) {
		return nil
	}
	if !slices.Equal(old.Listen.HTTP, cfg.Listen.HTTP) ||
		!slices.Equal(old.Listen.HTTPS, cfg.Listen.HTTPS) ||
		!slices.Equal(old.Listen.Metrics, cfg.Listen.Metrics) ||
		old.Backend.Socket != cfg.Backend.Socket ||
		!slices.Equal(old.Backend.Command, cfg.Backend.Command) ||
		old.Brands.Database != cfg.Brands.Database {
		log.Print("WRN Changes to listen, backend, or brands.database require a restart")
	}
	p.apply(cfg)
	if p.sqlStore == nil || p.backend.Ready() {
		if err := p.certs.Refresh(context.Background()); err != nil {
			return fmt.Errorf("certificate refresh: %w", err)
		}
	}
	log.Print("INF Configuration updated")
	return nil
}

// Start spawns the tasks of the proxy: one per listening address, the
// backend watcher if the backend has one, the certificate refresh loop, and
// the config watcher if configFile isn't empty.
func (p *Proxy) Start(tasks *arbiter.Tasks, configFile string) {
	cfg := p.config()
	handler := p.withTrust(p.logHandler(p.forwardHandler()))
	for _, addr := range cfg.Listen.HTTP {
		p.spawnListener(tasks, &listener{name: "http", addr: addr, proxyProtocol: true, handler: handler})
	}
	for _, addr := range cfg.Listen.HTTPS {
		p.spawnListener(tasks, &listener{name: "https", addr: addr, tls: true, proxyProtocol: true, handler: handler})
	}
	for _, addr := range cfg.Listen.Metrics {
		p.spawnListener(tasks, &listener{name: "metrics", addr: addr, handler: p.metricsMux()})
	}
	if w, ok := p.backend.(interface {
		Watch(context.Context, *arbiter.Arbiter) error
	}); ok {
		tasks.Spawn("backend", func(ctx context.Context) error {
			return w.Watch(ctx, p.arbiter)
		})
	}
	tasks.Spawn("certificates", func(ctx context.Context) error {
		return p.certs.Run(ctx, p.backend.ReadyChan(), cfg.Brands.RefreshInterval)
	})
	if configFile != "" {
		tasks.Spawn("config", func(ctx context.Context) error {
			return p.watchConfig(ctx, configFile)
		})
	}
}

// ListenAddrs returns the bound addresses of the named listeners.
func (p *Proxy) ListenAddrs(name string) []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []net.Addr
	for _, l := range p.listeners {
		if l.name == name {
			out = append(out, l.ln.Addr())
		}
	}
	return out
}

func (p *Proxy) spawnListener(tasks *arbiter.Tasks, l *listener) {
	l.p = p
	l.conns = newConnTracker()
	l.done = make(chan struct{})
	l.ctx, l.cancel = context.WithCancel(context.Background())
	tasks.Spawn(l.name+" "+l.addr, func(context.Context) error {
		return p.serveListener(l)
	})
}

// serveListener binds the address and accepts connections until the
// listener is shut down.
func (p *Proxy) serveListener(l *listener) error {
	ln, err := netw.Listen("tcp", l.addr, p.config().MaxConnectionRate)
	if err != nil {
		l.cancel()
		return err
	}
	l.ln = ln
	l.pl = newProxyListener(ln.Addr())
	l.srv = p.startInternalHTTPServer(l)
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
	p.arbiter.Register(l)
	log.Printf("INF Accepting %s connections on %s", l.name, ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			p.logErrorF("ERR %s accept: %v", l.name, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go p.handleConnection(l, conn.(*netw.Conn))
	}
	<-l.done
	log.Printf("INF Stopped accepting %s connections on %s", l.name, ln.Addr())
	return nil
}

func (p *Proxy) handleConnection(l *listener, conn *netw.Conn) {
	defer func() {
		if r := recover(); r != nil {
			p.recordEvent("panic")
			p.logErrorF("ERR %s: PANIC: %v\n%s", formatConnDesc(conn), r, string(debug.Stack()))
			conn.Close()
		}
	}()
	conn.SetAnnotation(listenerKey, l.name)
	p.recordEvent(l.name + " connection")
	p.metrics.connections.WithLabelValues(l.name).Inc()
	if !l.conns.add(conn) {
		conn.Close()
		return
	}
	conn.OnClose(func() {
		l.conns.remove(conn)
		p.logConnF("END %s; Dur:%s Recv:%d Sent:%d", formatConnDesc(conn),
			time.Since(conn.Accepted()).Truncate(time.Millisecond),
			conn.BytesReceived(), conn.BytesSent())
	})
	setKeepAlive(conn)

	var c net.Conn = conn
	if l.proxyProtocol {
		pc := proxyhdr.NewConn(conn, p.config().ProxyProtocol.ReadTimeout)
		h, err := pc.Decode()
		result := proxyProtocolResult(h, err)
		p.metrics.proxyProtocol.WithLabelValues(result).Inc()
		if h != nil {
			conn.SetAnnotation(proxyProtoKey, h)
		} else if result == "invalid" {
			p.recordEvent("proxy protocol invalid")
			p.logErrorF("BAD %s: PROXY protocol: %v", formatConnDesc(conn), err)
		}
		c = pc
	}
	if l.tls {
		tc := tls.Server(c, &tls.Config{GetConfigForClient: p.getConfigForClient})
		ctx, cancel := context.WithTimeout(l.ctx, handshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			p.recordEvent("tls handshake failed")
			p.logErrorF("BAD %s: TLS handshake: %v", formatConnDesc(conn), unwrapErr(err))
			conn.Close()
			return
		}
		conn.SetAnnotation(protoKey, tc.ConnectionState().NegotiatedProtocol)
		c = tc
	}
	p.logConnF("CON %s", formatConnDesc(conn))
	if !l.pl.push(c) {
		c.Close()
	}
}

func proxyProtocolResult(h *proxyhdr.Header, err error) string {
	switch {
	case h != nil && h.Local():
		return "local"
	case h != nil:
		return fmt.Sprintf("v%d", h.Version)
	case errors.Is(err, proxyhdr.ErrNotProxyProtocol):
		return "none"
	case errors.Is(err, proxyhdr.ErrHeaderTooLong),
		errors.Is(err, proxyhdr.ErrInvalidLength),
		errors.Is(err, proxyhdr.ErrMalformed):
		return "invalid"
	}
	return "error"
}

func (p *Proxy) numConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, l := range p.listeners {
		n += l.conns.len()
	}
	return n
}

func (p *Proxy) allConns() []*netw.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*netw.Conn
	for _, l := range p.listeners {
		out = append(out, l.conns.slice()...)
	}
	return out
}

// watchConfig reloads the config file when it changes, or on SIGHUP.
func (p *Proxy) watchConfig(ctx context.Context, file string) error {
	sigs, unsubscribe := p.arbiter.SubscribeSignals()
	defer unsubscribe()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		log.Printf("WRN Config watcher: %v", err)
	} else {
		defer w.Close()
		// The directory is watched so that files replaced by a rename,
		// e.g. mounted config maps, are still seen.
		if err := w.Add(filepath.Dir(file)); err != nil {
			log.Printf("WRN Config watcher: %v", err)
		}
		events, errs = w.Events, w.Errors
	}
	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			if sig == unix.SIGHUP {
				log.Print("INF Received SIGHUP, reloading config")
				p.reloadConfig(file)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(file) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer = time.After(reloadDelay)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("WRN Config watcher: %v", err)
		case <-timer:
			timer = nil
			p.reloadConfig(file)
		}
	}
}

func (p *Proxy) reloadConfig(file string) {
	cfg, err := ReadConfig(file)
	if err != nil {
		log.Printf("ERR Config: %v", err)
		return
	}
	if err := p.Reconfigure(cfg); err != nil {
		log.Printf("ERR Reconfigure: %v", err)
	}
}
