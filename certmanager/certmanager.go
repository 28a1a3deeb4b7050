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

// Package certmanager selects the TLS server certificate of each connection
// from the brand certificate bindings.
//
// The bindings are loaded in bulk from one or more stores and replaced
// atomically. A handshake never observes a partially updated set. When no
// binding matches, a self-signed fallback certificate is used.
package certmanager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/idna"
)

const defaultCacheSize = 1024

// Binding associates a brand domain with its certificate.
type Binding struct {
	Domain      string
	Default     bool
	Certificate *tls.Certificate
}

// Store is a source of bindings.
type Store interface {
	Bindings(ctx context.Context) ([]Binding, error)
}

// Source describes how a certificate was selected.
type Source int

const (
	SourceFallback Source = iota
	SourceExact
	SourceSuffix
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceExact:
		return "exact"
	case SourceSuffix:
		return "suffix"
	case SourceDefault:
		return "default"
	}
	return "fallback"
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore adds a binding store. Stores are queried in order and their
// bindings are concatenated.
func WithStore(s Store) Option {
	return func(m *Manager) {
		m.stores = append(m.stores, s)
	}
}

// WithLogger sets the function used for logging. The default is log.Printf.
func WithLogger(f func(string, ...any)) Option {
	return func(m *Manager) {
		m.logger = f
	}
}

// WithCacheSize sets the size of the per-snapshot resolution cache.
func WithCacheSize(n int) Option {
	return func(m *Manager) {
		m.cacheSize = n
	}
}

// WithFallback sets the fallback certificate instead of generating one.
func WithFallback(c *tls.Certificate) Option {
	return func(m *Manager) {
		m.fallback = c
	}
}

// Manager resolves server names to certificates.
type Manager struct {
	stores    []Store
	logger    func(string, ...any)
	cacheSize int
	fallback  *tls.Certificate

	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

type snapshot struct {
	bindings []Binding
	def      *Binding
	cache    *lru.Cache[string, resolved]
}

type resolved struct {
	cert *tls.Certificate
	src  Source
}

// New returns a new Manager with an empty set of bindings.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:    log.Printf,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fallback == nil {
		c, err := FallbackCertificate()
		if err != nil {
			return nil, err
		}
		m.fallback = c
	}
	if err := m.Set(nil); err != nil {
		return nil, err
	}
	return m, nil
}

// Fallback returns the self-signed fallback certificate.
func (m *Manager) Fallback() *tls.Certificate {
	return m.fallback
}

// Len returns the number of bindings currently loaded.
func (m *Manager) Len() int {
	return len(m.snap.Load().bindings)
}

// Set replaces all the bindings. Bindings without a certificate or a domain
// are ignored.
func (m *Manager) Set(bindings []Binding) error {
	cache, err := lru.New[string, resolved](m.cacheSize)
	if err != nil {
		return fmt.Errorf("lru.New: %w", err)
	}
	s := &snapshot{cache: cache}
	for _, b := range bindings {
		if b.Certificate == nil {
			continue
		}
		b.Domain = normalize(b.Domain)
		if b.Domain == "" {
			continue
		}
		s.bindings = append(s.bindings, b)
	}
	for i := range s.bindings {
		if s.bindings[i].Default {
			s.def = &s.bindings[i]
			break
		}
	}
	m.snap.Store(s)
	return nil
}

// Refresh fetches the bindings from all the stores and swaps them in. The
// current bindings are kept if any store fails.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	var all []Binding
	for _, s := range m.stores {
		b, err := s.Bindings(ctx)
		if err != nil {
			return err
		}
		all = append(all, b...)
	}
	return m.Set(all)
}

// Run waits for ready to be closed, then refreshes the bindings every
// interval until ctx is canceled. Refresh failures are logged and retried at
// the next tick.
func (m *Manager) Run(ctx context.Context, ready <-chan struct{}, interval time.Duration) error {
	if len(m.stores) == 0 {
		<-ctx.Done()
		return nil
	}
	if ready != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			m.logger("ERR Certificate refresh: %v", err)
		} else {
			m.logger("INF Loaded %d certificate bindings", m.Len())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// GetCertificate can be used in tls.Config. It never returns an error.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, _ := m.Resolve(hello.ServerName)
	return cert, nil
}

// Resolve returns the certificate to use for the server name, and how it was
// selected. An exact domain match wins. Otherwise a binding matches when name
// ends with "." + domain, and the default binding is preferred over the most
// specific one. If nothing matches, the default binding is used, then the
// fallback certificate.
func (m *Manager) Resolve(name string) (*tls.Certificate, Source) {
	name = normalize(name)
	if name == "" {
		return m.fallback, SourceFallback
	}
	s := m.snap.Load()
	if r, ok := s.cache.Get(name); ok {
		return r.cert, r.src
	}
	r := m.resolve(s, name)
	s.cache.Add(name, r)
	return r.cert, r.src
}

func (m *Manager) resolve(s *snapshot, name string) resolved {
	var exact, suffix *Binding
	for i := range s.bindings {
		b := &s.bindings[i]
		switch {
		case b.Domain == name:
			if exact == nil || (b.Default && !exact.Default) {
				exact = b
			}
		case strings.HasSuffix(name, "."+b.Domain):
			if suffix == nil || betterSuffix(b, suffix) {
				suffix = b
			}
		}
	}
	switch {
	case exact != nil:
		return resolved{exact.Certificate, SourceExact}
	case suffix != nil:
		return resolved{suffix.Certificate, SourceSuffix}
	case s.def != nil:
		return resolved{s.def.Certificate, SourceDefault}
	}
	return resolved{m.fallback, SourceFallback}
}

func betterSuffix(b, current *Binding) bool {
	if b.Default != current.Default {
		return b.Default
	}
	return len(b.Domain) > len(current.Domain)
}

func normalize(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if n, err := idna.Lookup.ToASCII(name); err == nil {
		name = n
	}
	return strings.ToLower(name)
}
