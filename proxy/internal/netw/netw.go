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

// Package netw is a wrapper around network connections that stores annotations
// and counts bytes.
package netw

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Listen creates a net listener that is instrumented to store per connection
// annotations and byte counts. When acceptRate is positive, new connections
// are accepted at most acceptRate times per second.
func Listen(network, laddr string, acceptRate float64) (*Listener, error) {
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return NewListener(l, acceptRate), nil
}

// NewListener wraps an existing listener.
func NewListener(l net.Listener, acceptRate float64) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	nl := &Listener{
		Listener: l,
		ctx:      ctx,
		cancel:   cancel,
	}
	if acceptRate > 0 {
		nl.limiter = rate.NewLimiter(rate.Limit(acceptRate), max(1, int(acceptRate)))
	}
	return nl
}

// Listener is a net.Listener that returns *Conn.
type Listener struct {
	net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

// Accept returns the next connection to the listener.
func (l *Listener) Accept() (net.Conn, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(l.ctx); err != nil {
			return nil, net.ErrClosed
		}
	}
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(c), nil
}

// Close closes the listener and unblocks a rate limited Accept.
func (l *Listener) Close() error {
	l.cancel()
	return l.Listener.Close()
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		Conn:     c,
		id:       uuid.NewString(),
		accepted: time.Now(),
	}
}

// NewConnForTest wraps c.
func NewConnForTest(c net.Conn) *Conn {
	return newConn(c)
}

// Conn is a wrapper around net.Conn that stores annotations and byte counts.
type Conn struct {
	net.Conn

	id            string
	accepted      time.Time
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	mu          sync.Mutex
	onClose     func()
	annotations map[string]any
}

// Find returns the *Conn that c wraps, directly or via layers that implement
// NetConn(), e.g. *tls.Conn. It returns nil if there is none.
func Find(c net.Conn) *Conn {
	for c != nil {
		switch cc := c.(type) {
		case *Conn:
			return cc
		case interface{ NetConn() net.Conn }:
			c = cc.NetConn()
		default:
			return nil
		}
	}
	return nil
}

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string {
	return c.id
}

// Accepted returns the time when the connection was accepted.
func (c *Conn) Accepted() time.Time {
	return c.accepted
}

// SetAnnotation sets an annotation. The value can be any go value.
func (c *Conn) SetAnnotation(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.annotations == nil {
		c.annotations = make(map[string]any)
	}
	c.annotations[key] = value
}

// SetAnnotation sets an annotation on a connection, or the connection it
// wraps. It is a no-op if conn isn't instrumented.
func SetAnnotation(conn net.Conn, key string, value any) {
	if c := Find(conn); c != nil {
		c.SetAnnotation(key, value)
	}
}

// Annotation retrieves an annotation that was previously set on the connection.
// The defaultValue is returned if the annotation was never set.
func (c *Conn) Annotation(key string, defaultValue any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.annotations[key]; ok {
		return v
	}
	return defaultValue
}

// BytesSent returns the number of bytes sent on this connection so far.
func (c *Conn) BytesSent() int64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes received on this connection so far.
func (c *Conn) BytesReceived() int64 {
	return c.bytesReceived.Load()
}

// OnClose sets a callback function that will be called when the connection
// is closed.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesReceived.Add(int64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesSent.Add(int64(n))
	return n, err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	f := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if f != nil {
		f()
	}
	return c.Conn.Close()
}
