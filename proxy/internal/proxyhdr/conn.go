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

package proxyhdr

import (
	"io"
	"net"
	"sync"
	"time"
)

// Conn is a net.Conn that decodes a PROXY protocol header from the start of
// the stream. Bytes read past the header, or all the bytes read when there is
// no header, are returned by Read before any new data from the underlying
// connection.
//
// RemoteAddr and LocalAddr are not modified. The decoded addresses are only
// available via Header so that the caller decides whether to trust them.
type Conn struct {
	net.Conn

	timeout time.Duration
	once    sync.Once
	header  *Header
	err     error

	mu  sync.Mutex
	buf []byte
}

// NewConn returns a Conn that decodes the header on first use. The timeout
// bounds how long decoding waits for the header bytes. Zero means no limit.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		Conn:    c,
		timeout: timeout,
	}
}

// Decode reads the header if that hasn't happened yet. It returns the header,
// or nil if the stream doesn't start with one. The error explains why there
// is no header. It is informational: the connection remains usable.
func (c *Conn) Decode() (*Header, error) {
	c.once.Do(func() {
		if c.timeout > 0 {
			c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
			defer c.Conn.SetReadDeadline(time.Time{})
		}
		h, rest, err := Read(c.Conn)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.header = h
		c.err = err
		c.buf = rest
	})
	return c.header, c.err
}

// Header returns the decoded header, or nil.
func (c *Conn) Header() *Header {
	h, _ := c.Decode()
	return h
}

// Peek fills b with the next bytes of the stream without consuming them. It
// must not be called concurrently with Read.
func (c *Conn) Peek(b []byte) (int, error) {
	c.Decode()
	c.mu.Lock()
	missing := len(b) - len(c.buf)
	c.mu.Unlock()
	if missing > 0 {
		bb := make([]byte, missing)
		n, _ := io.ReadFull(c.Conn, bb)
		c.mu.Lock()
		c.buf = append(c.buf, bb[:n]...)
		c.mu.Unlock()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(b, c.buf)
	if n < len(b) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	c.Decode()
	c.mu.Lock()
	if len(c.buf) > 0 {
		n := copy(b, c.buf)
		c.buf = c.buf[n:]
		if len(c.buf) == 0 {
			c.buf = nil
		}
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	return c.Conn.Read(b)
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}
