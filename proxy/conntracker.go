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
	"sync"

	"github.com/goauthentik/edge/proxy/internal/netw"
)

// connTracker keeps track of the open connections of one listener. The
// internal http.Server forgets hijacked connections, e.g. websockets, so a
// fast shutdown closes them from here.
type connTracker struct {
	mu     sync.Mutex
	conns  map[string]*netw.Conn
	closed bool
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]*netw.Conn)}
}

func (t *connTracker) slice() []*netw.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*netw.Conn, 0, len(t.conns))
	for _, v := range t.conns {
		out = append(out, v)
	}
	return out
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// add starts tracking c. It returns false if the tracker was already closed,
// in which case c should be closed by the caller.
func (t *connTracker) add(c *netw.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c.ID()] = c
	return true
}

func (t *connTracker) remove(c *netw.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c.ID())
}

// closeAll closes every tracked connection and refuses new ones.
func (t *connTracker) closeAll() {
	t.mu.Lock()
	t.closed = true
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
