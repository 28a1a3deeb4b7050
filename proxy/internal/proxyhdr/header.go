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
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	"github.com/pires/go-proxyproto"
	"github.com/pires/go-proxyproto/tlvparse"
)

const readChunk = 256

// Header is a decoded PROXY protocol header. It is never modified after
// decoding.
type Header struct {
	Version     uint8
	Command     Command
	Transport   Transport
	Source      net.Addr
	Destination net.Addr
	// RawTLVs holds the v2 type-length-value extensions, undecoded.
	RawTLVs []byte
}

// Local returns true when the header doesn't carry the address of a proxied
// client, e.g. a load balancer health check.
func (h *Header) Local() bool {
	return h == nil || h.Command == CommandLocal
}

// SourceAddr returns the original client address, or nil if the header
// doesn't have one.
func (h *Header) SourceAddr() net.Addr {
	if h.Local() {
		return nil
	}
	return h.Source
}

// TLVs decodes the v2 extensions.
func (h *Header) TLVs() ([]proxyproto.TLV, error) {
	if h == nil || len(h.RawTLVs) == 0 {
		return nil, nil
	}
	return proxyproto.SplitTLVs(h.RawTLVs)
}

// SSL returns true if the header has a PP2_TYPE_SSL extension indicating
// that the client connected to the proxy with SSL/TLS. As with HAProxy, the
// extension must carry the SSL_VERSION sub-extension.
func (h *Header) SSL() bool {
	tlvs, err := h.TLVs()
	if err != nil {
		return false
	}
	ssl, ok := tlvparse.FindSSL(tlvs)
	return ok && ssl.ClientSSL()
}

func (h *Header) String() string {
	if h == nil {
		return "<none>"
	}
	if h.Local() {
		return fmt.Sprintf("v%d LOCAL", h.Version)
	}
	if h.Source == nil {
		return fmt.Sprintf("v%d %s", h.Version, h.Transport)
	}
	return fmt.Sprintf("v%d %s %s ➔ %s", h.Version, h.Transport, h.Source, h.Destination)
}

// Read reads from r until a header is decoded or the data is known not to be
// a header. It returns the header and the bytes that were read past the end
// of the header. When the data isn't a header, it returns a nil header, all
// the bytes read so far, and the structural error. Read errors are returned
// with the bytes read before the error.
func Read(r io.Reader) (*Header, []byte, error) {
	buf := make([]byte, 0, readChunk)
	var readErr error
	for {
		h, n, err := Parse(buf)
		if err == nil {
			return h, buf[n:], nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return nil, buf, err
		}
		if readErr != nil {
			return nil, buf, readErr
		}
		if len(buf) == cap(buf) {
			buf = slices.Grow(buf, readChunk)
		}
		var m int
		m, readErr = r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+m]
	}
}
