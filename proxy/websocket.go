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
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"

	"github.com/goauthentik/edge/proxy/internal/netw"
)

const wsControlTimeout = 5 * time.Second

// wsHandshakeHeaders are set by the websocket client. Sending them twice is
// an error.
var wsHandshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

func newWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
		// Origin checks are the backend's business. Requests are
		// forwarded with their Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

func isWebSocketUpgrade(req *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(req.Header["Upgrade"], "websocket")
}

// webSocketHandler completes the client handshake, then relays messages
// between the client and the backend in the background.
func (p *Proxy) webSocketHandler(w http.ResponseWriter, req *http.Request) {
	if !p.backend.Ready() {
		p.recordEvent("backend not ready")
		serveStartup(w, req)
		return
	}

	// The forwarding headers are derived before the hijack, while the
	// request is still live.
	out := req.Clone(req.Context())
	p.rewriteRequest(req, out)
	header := out.Header.Clone()
	for _, h := range wsHandshakeHeaders {
		header.Del(h)
	}
	header.Set("Host", out.Host)
	target := "ws://" + backendHost + req.URL.RequestURI()

	var respHeader http.Header
	var subprotocol string
	if protos := websocket.Subprotocols(req); len(protos) > 0 {
		subprotocol = protos[0]
		respHeader = http.Header{"Sec-Websocket-Protocol": []string{subprotocol}}
	}
	in, err := p.wsUpgrader.Upgrade(w, req, respHeader)
	if err != nil {
		// The upgrader already replied with an error status.
		p.recordEvent("websocket bad handshake")
		p.logErrorF("BAD %s ➔ %s %s: %v", formatReqDesc(req), req.Method, req.URL.RequestURI(), err)
		return
	}
	p.recordEvent("websocket")
	if c := reqConn(req); c != nil {
		c.SetAnnotation(upgradeKey, "websocket")
	}
	desc := formatReqDesc(req)
	p.logRequestF("REQ %s ➔ %s %s websocket (%q)", desc, req.Method, req.URL.RequestURI(), userAgent(req))
	go p.relayWebSocket(listenerContext(req), in, target, header, subprotocol, desc)
}

func (p *Proxy) relayWebSocket(ctx context.Context, in *websocket.Conn, target string, header http.Header, subprotocol, desc string) {
	defer in.Close()
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", p.backend.Socket())
		},
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}
	out, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		p.recordEvent("websocket backend error")
		p.logErrorF("ERR %s ➔ websocket backend (status:%d): %v", desc, status, unwrapErr(err))
		in.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unavailable"),
			time.Now().Add(wsControlTimeout))
		return
	}
	defer out.Close()

	errc := make(chan error, 2)
	go func() { errc <- pumpWebSocket(out, in) }()
	go func() { errc <- pumpWebSocket(in, out) }()
	var firstErr error
	select {
	case firstErr = <-errc:
	case <-ctx.Done():
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		in.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlTimeout))
		out.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlTimeout))
	}
	in.Close()
	out.Close()
	if firstErr != nil && !isWebSocketClosure(firstErr) {
		p.logErrorF("ERR %s ➔ websocket: %v", desc, unwrapErr(firstErr))
	}
	if c := netw.Find(in.NetConn()); c != nil {
		p.logConnF("END %s websocket; Recv:%d Sent:%d", desc, c.BytesReceived(), c.BytesSent())
	}
}

// pumpWebSocket copies messages from src to dst, preserving their type, until
// src fails or is closed. A close frame received from src is sent to dst.
func pumpWebSocket(dst, src *websocket.Conn) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text),
					time.Now().Add(wsControlTimeout))
			}
			return err
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
}

func isWebSocketClosure(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
