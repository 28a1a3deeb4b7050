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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goauthentik/edge/arbiter"
	"github.com/goauthentik/edge/internal/testca"
)

type testEdge struct {
	p     *Proxy
	a     *arbiter.Arbiter
	errCh chan []error
}

// startTestEdge starts a proxy with all its tasks on ephemeral ports.
func startTestEdge(t *testing.T, cfg *Config, be Backend) *testEdge {
	t.Helper()
	cfg.Listen.HTTP = []string{"127.0.0.1:0"}
	cfg.Listen.HTTPS = []string{"127.0.0.1:0"}
	cfg.Listen.Metrics = []string{"127.0.0.1:0"}

	a := arbiter.New(2 * time.Second)
	p, err := New(cfg, a, be)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tasks := arbiter.NewTasks(a)
	p.Start(tasks, "")
	e := &testEdge{p: p, a: a, errCh: make(chan []error, 1)}
	go func() {
		e.errCh <- tasks.Run()
	}()
	t.Cleanup(func() {
		a.TriggerFast()
		e.wait(t)
		p.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for _, name := range []string{"http", "https", "metrics"} {
		for len(p.ListenAddrs(name)) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("%s listener didn't start", name)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return e
}

func (e *testEdge) addr(name string) string {
	return e.p.ListenAddrs(name)[0].String()
}

func (e *testEdge) wait(t *testing.T) []error {
	t.Helper()
	select {
	case errs := <-e.errCh:
		e.errCh <- errs
		return errs
	case <-time.After(10 * time.Second):
		t.Fatal("tasks didn't exit")
	}
	return nil
}

func decodeHeaders(t *testing.T, r io.Reader) http.Header {
	t.Helper()
	var h http.Header
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return h
}

func TestProxyEndToEnd(t *testing.T) {
	ca, err := testca.New("root-ca.example", t.Logf)
	if err != nil {
		t.Fatalf("testca.New: %v", err)
	}
	certPEM, keyPEM, err := ca.KeyPairPEM("tenant-a.example")
	if err != nil {
		t.Fatalf("KeyPairPEM: %v", err)
	}
	clientCert, err := ca.ClientCert("bob")
	if err != nil {
		t.Fatalf("ClientCert: %v", err)
	}

	be := newFakeBackend(t)
	be.serve(t, http.HandlerFunc(echoHeaders))
	be.markReady()

	e := startTestEdge(t, &Config{
		Listen: Listen{
			TrustedProxyCIDRs: []string{"127.0.0.1"},
		},
		Brands: Brands{
			Static: []*StaticBrand{{
				Domain:      "tenant-a.example",
				Certificate: string(certPEM),
				Key:         string(keyPEM),
			}},
		},
	}, be)

	t.Run("proxy protocol", func(t *testing.T) {
		conn, err := net.Dial("tcp", e.addr("http"))
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		io.WriteString(conn, "PROXY TCP4 198.51.100.9 203.0.113.1 5555 80\r\n"+
			"GET /echo HTTP/1.1\r\nHost: brand.example\r\nConnection: close\r\n\r\n")
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		defer resp.Body.Close()
		if got, want := resp.StatusCode, http.StatusOK; got != want {
			t.Fatalf("StatusCode = %d, want %d", got, want)
		}
		h := decodeHeaders(t, resp.Body)
		if got, want := h.Get("X-Forwarded-For"), "198.51.100.9"; got != want {
			t.Errorf("X-Forwarded-For = %q, want %q", got, want)
		}
		if got, want := h.Get("X-Forwarded-Proto"), "http"; got != want {
			t.Errorf("X-Forwarded-Proto = %q, want %q", got, want)
		}
		if got, want := h.Get("Host"), "brand.example"; got != want {
			t.Errorf("Host = %q, want %q", got, want)
		}
	})

	t.Run("plain http without header", func(t *testing.T) {
		resp, err := http.Get("http://" + e.addr("http") + "/echo")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		defer resp.Body.Close()
		h := decodeHeaders(t, resp.Body)
		if got, want := h.Get("X-Forwarded-For"), "127.0.0.1"; got != want {
			t.Errorf("X-Forwarded-For = %q, want %q", got, want)
		}
	})

	t.Run("tls with client cert", func(t *testing.T) {
		client := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:      ca.RootCACertPool(),
					ServerName:   "tenant-a.example",
					Certificates: []tls.Certificate{*clientCert},
				},
			},
			Timeout: 5 * time.Second,
		}
		defer client.CloseIdleConnections()
		req, err := http.NewRequest(http.MethodGet, "https://"+e.addr("https")+"/echo", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Forwarded", "for=192.0.2.1;proto=http")
		req.Header.Set("X-Real-IP", "192.0.2.2")
		req.Header.Set("X-Forwarded-Client-Cert", "Cert=forged")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		defer resp.Body.Close()
		if got, want := resp.TLS.PeerCertificates[0].Subject.CommonName, "tenant-a.example"; got != want {
			t.Errorf("server cert = %q, want %q", got, want)
		}
		h := decodeHeaders(t, resp.Body)
		for _, hc := range []struct{ name, want string }{
			// Forwarded: proto=http from a trusted peer wins over the
			// connection state, but the header itself isn't forwarded.
			{"X-Forwarded-Proto", "http"},
			{"X-Forwarded-For", "192.0.2.2"},
			{"Forwarded", ""},
			{"X-Real-Ip", ""},
		} {
			if got := h.Get(hc.name); got != hc.want {
				t.Errorf("%s = %q, want %q", hc.name, got, hc.want)
			}
		}
		chains := decodeXFCCCerts(h.Get(xFCCHeader))
		if len(chains) != 1 {
			t.Fatalf("XFCC = %q", h.Get(xFCCHeader))
		}
		block, _ := pem.Decode([]byte(chains[0]))
		if block == nil {
			t.Fatalf("XFCC cert isn't PEM: %q", chains[0])
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			t.Fatalf("ParseCertificate: %v", err)
		}
		if got, want := cert.Subject.CommonName, "bob"; got != want {
			t.Errorf("XFCC CN = %q, want %q", got, want)
		}
	})

	t.Run("tls scheme", func(t *testing.T) {
		client := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:    ca.RootCACertPool(),
					ServerName: "tenant-a.example",
				},
			},
			Timeout: 5 * time.Second,
		}
		defer client.CloseIdleConnections()
		resp, err := client.Get("https://" + e.addr("https") + "/echo")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		defer resp.Body.Close()
		h := decodeHeaders(t, resp.Body)
		if got, want := h.Get("X-Forwarded-Proto"), "https"; got != want {
			t.Errorf("X-Forwarded-Proto = %q, want %q", got, want)
		}
		if got := h.Get(xFCCHeader); got != "" {
			t.Errorf("XFCC = %q, want none", got)
		}
	})

	t.Run("fallback certificate", func(t *testing.T) {
		for _, sni := range []string{"unknown.example", ""} {
			conn, err := tls.Dial("tcp", e.addr("https"), &tls.Config{
				ServerName:         sni,
				InsecureSkipVerify: true,
			})
			if err != nil {
				t.Fatalf("tls.Dial(%q): %v", sni, err)
			}
			got := conn.ConnectionState().PeerCertificates[0].Raw
			conn.Close()
			if want := e.p.CertManager().Fallback().Certificate[0]; !bytes.Equal(got, want) {
				t.Errorf("[%q] didn't get the fallback certificate", sni)
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get("http://" + e.addr("metrics") + "/metrics")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		for _, want := range []string{
			`authentik_edge_connections_total{listener="http"}`,
			`authentik_edge_proxy_protocol_total{result="v1"} 1`,
			`authentik_edge_certificate_selections_total{source="exact"}`,
			`authentik_edge_certificate_selections_total{source="fallback"}`,
			`authentik_edge_backend_ready 1`,
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("metrics missing %q", want)
			}
		}
	})
}

func TestProxyInvalidProxyHeader(t *testing.T) {
	be := newFakeBackend(t)
	be.serve(t, http.HandlerFunc(echoHeaders))
	be.markReady()
	e := startTestEdge(t, &Config{}, be)

	conn, err := net.Dial("tcp", e.addr("http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	// A bad header isn't fatal. The bytes are handled as HTTP, which
	// fails to parse.
	io.WriteString(conn, "PROXY TCP4 nope\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusBadRequest; got != want {
		t.Errorf("StatusCode = %d, want %d", got, want)
	}
}

func TestProxyGracefulShutdown(t *testing.T) {
	be := newFakeBackend(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	be.serve(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		once.Do(func() { close(started) })
		<-release
		io.WriteString(w, "done")
	}))
	be.markReady()
	e := startTestEdge(t, &Config{}, be)
	addr := e.addr("http")

	type result struct {
		body string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + addr + "/slow")
		if err != nil {
			ch <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		ch <- result{string(b), err}
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request didn't reach the backend")
	}

	e.a.TriggerGraceful()
	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Error("new connection accepted after graceful shutdown")
	}
	close(release)

	select {
	case r := <-ch:
		if r.err != nil || r.body != "done" {
			t.Errorf("in-flight request = %q, %v", r.body, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request didn't complete")
	}
	if errs := e.wait(t); len(errs) != 0 {
		t.Errorf("tasks.Run() = %v", errs)
	}
	if e.a.IsFast() {
		t.Error("fast shutdown was triggered")
	}
}

func TestProxyGracefulShutdownWebSocket(t *testing.T) {
	be := newFakeBackend(t)
	var upgrader websocket.Upgrader
	be.serve(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	be.markReady()
	e := startTestEdge(t, &Config{}, be)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+e.addr("http")+"/ws/client/", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	e.a.TriggerGraceful()
	time.Sleep(200 * time.Millisecond)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("still here")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, msg, err := conn.ReadMessage(); err != nil || string(msg) != "still here" {
		t.Fatalf("ReadMessage() = %q, %v during the grace period", msg, err)
	}

	// The relay is cut when the grace period ends.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("ReadMessage() succeeded after the grace period")
	}
	if d := time.Since(start); d < time.Second {
		t.Errorf("websocket closed %s after graceful shutdown, want ~2s", d)
	}
	if errs := e.wait(t); len(errs) != 0 {
		t.Errorf("tasks.Run() = %v", errs)
	}
	if e.a.IsFast() {
		t.Error("fast shutdown was triggered")
	}
}

func TestProxyBindError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	be := newFakeBackend(t)
	a := arbiter.New(time.Second)
	p, err := New(&Config{
		Listen: Listen{
			HTTP:    []string{l.Addr().String()},
			HTTPS:   []string{"127.0.0.1:0"},
			Metrics: []string{"127.0.0.1:0"},
		},
	}, a, be)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	tasks := arbiter.NewTasks(a)
	p.Start(tasks, "")
	errs := tasks.Run()
	if len(errs) == 0 || !strings.HasPrefix(errs[0].Error(), "http "+l.Addr().String()+": ") {
		t.Errorf("tasks.Run() = %v, want bind error", errs)
	}
	if !a.IsFast() {
		t.Error("fast shutdown wasn't triggered")
	}
}
