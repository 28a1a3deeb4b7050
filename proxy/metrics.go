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
	"bytes"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "authentik_edge"

type metrics struct {
	registry *prometheus.Registry

	connections   *prometheus.CounterVec
	proxyProtocol *prometheus.CounterVec
	certSources   *prometheus.CounterVec
	responses     *prometheus.CounterVec
	backendReady  prometheus.GaugeFunc
	openConns     prometheus.GaugeFunc
}

func newMetrics(p *Proxy) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Accepted connections by listener.",
		}, []string{"listener"}),
		proxyProtocol: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "proxy_protocol_total",
			Help:      "PROXY protocol decoding outcomes.",
		}, []string{"result"}),
		certSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "certificate_selections_total",
			Help:      "Server certificate selections by match type.",
		}, []string{"source"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_total",
			Help:      "Responses sent to clients by status code.",
		}, []string{"code"}),
		backendReady: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backend_ready",
			Help:      "Whether the backend is ready to serve requests.",
		}, func() float64 {
			if p.backend.Ready() {
				return 1
			}
			return 0
		}),
		openConns: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "open_connections",
			Help:      "Currently open client connections.",
		}, func() float64 {
			return float64(p.numConns())
		}),
	}
	m.registry.MustRegister(
		m.connections,
		m.proxyProtocol,
		m.certSources,
		m.responses,
		m.backendReady,
		m.openConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (p *Proxy) recordEvent(msg string) {
	p.eventsmu.Lock()
	defer p.eventsmu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int64)
	}
	p.events[msg]++
}

func (p *Proxy) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{
		ErrorLog: p.serverErrorLog(),
	}))
	mux.HandleFunc("/events", p.eventsHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		http.Redirect(w, req, "/metrics", http.StatusFound)
	})
	return mux
}

func (p *Proxy) eventsHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	req.ParseForm()
	if v := req.Form.Get("refresh"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			w.Header().Set("refresh", strconv.Itoa(i))
		}
	}

	var buf bytes.Buffer
	defer buf.WriteTo(w)

	fmt.Fprintln(&buf, "Event counts:")
	fmt.Fprintln(&buf)
	p.eventsmu.Lock()
	events := make([]string, 0, len(p.events))
	max := 0
	for k := range p.events {
		if len(k) > max {
			max = len(k)
		}
		events = append(events, k)
	}
	sort.Strings(events)
	for _, e := range events {
		fmt.Fprintf(&buf, "  %*s %6d\n", -(max + 1), e+":", p.events[e])
	}
	p.eventsmu.Unlock()

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Current connections:")
	fmt.Fprintln(&buf)
	conns := p.allConns()
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Accepted().Before(conns[j].Accepted())
	})
	for _, c := range conns {
		totalTime := time.Since(c.Accepted()).Truncate(time.Millisecond)
		fmt.Fprintf(&buf, "  %s; Dur:%s Recv:%d Sent:%d\n", formatConnDesc(c),
			totalTime, c.BytesReceived(), c.BytesSent())
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Runtime:")
	fmt.Fprintln(&buf)
	fmt.Fprintf(&buf, "  Uptime:       %12s\n", time.Since(p.startTime).Truncate(time.Second))
	fmt.Fprintf(&buf, "  Backend:      %12s\n", readyString(p.backend.Ready()))
	fmt.Fprintf(&buf, "  Brands:       %12d\n", p.certs.Len())
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	fmt.Fprintf(&buf, "  NumCPU:       %12d\n", runtime.NumCPU())
	fmt.Fprintf(&buf, "  NumGoroutine: %12d\n", runtime.NumGoroutine())
	fmt.Fprintf(&buf, "  HeapAlloc:    %12d\n", memStats.HeapAlloc)
	fmt.Fprintf(&buf, "  NumGC:        %12d\n", memStats.NumGC)
}

func readyString(b bool) string {
	if b {
		return "ready"
	}
	return "starting"
}
