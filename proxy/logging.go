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
	"log"
)

type logType int

const (
	logConnection logType = iota
	logRequest
	logError
)

func (p *Proxy) logFilter() LogFilter {
	if f := p.filter.Load(); f != nil {
		return *f
	}
	return LogFilter{}
}

func (p *Proxy) logConnF(format string, args ...any) {
	if !shouldLog(logConnection, p.logFilter()) {
		return
	}
	log.Printf(format, args...)
}

func (p *Proxy) logRequestF(format string, args ...any) {
	if !shouldLog(logRequest, p.logFilter()) {
		return
	}
	log.Printf(format, args...)
}

func (p *Proxy) logErrorF(format string, args ...any) {
	if !shouldLog(logError, p.logFilter()) {
		return
	}
	log.Printf(format, args...)
}

func shouldLog(typ logType, f ...LogFilter) bool {
	switch typ {
	case logConnection:
		for _, ff := range f {
			if ff.Connections != nil {
				return *ff.Connections
			}
		}
	case logRequest:
		for _, ff := range f {
			if ff.Requests != nil {
				return *ff.Requests
			}
		}
	case logError:
		for _, ff := range f {
			if ff.Errors != nil {
				return *ff.Errors
			}
		}
	}
	return true
}

// serverErrorLog returns a logger for http.Server that drops the TLS and
// EOF noise when errors aren't logged.
func (p *Proxy) serverErrorLog() *log.Logger {
	return log.New(logWriter(func(b []byte) {
		p.logErrorF("ERR http: %s", b)
	}), "", 0)
}

type logWriter func([]byte)

func (w logWriter) Write(b []byte) (int, error) {
	n := len(b)
	for n > 0 && b[n-1] == '\n' {
		n--
	}
	w(b[:n])
	return len(b), nil
}
