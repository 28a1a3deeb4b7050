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

// Package fromctx stores request-scoped values in a context.
package fromctx

import (
	"context"
	"sync"
)

type ctxKeyType uint8

var (
	trustKey     = ctxKeyType(1)
	forwardedKey = ctxKeyType(2)
)

type trustCache struct {
	once    sync.Once
	trusted bool
}

// WithTrustCache returns a context that memoises the trusted proxy decision.
func WithTrustCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, trustKey, &trustCache{})
}

// TrustedProxy returns the memoised trusted proxy decision. The first call
// computes it with f. Without a cache in ctx, f is called every time.
func TrustedProxy(ctx context.Context, f func() bool) bool {
	c, ok := ctx.Value(trustKey).(*trustCache)
	if !ok {
		return f()
	}
	c.once.Do(func() {
		c.trusted = f()
	})
	return c.trusted
}

// Forwarded is what the proxy derived about the client of a request.
type Forwarded struct {
	ClientIP string
	Host     string
	Scheme   string
	Trusted  bool
}

// WithForwarded returns a context with v. The handlers that derive the
// client identity fill it in for the outer handlers, e.g. for logging.
func WithForwarded(ctx context.Context, v *Forwarded) context.Context {
	return context.WithValue(ctx, forwardedKey, v)
}

// ForwardedInfo returns the value set with WithForwarded, or nil.
func ForwardedInfo(ctx context.Context) *Forwarded {
	if v, ok := ctx.Value(forwardedKey).(*Forwarded); ok {
		return v
	}
	return nil
}
