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

package fromctx

import (
	"context"
	"testing"
)

func TestTrustedProxy(t *testing.T) {
	var calls int
	answer := true
	f := func() bool {
		calls++
		return answer
	}

	ctx := WithTrustCache(context.Background())
	if !TrustedProxy(ctx, f) {
		t.Error("TrustedProxy() = false")
	}
	answer = false
	if !TrustedProxy(ctx, f) {
		t.Error("TrustedProxy() changed after the first call")
	}
	if got, want := calls, 1; got != want {
		t.Errorf("calls = %d, want %d", got, want)
	}

	if TrustedProxy(context.Background(), f) {
		t.Error("TrustedProxy() without cache = true")
	}
	if got, want := calls, 2; got != want {
		t.Errorf("calls = %d, want %d", got, want)
	}
}

func TestForwarded(t *testing.T) {
	if v := ForwardedInfo(context.Background()); v != nil {
		t.Errorf("ForwardedInfo() = %v, want nil", v)
	}
	v := &Forwarded{}
	ctx := WithForwarded(context.Background(), v)
	ForwardedInfo(ctx).ClientIP = "192.0.2.1"
	if got, want := v.ClientIP, "192.0.2.1"; got != want {
		t.Errorf("ClientIP = %q, want %q", got, want)
	}
}
