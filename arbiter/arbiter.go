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

// Package arbiter coordinates the shutdown of a process made of many
// concurrent tasks.
//
// There are two shutdown severities. A graceful shutdown lets listeners drain
// in-flight work within a grace period. A fast shutdown stops everything
// immediately. Either one also fires the "any" signal.
package arbiter

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Handle is a running listener that the Arbiter tells to stop. Handles may be
// told to stop more than once.
type Handle interface {
	// GracefulShutdown stops accepting new connections and lets existing
	// ones finish for up to grace. It must not block.
	GracefulShutdown(grace time.Duration)
	// Shutdown closes the listener and all its connections. It must not
	// block.
	Shutdown()
}

// Arbiter owns the shutdown state of the process.
type Arbiter struct {
	grace time.Duration

	fast     *event
	graceful *event
	any      *event
	ctx      context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	handles     []Handle
	subscribers map[chan os.Signal]struct{}
}

// New returns a new Arbiter. The grace period is passed to the listener
// handles on graceful shutdown.
func New(grace time.Duration) *Arbiter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Arbiter{
		grace:       grace,
		fast:        newEvent(),
		graceful:    newEvent(),
		any:         newEvent(),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[chan os.Signal]struct{}),
	}
}

// Fast returns a channel that is closed when a fast shutdown is triggered.
func (a *Arbiter) Fast() <-chan struct{} {
	return a.fast.ch
}

// Graceful returns a channel that is closed when a graceful shutdown is
// triggered.
func (a *Arbiter) Graceful() <-chan struct{} {
	return a.graceful.ch
}

// Done returns a channel that is closed when any shutdown is triggered, after
// the listener handles have been told to stop.
func (a *Arbiter) Done() <-chan struct{} {
	return a.any.ch
}

// IsFast returns true if a fast shutdown was triggered.
func (a *Arbiter) IsFast() bool {
	return a.fast.fired()
}

// IsGraceful returns true if a graceful shutdown was triggered.
func (a *Arbiter) IsGraceful() bool {
	return a.graceful.fired()
}

// IsShutdown returns true if any shutdown was triggered.
func (a *Arbiter) IsShutdown() bool {
	return a.any.fired()
}

// Context returns a context that is canceled when any shutdown is triggered.
func (a *Arbiter) Context() context.Context {
	return a.ctx
}

// TriggerFast fires the fast shutdown signal and tells all the listener
// handles to stop now. Calling it more than once has no effect.
func (a *Arbiter) TriggerFast() {
	if !a.fast.fire() {
		return
	}
	log.Print("INF Fast shutdown triggered")
	for _, h := range a.snapshotHandles() {
		h.Shutdown()
	}
	a.fireAny()
}

// TriggerGraceful fires the graceful shutdown signal and tells all the
// listener handles to drain. Calling it more than once has no effect.
func (a *Arbiter) TriggerGraceful() {
	if !a.graceful.fire() {
		return
	}
	log.Printf("INF Graceful shutdown triggered, grace period %s", a.grace)
	for _, h := range a.snapshotHandles() {
		h.GracefulShutdown(a.grace)
	}
	a.fireAny()
}

func (a *Arbiter) fireAny() {
	if a.any.fire() {
		a.cancel()
	}
}

// Register adds a listener handle. A handle registered after a shutdown was
// triggered is told to stop right away.
func (a *Arbiter) Register(h Handle) {
	a.mu.Lock()
	a.handles = append(a.handles, h)
	a.mu.Unlock()

	switch {
	case a.IsFast():
		h.Shutdown()
	case a.IsGraceful():
		h.GracefulShutdown(a.grace)
	}
}

func (a *Arbiter) snapshotHandles() []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Handle(nil), a.handles...)
}

type event struct {
	once sync.Once
	ch   chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

// fire closes the channel. It returns true only for the first call.
func (e *event) fire() bool {
	var first bool
	e.once.Do(func() {
		close(e.ch)
		first = true
	})
	return first
}

func (e *event) fired() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
