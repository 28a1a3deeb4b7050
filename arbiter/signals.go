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

package arbiter

import (
	"context"
	"log"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

const subscriberBuffer = 16

// SubscribeSignals returns a channel that receives the re-broadcast OS
// signals, i.e. the ones that don't trigger a shutdown. A subscriber that
// doesn't keep up misses signals. The returned function unsubscribes.
func (a *Arbiter) SubscribeSignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, subscriberBuffer)
	a.mu.Lock()
	a.subscribers[ch] = struct{}{}
	a.mu.Unlock()
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscribers, ch)
	}
}

func (a *Arbiter) broadcast(sig os.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.subscribers {
		select {
		case ch <- sig:
		default:
			log.Printf("WRN Signal %s dropped for a slow subscriber", sig)
		}
	}
}

// HandleSignal applies the shutdown policy to one signal: SIGTERM triggers a
// graceful shutdown, SIGINT and SIGQUIT a fast shutdown. Other signals are
// re-broadcast to the subscribers.
func (a *Arbiter) HandleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGTERM:
		a.TriggerGraceful()
	case unix.SIGINT, unix.SIGQUIT:
		a.TriggerFast()
	default:
		a.broadcast(sig)
	}
}

// WatchSignals owns the OS signal subscriptions until a fast shutdown is
// triggered or ctx is canceled. A second signal received during a graceful
// shutdown can still escalate it.
func (a *Arbiter) WatchSignals(ctx context.Context) error {
	ch := make(chan os.Signal, subscriberBuffer)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.Fast():
			return nil
		case sig := <-ch:
			log.Printf("INF Received signal %d (%s)", sig, sig)
			a.HandleSignal(sig)
		}
	}
}
