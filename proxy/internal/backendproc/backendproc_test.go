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

package backendproc

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goauthentik/edge/arbiter"
)

func newProcess(t *testing.T, socket string, command ...string) *Process {
	t.Helper()
	p := New(Options{
		Command:          command,
		Socket:           socket,
		ProbeInterval:    20 * time.Millisecond,
		LivenessInterval: 50 * time.Millisecond,
		Stdout:           io.Discard,
		Stderr:           io.Discard,
		Logger:           t.Logf,
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.FastShutdown() })
	return p
}

func watch(p *Process, a *arbiter.Arbiter) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- p.Watch(a.Context(), a)
	}()
	return ch
}

func waitReady(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.ReadyChan():
	case <-time.After(5 * time.Second):
		t.Fatal("process not ready")
	}
	if !p.Ready() {
		t.Error("Ready() = false")
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Watch didn't return")
	}
	return nil
}

func TestProbeMarksReady(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "core.sock")
	p := newProcess(t, socket, "sleep", "30")
	a := arbiter.New(time.Second)
	ch := watch(p, a)

	if p.Probe(context.Background()) {
		t.Fatal("Probe() = true without a listener")
	}
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer l.Close()

	waitReady(t, p)
	if !p.IsAlive() {
		t.Error("IsAlive() = false")
	}
	a.TriggerGraceful()
	if err := waitResult(t, ch); err != nil {
		t.Errorf("Watch() = %v", err)
	}
	if p.IsAlive() {
		t.Error("IsAlive() = true after shutdown")
	}
}

func TestSignalMarksReady(t *testing.T) {
	p := newProcess(t, filepath.Join(t.TempDir(), "none.sock"), "sleep", "30")
	a := arbiter.New(time.Second)
	ch := watch(p, a)

	// Wait for Watch to subscribe.
	deadline := time.Now().Add(5 * time.Second)
	for !p.Ready() && time.Now().Before(deadline) {
		a.HandleSignal(unix.SIGUSR1)
		time.Sleep(10 * time.Millisecond)
	}
	waitReady(t, p)

	a.TriggerFast()
	if err := waitResult(t, ch); err != nil {
		t.Errorf("Watch() = %v", err)
	}
	if p.IsAlive() {
		t.Error("IsAlive() = true after shutdown")
	}
}

func TestExited(t *testing.T) {
	p := newProcess(t, filepath.Join(t.TempDir(), "none.sock"), "true")
	a := arbiter.New(time.Second)
	if err := waitResult(t, watch(p, a)); !errors.Is(err, ErrExited) {
		t.Errorf("Watch() = %v, want ErrExited", err)
	}
}

func TestGracefulEscalation(t *testing.T) {
	// SIGTERM is ignored, which is inherited by sleep.
	p := newProcess(t, filepath.Join(t.TempDir(), "none.sock"), "sh", "-c", `trap "" TERM; exec sleep 30`)
	time.Sleep(200 * time.Millisecond)
	a := arbiter.New(time.Second)
	ch := watch(p, a)

	a.TriggerGraceful()
	time.Sleep(200 * time.Millisecond)
	if !p.IsAlive() {
		t.Fatal("process exited on SIGTERM")
	}
	select {
	case err := <-ch:
		t.Fatalf("Watch returned early: %v", err)
	default:
	}
	a.TriggerFast()
	if err := waitResult(t, ch); err != nil {
		t.Errorf("Watch() = %v", err)
	}
	if p.IsAlive() {
		t.Error("IsAlive() = true after fast shutdown")
	}
}

func TestNotStarted(t *testing.T) {
	p := New(Options{})
	if p.IsAlive() {
		t.Error("IsAlive() = true")
	}
	if err := p.GracefulShutdown(); err != nil {
		t.Errorf("GracefulShutdown() = %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("Start() with an empty command didn't fail")
	}
	p.MarkReady()
	p.MarkReady()
	waitReady(t, p)
}
