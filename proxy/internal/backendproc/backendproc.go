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

// Package backendproc supervises the backend application process.
//
// The process is considered ready when it sends SIGUSR1 to its parent, or when
// its Unix socket accepts connections. Both paths are kept because signal
// delivery isn't reliable on every platform.
package backendproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goauthentik/edge/arbiter"
)

// ErrExited is returned by Watch when the process exited on its own.
var ErrExited = errors.New("backend process has exited unexpectedly")

// Options configures a Process.
type Options struct {
	// Command is the program and its arguments.
	Command []string
	// Socket is the path of the Unix socket that the process listens on.
	Socket string
	// ProbeInterval is how often the socket is probed until the process is
	// ready.
	ProbeInterval time.Duration
	// LivenessInterval is how often the process is checked for liveness.
	LivenessInterval time.Duration
	// Env is added to the current environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
	Logger func(string, ...any)
}

// Process is a supervised backend process.
type Process struct {
	opts Options

	ready     atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// New returns a new Process. It isn't started.
func New(opts Options) *Process {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = 15 * time.Second
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = log.Printf
	}
	return &Process{
		opts:    opts,
		readyCh: make(chan struct{}),
	}
}

// Socket returns the path of the backend's Unix socket.
func (p *Process) Socket() string {
	return p.opts.Socket
}

// Start starts the process.
func (p *Process) Start() error {
	if len(p.opts.Command) == 0 {
		return errors.New("backend command is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("backend process already started")
	}
	cmd := exec.Command(p.opts.Command[0], p.opts.Command[1:]...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Stdout = p.opts.Stdout
	cmd.Stderr = p.opts.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.opts.Logger("INF Backend process started, pid %d", cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
		p.opts.Logger("INF Backend process exited: %v", cmd.ProcessState)
	}()
	return nil
}

// Ready reports whether the process was observed ready. Once ready, it stays
// ready.
func (p *Process) Ready() bool {
	return p.ready.Load()
}

// ReadyChan returns a channel that is closed when the process becomes ready.
func (p *Process) ReadyChan() <-chan struct{} {
	return p.readyCh
}

// MarkReady marks the process as ready.
func (p *Process) MarkReady() {
	p.readyOnce.Do(func() {
		p.ready.Store(true)
		close(p.readyCh)
	})
}

// Probe reports whether the backend socket accepts connections.
func (p *Process) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", p.opts.Socket)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IsAlive reports whether the process is still running.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	return unix.Kill(cmd.Process.Pid, 0) == nil
}

// GracefulShutdown sends SIGTERM to the process and waits for it to exit.
func (p *Process) GracefulShutdown() error {
	return p.stop(unix.SIGTERM, nil)
}

// FastShutdown sends SIGINT to the process and waits for it to exit.
func (p *Process) FastShutdown() error {
	return p.stop(unix.SIGINT, nil)
}

// stop sends sig to the process and waits for it to exit. If escalate is
// closed first, SIGINT is sent too.
func (p *Process) stop(sig unix.Signal, escalate <-chan struct{}) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	p.opts.Logger("INF Sending %s to backend process", unix.SignalName(sig))
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("backend: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-escalate:
	}
	p.opts.Logger("INF Sending SIGINT to backend process")
	if err := cmd.Process.Signal(unix.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("backend: %w", err)
	}
	<-done
	return nil
}

// Watch supervises the process until a shutdown is triggered. It marks the
// process ready on SIGUSR1 or when the socket accepts connections, returns
// ErrExited if the process dies, and stops the process according to the
// kind of shutdown.
func (p *Process) Watch(ctx context.Context, a *arbiter.Arbiter) error {
	sigs, unsubscribe := a.SubscribeSignals()
	defer unsubscribe()

	probe := time.NewTicker(p.opts.ProbeInterval)
	defer probe.Stop()
	liveness := time.NewTicker(p.opts.LivenessInterval)
	defer liveness.Stop()

	for {
		var probeC <-chan time.Time
		if !p.Ready() {
			probeC = probe.C
		}
		select {
		case sig := <-sigs:
			if sig == unix.SIGUSR1 && !p.Ready() {
				p.opts.Logger("INF Backend is marked ready for operation")
				p.MarkReady()
			}
		case <-probeC:
			if p.Probe(ctx) {
				p.opts.Logger("INF Backend socket is accepting connections, marking ready")
				p.MarkReady()
			}
		case <-liveness.C:
			if !p.IsAlive() {
				return ErrExited
			}
		case <-a.Fast():
			return p.FastShutdown()
		case <-a.Graceful():
			return p.stop(unix.SIGTERM, a.Fast())
		case <-ctx.Done():
			if a.IsGraceful() && !a.IsFast() {
				return p.stop(unix.SIGTERM, a.Fast())
			}
			return p.FastShutdown()
		}
	}
}
