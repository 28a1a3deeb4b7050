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

	"github.com/goauthentik/edge/proxy/internal/backendproc"
)

// Supervisor is a Backend whose process is started and watched by the proxy.
type Supervisor interface {
	Backend
	// Start starts the backend process.
	Start() error
}

// NewBackendProcess returns the backend process described by cfg.Backend.
// It isn't started. Start spawns a task that watches it once it is.
func NewBackendProcess(cfg *Config) Supervisor {
	return backendproc.New(backendproc.Options{
		Command:          cfg.Backend.Command,
		Socket:           cfg.Backend.Socket,
		ProbeInterval:    cfg.Backend.ProbeInterval,
		LivenessInterval: cfg.Backend.LivenessInterval,
		Env:              cfg.Backend.Env,
		Logger:           log.Printf,
	})
}
