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
	"fmt"
	"log"
	"runtime/debug"
)

// TaskFunc is a unit of work supervised by Tasks. The context is canceled
// when any shutdown is triggered.
type TaskFunc func(ctx context.Context) error

// Tasks is a set of named tasks that live and die together.
type Tasks struct {
	arbiter *Arbiter
	results chan taskResult
	count   int
}

type taskResult struct {
	name string
	err  error
}

// NewTasks returns a new task set bound to the Arbiter.
func NewTasks(a *Arbiter) *Tasks {
	return &Tasks{
		arbiter: a,
		results: make(chan taskResult),
	}
}

// Spawn starts a named task. It must not be called concurrently with Run.
func (t *Tasks) Spawn(name string, f TaskFunc) {
	t.count++
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERR Task %s: PANIC: %v\n%s", name, r, debug.Stack())
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
			t.results <- taskResult{name: name, err: err}
		}()
		if err = f(t.arbiter.Context()); err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// Run waits for the first task to finish, then triggers a graceful shutdown
// of the others. If the first task failed, it also triggers a fast shutdown.
// It then waits for all the remaining tasks and returns their errors. An empty
// list means a clean exit.
func (t *Tasks) Run() []error {
	if t.count == 0 {
		return nil
	}
	var errs []error
	first := <-t.results
	t.count--
	if first.err != nil {
		log.Printf("ERR Task %s failed: %v", first.name, first.err)
		errs = append(errs, first.err)
	} else {
		log.Printf("INF Task %s finished", first.name)
	}
	t.arbiter.TriggerGraceful()
	if first.err != nil {
		t.arbiter.TriggerFast()
	}
	for ; t.count > 0; t.count-- {
		r := <-t.results
		if r.err != nil {
			log.Printf("ERR Task %s failed: %v", r.name, r.err)
			errs = append(errs, r.err)
			continue
		}
		log.Printf("INF Task %s finished", r.name)
	}
	return errs
}
