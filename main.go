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

// edge is the network edge of authentik. It terminates HTTP and HTTPS
// connections, optionally behind a PROXY protocol load balancer, and forwards
// the requests to the authentik server process that it supervises.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"runtime"

	"github.com/goauthentik/edge/arbiter"
	"github.com/goauthentik/edge/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

func main() {
	configFile := flag.String("config", "", "The config file name. Without it, the defaults and the AUTHENTIK_ environment variables are used.")
	versionFlag := flag.Bool("v", false, "Show the version.")
	stdoutFlag := flag.Bool("stdout", false, "Log to STDOUT.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	if *stdoutFlag {
		log.SetOutput(os.Stdout)
	}
	log.Printf("INF edge %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	cfg, err := proxy.ReadConfig(*configFile)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}

	arb := arbiter.New(cfg.ShutdownGracePeriod)
	tasks := arbiter.NewTasks(arb)

	be := proxy.NewBackendProcess(cfg)
	p, err := proxy.New(cfg, arb, be)
	if err != nil {
		log.Fatalf("ERR %v", err)
	}
	defer p.Close()
	if err := be.Start(); err != nil {
		log.Fatalf("ERR backend: %v", err)
	}
	p.Start(tasks, *configFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go arb.WatchSignals(ctx)

	if errs := tasks.Run(); len(errs) > 0 {
		for _, err := range errs {
			log.Printf("ERR %v", err)
		}
		p.Close()
		os.Exit(1)
	}
	log.Print("INF Exiting")
}
