// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
dstream-coordinator streams a dataset and pushes the resulting Tasks to workers connected
over a websocket, in the order the workers reported READY.

	dstream-coordinator --listen :7070 --workers 4 --count 1000 --store-results
	dstream-worker --push-url ws://localhost:7070/ws --workers 4

Blocks are still stored in the Broker; only the task queue is replaced by direct assignment.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/wsock"
)

const tool = "dstream-coordinator"

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	common       cli.Common
	broker       cli.BrokerFlags
	dataset      cli.DatasetFlags
	source       streams.SourceConfig
	listen       string
	workers      int
	storeResults bool
}

func parse(args []string) (*options, error) {
	file, err := cli.LoadFile(cli.ConfigPath(args))
	if err != nil {
		return nil, err
	}
	opts := &options{}
	fs := flag.NewFlagSet(tool, flag.ContinueOnError)
	opts.common.Register(fs, file)
	opts.broker.Register(fs, file)
	opts.dataset.Register(fs, file)
	c := file.Coordinator
	listen := c.Listen
	if listen == "" {
		listen = ":7070"
	}
	fs.StringVar(&opts.listen, "listen", cli.EnvString("listen", listen), "Websocket listen address (env: DSTREAM_LISTEN)")
	fs.IntVar(&opts.workers, "workers", cli.EnvInt("workers", c.Workers),
		"Workers that must connect and exit before the coordinator finishes (env: DSTREAM_WORKERS)")
	fs.BoolVar(&opts.storeResults, "store-results", cli.EnvBool("store-results", c.StoreResults),
		"Write every result to the broker (env: DSTREAM_STORE_RESULTS)")
	fs.StringVar(&opts.source.WindowName, "window-key", cli.EnvString("window-key", file.Source.WindowName),
		"Group payloads into windows by this field (env: DSTREAM_WINDOW_KEY)")
	fs.IntVar(&opts.source.WindowSize, "window-size", cli.EnvInt("window-size", file.Source.WindowSize),
		"Blocks per window (env: DSTREAM_WINDOW_SIZE)")
	fs.Float64Var(&opts.source.MaxItemsPerSecond, "rate", cli.EnvFloat("rate", file.Source.MaxItemsPerSecond),
		"Maximum items published per second, 0 is unlimited (env: DSTREAM_RATE)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
	}
	if opts.workers <= 0 {
		return nil, fmt.Errorf("%w: --workers must be positive", streams.ErrInvalidConfig)
	}
	return opts, nil
}

func run(args []string) int {
	opts, err := parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitCode(err)
	}
	cli.SetupLogging(tool, opts.common.LogLevel, opts.common.LogFormat, opts.common.DriverLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cli.Finish(tool, coordinate(ctx, opts))
}

func coordinate(ctx context.Context, opts *options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	brokerConfig, err := opts.broker.Config()
	if err != nil {
		return err
	}
	windowSize := 0
	if opts.source.WindowName != "" {
		windowSize = opts.source.WindowSize
		if windowSize <= 0 {
			windowSize = streams.DefaultWindowSize
		}
	}
	it, _, closeIt, err := opts.dataset.Iterator(ctx, windowSize)
	if err != nil {
		return err
	}
	defer closeIt()
	broker, err := opts.broker.Open(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	config := streams.CoordinatorConfig{Workers: opts.workers, StoreResults: opts.storeResults, Broker: broker}
	source := opts.source
	source.Namespace = brokerConfig.Namespace
	if opts.common.StatsDir != "" {
		config.TelemetryDir = opts.common.StatsDir
		config.Telemetry = streams.NewTelemetry("")
		source.Telemetry = config.Telemetry
	}
	config.OnResult = func(workerID string, result streams.Result, errMsg string) {
		if errMsg != "" {
			streams.Log().Warnf("%s failed on %s: %s", result.TaskID, workerID, errMsg)
		}
	}
	coordinator, err := streams.NewCoordinator(config)
	if err != nil {
		return err
	}

	server := wsock.NewServer()
	defer server.Close()
	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", streams.ErrInvalidConfig, opts.listen, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			streams.Log().Errorf("websocket server: %v", err)
			cancel()
		}
	}()
	defer srv.Close()
	streams.Log().Infof("waiting for %d workers on ws://%s/ws", opts.workers, ln.Addr())

	feed, err := streams.NewStreamFeed(ctx, broker, source, it)
	if err != nil {
		return err
	}
	stats, err := coordinator.Run(ctx, feed, server)
	if err != nil {
		return err
	}
	fed := feed.Stats()
	streams.Log().Infof("assigned %d tasks from %d items to %d workers, %d done, %d failed, %d incomplete windows dropped",
		fed.Tasks, fed.Items, len(stats.Assigned), stats.Done, stats.Failed, fed.DroppedWindows)
	return nil
}
