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
dstream-source streams a dataset into the Broker as Tasks.

	dstream-source --broker redis --count 1000 --size 4096 --stats-dir /scratch/stats
	dstream-source --dataset dir --dir /data/frames --window-key datetime --window-size 2

Every flag can also be set with a DSTREAM_* environment variable or in the --config file.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/schollz/progressbar/v3"
)

const tool = "dstream-source"

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	common    cli.Common
	broker    cli.BrokerFlags
	dataset   cli.DatasetFlags
	source    streams.SourceConfig
	progress  bool
	waitDrain time.Duration
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
	src := file.Source
	fs.StringVar(&opts.source.WindowName, "window-key", cli.EnvString("window-key", src.WindowName),
		"Group payloads into windows by this field, empty streams one task per item (env: DSTREAM_WINDOW_KEY)")
	fs.IntVar(&opts.source.WindowSize, "window-size", cli.EnvInt("window-size", src.WindowSize),
		"Blocks per window (env: DSTREAM_WINDOW_SIZE)")
	fs.IntVar(&opts.source.HighWatermark, "high-watermark", cli.EnvInt("high-watermark", src.HighWatermark),
		"Pause publishing while the task queue holds this many tasks, 0 disables admission control (env: DSTREAM_HIGH_WATERMARK)")
	fs.IntVar(&opts.source.LowWatermark, "low-watermark", cli.EnvInt("low-watermark", src.LowWatermark),
		"Resume publishing once the task queue is this short (env: DSTREAM_LOW_WATERMARK)")
	fs.Float64Var(&opts.source.MaxItemsPerSecond, "rate", cli.EnvFloat("rate", src.MaxItemsPerSecond),
		"Maximum items published per second, 0 is unlimited (env: DSTREAM_RATE)")
	fs.BoolVar(&opts.progress, "progress", cli.EnvBool("progress", false), "Show a progress bar (env: DSTREAM_PROGRESS)")
	fs.DurationVar(&opts.waitDrain, "wait-drain", cli.EnvDuration("wait-drain", 0),
		"After streaming, poll the task queue at this interval until it is empty (env: DSTREAM_WAIT_DRAIN)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", streams.ErrInvalidConfig, fs.Args())
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
	return cli.Finish(tool, stream(ctx, opts))
}

func stream(ctx context.Context, opts *options) error {
	brokerConfig, err := opts.broker.Config()
	if err != nil {
		return err
	}
	it, total, closeIt, err := opts.dataset.Iterator(ctx, windowSize(opts.source))
	if err != nil {
		return err
	}
	defer closeIt()
	broker, err := opts.broker.Open(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	config := opts.source
	config.Namespace = brokerConfig.Namespace
	if opts.common.StatsDir != "" {
		config.TelemetryDir = opts.common.StatsDir
		config.Telemetry = streams.NewTelemetry("")
	}
	if opts.progress {
		if size := windowSize(config); size > 0 && total > 0 {
			total /= size
		}
		bar := progressbar.Default(int64(total), "tasks")
		defer bar.Finish()
		config.OnTaskEnqueued = func(streams.TaskID) {
			bar.Add(1)
		}
	}
	source, err := streams.NewSource(broker, config)
	if err != nil {
		return err
	}
	stats, err := source.Stream(ctx, it)
	streams.Log().Infof("published %d items as %d blocks and %d tasks, %d incomplete windows dropped, throttled for %v",
		stats.Items, stats.Blocks, stats.Tasks, stats.DroppedWindows, stats.Throttled)
	if err != nil {
		return err
	}
	if opts.waitDrain > 0 {
		return source.WaitForDrain(ctx, opts.waitDrain)
	}
	return nil
}

// Windowed synthetic datasets emit one payload per item.
func windowSize(config streams.SourceConfig) int {
	if !config.Windowed() {
		return 0
	}
	if config.WindowSize <= 0 {
		return streams.DefaultWindowSize
	}
	return config.WindowSize
}
