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
dstream-report joins the telemetry files written by sources, workers and coordinators and prints
throughput and latency percentiles.

	dstream-report /scratch/stats
	dstream-report --progress /scratch/run1/stats /scratch/run2/stats
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/report"
	"github.com/schollz/progressbar/v3"
)

const tool = "dstream-report"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	file, err := cli.LoadFile(cli.ConfigPath(args))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitCode(err)
	}
	var common cli.Common
	var progress bool
	fs := flag.NewFlagSet(tool, flag.ContinueOnError)
	common.Register(fs, file)
	fs.BoolVar(&progress, "progress", cli.EnvBool("progress", false), "Show a progress bar while loading (env: DSTREAM_PROGRESS)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] [stats-dir...]\n", tool)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cli.ExitConfig
	}
	cli.SetupLogging(tool, common.LogLevel, common.LogFormat, common.DriverLevel)
	dirs := fs.Args()
	if len(dirs) == 0 && common.StatsDir != "" {
		dirs = []string{common.StatsDir}
	}
	if len(dirs) == 0 {
		fs.Usage()
		return cli.ExitConfig
	}
	return cli.Finish(tool, summarize(dirs, progress))
}

func summarize(dirs []string, progress bool) error {
	var loader report.Loader
	if progress {
		files, err := report.Files(dirs...)
		if err != nil {
			return err
		}
		bar := progressbar.Default(int64(len(files)), "files")
		defer bar.Finish()
		loader.OnFile = func(string) {
			bar.Add(1)
		}
	}
	ds, err := loader.Load(dirs...)
	if err != nil {
		return fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
	}
	if ds.Files() == 0 {
		return fmt.Errorf("%w: no telemetry files under %v", streams.ErrInvalidConfig, dirs)
	}
	return ds.Summarize().Print(os.Stdout)
}
