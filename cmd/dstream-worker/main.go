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
dstream-worker runs Workers that execute Tasks from the Broker until the queue stays empty.

	dstream-worker --broker redis --workers 4 --operator lendiff --max-idle-polls 10 --wait-time 10
	dstream-worker --push-url ws://coordinator:7070/ws --workers 2

With --push-url the workers receive Tasks from a dstream-coordinator instead of polling the queue.
The process exits 0 after an idle shutdown, 2 when an operator fails and 1 on broker errors.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/metrics"
	"github.com/deduce-dev/dacman-stream/streams/operators"
	"github.com/deduce-dev/dacman-stream/streams/wsock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const tool = "dstream-worker"

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	common          cli.Common
	broker          cli.BrokerFlags
	workers         int
	operator        string
	workerID        string
	waitTime        float64
	maxIdlePolls    int
	flushOnIdle     int
	continueOnError bool
	metricsAddr     string
	pushURL         string
}

func parse(args []string) (*options, error) {
	file, err := cli.LoadFile(cli.ConfigPath(args))
	if err != nil {
		return nil, err
	}
	w := file.Worker
	waitTime := w.WaitTime
	if waitTime <= 0 {
		waitTime = streams.DefaultWaitTime
	}
	opts := &options{}
	fs := flag.NewFlagSet(tool, flag.ContinueOnError)
	opts.common.Register(fs, file)
	opts.broker.Register(fs, file)
	fs.IntVar(&opts.workers, "workers", cli.EnvInt("workers", max(w.Workers, 1)), "Workers run by this process (env: DSTREAM_WORKERS)")
	fs.StringVar(&opts.operator, "operator", cli.EnvString("operator", or(w.Operator, "lendiff")),
		fmt.Sprintf("Analysis operator, one of %s (env: DSTREAM_OPERATOR)", strings.Join(operators.Names(), ", ")))
	fs.StringVar(&opts.workerID, "worker-id", cli.EnvString("worker-id", ""),
		"Worker id prefix, generated if empty (env: DSTREAM_WORKER_ID)")
	fs.Float64Var(&opts.waitTime, "wait-time", cli.EnvFloat("wait-time", waitTime.Seconds()),
		"Seconds a single dequeue blocks waiting for a task (env: DSTREAM_WAIT_TIME)")
	fs.IntVar(&opts.maxIdlePolls, "max-idle-polls", cli.EnvInt("max-idle-polls", or(w.MaxIdlePolls, streams.DefaultMaxIdlePolls)),
		"Consecutive idle polls before the worker terminates (env: DSTREAM_MAX_IDLE_POLLS)")
	fs.IntVar(&opts.flushOnIdle, "flush-on-idle", cli.EnvInt("flush-on-idle", or(w.FlushOnIdlePolls, streams.DefaultFlushOnIdlePolls)),
		"Consecutive idle polls before telemetry is flushed early, negative disables (env: DSTREAM_FLUSH_ON_IDLE)")
	fs.BoolVar(&opts.continueOnError, "continue-on-error", cli.EnvBool("continue-on-error", false),
		"Drop tasks whose operator fails instead of terminating (env: DSTREAM_CONTINUE_ON_ERROR)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", cli.EnvString("metrics-addr", w.MetricsAddr),
		"Serve Prometheus metrics on this address, e.g. :9090 (env: DSTREAM_METRICS_ADDR)")
	fs.StringVar(&opts.pushURL, "push-url", cli.EnvString("push-url", w.PushURL),
		"Coordinator websocket url, e.g. ws://localhost:7070/ws (env: DSTREAM_PUSH_URL)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
	}
	if opts.waitTime <= 0 || opts.maxIdlePolls <= 0 || opts.workers <= 0 {
		return nil, fmt.Errorf("%w: --wait-time, --max-idle-polls and --workers must be positive", streams.ErrInvalidConfig)
	}
	return opts, nil
}

func or[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
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
	return cli.Finish(tool, work(ctx, opts))
}

func (opts *options) workerConfig() streams.WorkerConfig {
	config := streams.WorkerConfig{
		ID:               opts.workerID,
		WaitTime:         time.Duration(opts.waitTime * float64(time.Second)),
		MaxIdlePolls:     opts.maxIdlePolls,
		FlushOnIdlePolls: opts.flushOnIdle,
	}
	if config.ID == "" {
		config.ID = streams.NewWorkerID()
	}
	if opts.common.StatsDir != "" {
		config.TelemetryDir = opts.common.StatsDir
		config.Telemetry = streams.NewTelemetry(config.ID)
	}
	if opts.continueOnError {
		config.ErrorHandler = streams.ContinueOnOperatorError
	}
	return config
}

func work(ctx context.Context, opts *options) error {
	op, err := operators.Lookup(opts.operator)
	if err != nil {
		return fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
	}
	config := opts.workerConfig()
	if opts.metricsAddr != "" {
		config.MetricsHandler = metrics.NewCollector(prometheus.DefaultRegisterer).Handle
		srv := &http.Server{Addr: opts.metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				streams.Log().Errorf("metrics server on %s: %v", opts.metricsAddr, err)
			}
		}()
		defer srv.Close()
	}
	broker, err := opts.broker.Open(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	var stats []streams.WorkerStats
	if opts.pushURL != "" {
		stats, err = push(ctx, opts, broker, op, config)
	} else {
		stats, err = streams.PullScheduler{Workers: opts.workers, Config: config}.Run(ctx, broker, op)
	}
	for _, s := range stats {
		streams.Log().Infof("worker %s processed %d tasks, %d failed, ran for %v",
			s.WorkerID, s.Processed, s.Failed, s.Stopped.Sub(s.Started).Round(time.Millisecond))
	}
	return err
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	return mux
}

func push(ctx context.Context, opts *options, broker streams.Broker, op streams.AnalysisOperator,
	config streams.WorkerConfig) ([]streams.WorkerStats, error) {
	group, ctx := errgroup.WithContext(ctx)
	stats := make([]streams.WorkerStats, opts.workers)
	base := config.ID
	for i := 0; i < opts.workers; i++ {
		i := i
		config := config
		if opts.workers > 1 {
			config.ID = fmt.Sprintf("%s-%d", base, i)
		}
		group.Go(func() (err error) {
			endpoint, err := wsock.Dial(ctx, opts.pushURL, config.ID)
			if err != nil {
				return streams.BrokerError("dial coordinator", err)
			}
			defer endpoint.Close()
			stats[i], err = streams.NewPushWorker(broker, op, config, endpoint).Run(ctx)
			return err
		})
	}
	return stats, group.Wait()
}
