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

package streams

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

/*
PullScheduler runs Workers that each poll the shared task queue; whichever idle worker polls
first receives the next Task. Workers coordinate only through the Broker, so a PullScheduler
in one process and worker processes elsewhere can consume the same queue.

The first worker to fail cancels the others and its error is returned.

	stats, err := streams.PullScheduler{Workers: 4, Config: cfg}.Run(ctx, broker, operator)
*/
type PullScheduler struct {
	Workers int
	// Template for every worker. IDs are suffixed with the worker index.
	Config WorkerConfig
}

func (ps PullScheduler) Run(ctx context.Context, broker Broker, op AnalysisOperator) ([]WorkerStats, error) {
	n := ps.Workers
	if n <= 0 {
		n = 1
	}
	base := ps.Config.ID
	if base == "" {
		base = NewWorkerID()
	}
	group, ctx := errgroup.WithContext(ctx)
	stats := make([]WorkerStats, n)
	for i := 0; i < n; i++ {
		i := i
		config := ps.Config
		config.ID = base
		if n > 1 {
			config.ID = fmt.Sprintf("%s-%d", base, i)
		}
		worker := NewWorker(broker, op, config)
		group.Go(func() (err error) {
			stats[i], err = worker.Run(ctx)
			return err
		})
	}
	err := group.Wait()
	return stats, err
}
