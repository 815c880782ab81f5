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
	"errors"
	"fmt"
	"io"
	"time"
)

// TaskFeed supplies Tasks to a Coordinator until it returns io.EOF.
type TaskFeed interface {
	Next(ctx context.Context) (Task, error)
}

// StaticFeed yields a fixed list of Tasks.
func StaticFeed(tasks ...Task) TaskFeed {
	i := 0
	return taskFeedFunc(func(ctx context.Context) (Task, error) {
		if i >= len(tasks) {
			return Task{}, io.EOF
		}
		task := tasks[i]
		i++
		return task, nil
	})
}

type taskFeedFunc func(ctx context.Context) (Task, error)

func (f taskFeedFunc) Next(ctx context.Context) (Task, error) {
	return f(ctx)
}

/*
StreamFeed materializes Tasks from a DatasetIterator with the same logic as a Source:
blocks and windows are written to the Broker, but completed Tasks are handed to the
Coordinator instead of the Broker's task queue.
*/
type StreamFeed struct {
	tasks chan Task
	stats SourceStats
	err   error
}

func NewStreamFeed(ctx context.Context, broker Broker, config SourceConfig, it DatasetIterator) (*StreamFeed, error) {
	src, err := NewSource(broker, config)
	if err != nil {
		return nil, err
	}
	f := &StreamFeed{tasks: make(chan Task)}
	src.emit = func(ctx context.Context, ids []BlockID) (TaskID, error) {
		task := Task{ID: NewTaskID(), Blocks: ids}
		select {
		case f.tasks <- task:
			return task.ID, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	go func() {
		f.stats, f.err = src.Stream(ctx, it)
		close(f.tasks)
	}()
	return f, nil
}

func (f *StreamFeed) Next(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-f.tasks:
		if !ok {
			if f.err != nil {
				return Task{}, f.err
			}
			return Task{}, io.EOF
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Stats is valid once Next has returned io.EOF.
func (f *StreamFeed) Stats() SourceStats {
	return f.stats
}

type CoordinatorConfig struct {
	// The number of workers that must send EXIT before Run returns.
	Workers int `yaml:"workers"`
	// Store every DONE result in the Broker.
	StoreResults bool `yaml:"storeResults"`
	// Required when StoreResults is set.
	Broker       Broker     `yaml:"-"`
	TelemetryDir string     `yaml:"statsDir"`
	Telemetry    *Telemetry `yaml:"-"`
	// Invoked for every DONE message, in arrival order.
	OnResult func(workerID string, result Result, err string) `yaml:"-"`
}

type CoordinatorStats struct {
	// Task ids in the order they were assigned to each worker.
	Assigned map[string][]TaskID
	Done     int
	Failed   int
	Exits    int
}

/*
Coordinator dispatches Tasks to workers over a CoordinatorTransport:

	READY     the worker joins the idle queue; idle workers get Tasks in READY arrival order
	DONE      the Result is counted (and stored when configured)
	EXIT      the worker has stopped

Once the feed is exhausted every idle worker receives EXIT. Run returns after EXIT has been
received from Config.Workers workers.
*/
type Coordinator struct {
	config CoordinatorConfig
}

func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.Workers <= 0 {
		return nil, fmt.Errorf("%w: coordinator needs at least one worker", ErrInvalidConfig)
	}
	if config.StoreResults && config.Broker == nil {
		return nil, fmt.Errorf("%w: StoreResults requires a Broker", ErrInvalidConfig)
	}
	return &Coordinator{config: config}, nil
}

func (c *Coordinator) Run(ctx context.Context, feed TaskFeed, transport CoordinatorTransport) (CoordinatorStats, error) {
	stats := CoordinatorStats{Assigned: make(map[string][]TaskID)}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages := make(chan Message)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := transport.Recv(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	tasks := make(chan Task)
	feedErr := make(chan error, 1)
	go func() {
		defer close(tasks)
		for {
			task, err := feed.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				feedErr <- err
				return
			}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	var idle idleQueue
	var pending *Task
	feedDone := false
	exitSent := make(map[string]bool)
	tel := c.config.Telemetry

	for stats.Exits < c.config.Workers {
		for idle.len() > 0 && (pending != nil || feedDone) {
			workerID, _ := idle.dequeue()
			if pending == nil {
				if exitSent[workerID] {
					continue
				}
				exitSent[workerID] = true
				if err := transport.Send(ctx, workerID, Message{Tag: TagExit}); err != nil {
					return stats, err
				}
				log.Debugf("sent EXIT to %s", workerID)
				continue
			}
			task := *pending
			pending = nil
			tel.Mark(TaskSendStart, string(task.ID))
			if err := transport.Send(ctx, workerID, Message{Tag: TagStart, Task: &task}); err != nil {
				return stats, err
			}
			tel.Mark(TaskSendEnd, string(task.ID))
			stats.Assigned[workerID] = append(stats.Assigned[workerID], task.ID)
			log.Tracef("assigned %s to %s", task.ID, workerID)
		}

		var taskCh <-chan Task
		if pending == nil && !feedDone {
			taskCh = tasks
		}
		select {
		case msg := <-messages:
			if err := c.handle(ctx, msg, &idle, &stats); err != nil {
				return stats, err
			}
		case task, ok := <-taskCh:
			if !ok {
				feedDone = true
				log.Infof("task feed exhausted, releasing idle workers")
				continue
			}
			pending = &task
		case err := <-feedErr:
			return stats, fmt.Errorf("task feed: %w", err)
		case err := <-recvErr:
			return stats, err
		case <-ctx.Done():
			return stats, ctx.Err()
		}
	}
	log.Infof("coordinator finished: %d done, %d failed, %d workers exited", stats.Done, stats.Failed, stats.Exits)
	if c.config.TelemetryDir != "" {
		if err := tel.Flush(c.config.TelemetryDir); err != nil {
			log.Errorf("telemetry flush failed: %v", err)
		}
	}
	return stats, nil
}

func (c *Coordinator) handle(ctx context.Context, msg Message, idle *idleQueue, stats *CoordinatorStats) error {
	switch msg.Tag {
	case TagReady:
		idle.enqueue(msg.WorkerID)
	case TagDone:
		if msg.Result == nil {
			return fmt.Errorf("DONE from %s without a result", msg.WorkerID)
		}
		if msg.Error != "" {
			stats.Failed++
			log.Warnf("%s failed on %s: %s", msg.WorkerID, msg.Result.TaskID, msg.Error)
		} else {
			stats.Done++
			if c.config.StoreResults {
				if err := c.config.Broker.PutResult(ctx, msg.Result.TaskID, msg.Result.Payload); err != nil {
					return err
				}
			}
			c.config.Telemetry.Mark(ResultPutEnd, string(msg.Result.TaskID))
		}
		if c.config.OnResult != nil {
			c.config.OnResult(msg.WorkerID, *msg.Result, msg.Error)
		}
	case TagExit:
		stats.Exits++
		log.Debugf("%s exited (%d of %d)", msg.WorkerID, stats.Exits, c.config.Workers)
	default:
		log.Warnf("ignoring %v from %s", msg.Tag, msg.WorkerID)
	}
	return nil
}

/*
PushWorker executes Tasks assigned by a Coordinator. It shares the Broker (for blocks) and the
operator contract with the pull Worker:

	send READY; on START execute and send DONE then READY; on EXIT reply EXIT and stop.

A fatal operator failure sends EXIT before Run returns the error, so the Coordinator can finish.
*/
type PushWorker struct {
	worker   *Worker
	endpoint WorkerEndpoint
}

func NewPushWorker(broker Broker, op AnalysisOperator, config WorkerConfig, endpoint WorkerEndpoint) *PushWorker {
	return &PushWorker{
		worker:   NewWorker(broker, op, config),
		endpoint: endpoint,
	}
}

func (pw *PushWorker) ID() string {
	return pw.worker.ID()
}

func (pw *PushWorker) State() WorkerPhase {
	return pw.worker.State()
}

func (pw *PushWorker) Run(ctx context.Context) (WorkerStats, error) {
	w := pw.worker
	w.metrics = newMetricsEmitter(w.config.MetricsHandler, 0)
	defer w.metrics.close()
	w.stats.Started = time.Now()

	readyAt := time.Now()
	if err := pw.endpoint.Send(ctx, Message{Tag: TagReady, WorkerID: w.config.ID}); err != nil {
		return w.stop(nil, WorkerFailed, err)
	}
	for {
		w.setPhase(WorkerReady)
		msg, err := pw.endpoint.Recv(ctx)
		if err != nil {
			return w.stop(nil, WorkerFailed, err)
		}
		switch msg.Tag {
		case TagExit:
			w.setPhase(WorkerDraining)
			if err := pw.endpoint.Send(ctx, Message{Tag: TagExit, WorkerID: w.config.ID}); err != nil {
				return w.stop(nil, WorkerFailed, err)
			}
			return w.stop(nil, WorkerTerminated, nil)
		case TagStart:
			if msg.Task == nil {
				return w.stop(nil, WorkerFailed, fmt.Errorf("START without a task"))
			}
			if err := pw.execute(ctx, *msg.Task, readyAt); err != nil {
				_ = pw.endpoint.Send(ctx, Message{Tag: TagExit, WorkerID: w.config.ID})
				return w.stop(nil, WorkerFailed, err)
			}
			readyAt = time.Now()
			if err := pw.endpoint.Send(ctx, Message{Tag: TagReady, WorkerID: w.config.ID}); err != nil {
				return w.stop(nil, WorkerFailed, err)
			}
		default:
			log.Warnf("worker %s ignoring %v", w.config.ID, msg.Tag)
		}
	}
}

func (pw *PushWorker) execute(ctx context.Context, task Task, readyAt time.Time) error {
	w := pw.worker
	w.setPhase(WorkerProcessing)
	result, err := w.Execute(ctx, task, readyAt)
	if err != nil {
		var opErr *OperatorError
		if !errors.As(err, &opErr) || w.config.ErrorHandler(task.ID, opErr.Err) != CompleteAndContinue {
			return err
		}
		w.stats.Failed++
		return pw.endpoint.Send(ctx, Message{
			Tag:      TagDone,
			WorkerID: w.config.ID,
			Result:   &Result{TaskID: task.ID},
			Error:    opErr.Err.Error(),
		})
	}
	if err := pw.endpoint.Send(ctx, Message{Tag: TagDone, WorkerID: w.config.ID, Result: &result}); err != nil {
		return err
	}
	w.config.Telemetry.Mark(ResultPutEnd, string(task.ID))
	w.stats.Processed++
	return nil
}
