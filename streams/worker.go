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
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"
)

const (
	DefaultWaitTime         = 10 * time.Second
	DefaultMaxIdlePolls     = 10
	DefaultFlushOnIdlePolls = 5
)

// AnalysisOperator computes a Result payload from the ordered payloads of a Task.
// It must be a pure function of its input; it is never retried.
type AnalysisOperator func(ctx context.Context, payloads [][]byte) ([]byte, error)

type WorkerPhase int32

const (
	WorkerReady WorkerPhase = iota
	WorkerProcessing
	WorkerIdle
	WorkerDraining
	WorkerTerminated
	WorkerFailed
)

func (p WorkerPhase) String() string {
	switch p {
	case WorkerReady:
		return "READY"
	case WorkerProcessing:
		return "PROCESSING"
	case WorkerIdle:
		return "IDLE"
	case WorkerDraining:
		return "DRAINING"
	case WorkerTerminated:
		return "TERMINATED"
	case WorkerFailed:
		return "FATAL"
	}
	return fmt.Sprintf("WorkerPhase(%d)", int32(p))
}

// NewWorkerID returns a short unique id such as "w-dppUr5U2Q".
func NewWorkerID() string {
	id, err := shortid.Generate()
	if err != nil {
		return "w-" + string(NewTaskID())[len(taskIDPrefix):][:8]
	}
	return "w-" + id
}

type WorkerConfig struct {
	// Identifies the worker in logs, metrics and the push protocol. Generated if empty.
	ID string `yaml:"id"`
	// How long a single DequeueTask blocks. Defaults to 10s.
	WaitTime time.Duration `yaml:"waitTime"`
	// The worker terminates after this many consecutive idle polls. Defaults to 10.
	MaxIdlePolls int `yaml:"maxIdlePolls"`
	// Telemetry is flushed asynchronously after this many consecutive idle polls,
	// ahead of termination. Defaults to 5. Negative disables the early flush.
	FlushOnIdlePolls int `yaml:"flushOnIdlePolls"`
	// Where telemetry is written. Nothing is written if empty.
	TelemetryDir string `yaml:"statsDir"`
	// May be shared by all workers of a process.
	Telemetry *Telemetry `yaml:"-"`
	// Decides what happens when the operator fails. Defaults to DefaultWorkerErrorHandler (fatal).
	ErrorHandler WorkerErrorHandler `yaml:"-"`
	// If non-nil, the Worker will emit [Metric] objects. This is backed by a channel. If the channel is full
	// the Worker will drop the metric and log at WARN level.
	MetricsHandler MetricsHandler `yaml:"-"`
}

func (wc WorkerConfig) withDefaults() WorkerConfig {
	if wc.ID == "" {
		wc.ID = NewWorkerID()
	}
	if wc.WaitTime <= 0 {
		wc.WaitTime = DefaultWaitTime
	}
	if wc.MaxIdlePolls <= 0 {
		wc.MaxIdlePolls = DefaultMaxIdlePolls
	}
	if wc.FlushOnIdlePolls == 0 {
		wc.FlushOnIdlePolls = DefaultFlushOnIdlePolls
	}
	if wc.ErrorHandler == nil {
		wc.ErrorHandler = DefaultWorkerErrorHandler
	}
	return wc
}

type WorkerStats struct {
	WorkerID  string
	Processed int
	// Tasks dropped after an operator failure under CompleteAndContinue.
	Failed    int
	IdlePolls int
	Started   time.Time
	Stopped   time.Time
}

/*
Worker executes Tasks pulled from a Broker:

	READY --dequeue--> PROCESSING --result stored--> READY
	READY --timeout--> IDLE --> READY, or DRAINING --> TERMINATED after MaxIdlePolls consecutive timeouts
	PROCESSING --operator error--> FATAL

Run returns nil after an idle shutdown, an *OperatorError after a fatal operator failure and a
broker error otherwise. Telemetry is flushed on every exit path.
*/
type Worker struct {
	broker  Broker
	op      AnalysisOperator
	config  WorkerConfig
	phase   atomic.Int32
	metrics *metricsEmitter
	stats   WorkerStats
}

func NewWorker(broker Broker, op AnalysisOperator, config WorkerConfig) *Worker {
	w := &Worker{
		broker: broker,
		op:     op,
		config: config.withDefaults(),
	}
	w.stats.WorkerID = w.config.ID
	return w
}

func (w *Worker) ID() string {
	return w.config.ID
}

func (w *Worker) Config() WorkerConfig {
	return w.config
}

func (w *Worker) State() WorkerPhase {
	return WorkerPhase(w.phase.Load())
}

func (w *Worker) setPhase(p WorkerPhase) {
	if old := WorkerPhase(w.phase.Swap(int32(p))); old != p {
		log.Tracef("worker %s: %v -> %v", w.config.ID, old, p)
	}
}

func (w *Worker) Run(ctx context.Context) (WorkerStats, error) {
	w.metrics = newMetricsEmitter(w.config.MetricsHandler, 0)
	defer w.metrics.close()
	w.stats.Started = time.Now()
	log.Infof("worker %s started, wait time: %v, max idle polls: %d", w.config.ID, w.config.WaitTime, w.config.MaxIdlePolls)

	var pendingFlush <-chan error
	idle := 0
	for {
		w.setPhase(WorkerReady)
		pullStart := time.Now()
		task, ok, err := w.broker.DequeueTask(ctx, w.config.WaitTime)
		if err != nil {
			return w.stop(pendingFlush, WorkerFailed, err)
		}
		if !ok {
			idle++
			w.stats.IdlePolls++
			w.setPhase(WorkerIdle)
			w.metrics.emit(Metric{
				StartTime:   pullStart,
				ExecuteTime: pullStart,
				EndTime:     time.Now(),
				Count:       idle,
				Operation:   IdlePollOperation,
				WorkerID:    w.config.ID,
			})
			log.Debugf("worker %s idle poll %d of %d", w.config.ID, idle, w.config.MaxIdlePolls)
			if idle == w.config.FlushOnIdlePolls && w.config.TelemetryDir != "" && idle < w.config.MaxIdlePolls {
				pendingFlush = w.config.Telemetry.FlushAsync(w.config.TelemetryDir)
			}
			if idle >= w.config.MaxIdlePolls {
				w.setPhase(WorkerDraining)
				log.Infof("worker %s reached %d idle polls, shutting down", w.config.ID, idle)
				return w.stop(pendingFlush, WorkerTerminated, nil)
			}
			continue
		}

		idle = 0
		w.setPhase(WorkerProcessing)
		result, err := w.Execute(ctx, task, pullStart)
		if err == nil {
			err = w.storeResult(ctx, result)
		}
		if err == nil {
			w.stats.Processed++
			continue
		}
		var opErr *OperatorError
		if errors.As(err, &opErr) {
			if w.config.ErrorHandler(task.ID, opErr.Err) == CompleteAndContinue {
				w.stats.Failed++
				continue
			}
		}
		return w.stop(pendingFlush, WorkerFailed, err)
	}
}

func (w *Worker) stop(pendingFlush <-chan error, phase WorkerPhase, err error) (WorkerStats, error) {
	if pendingFlush != nil {
		if ferr := <-pendingFlush; ferr != nil {
			log.Warnf("worker %s early telemetry flush failed: %v", w.config.ID, ferr)
		}
	}
	if w.config.TelemetryDir != "" {
		if ferr := w.config.Telemetry.Flush(w.config.TelemetryDir); ferr != nil {
			log.Errorf("worker %s telemetry flush failed: %v", w.config.ID, ferr)
		}
	}
	w.stats.Stopped = time.Now()
	w.setPhase(phase)
	if err != nil {
		log.Errorf("worker %s stopped after %d tasks: %v", w.config.ID, w.stats.Processed, err)
	} else {
		log.Infof("worker %s terminated after %d tasks", w.config.ID, w.stats.Processed)
	}
	return w.stats, err
}

/*
Execute fetches the blocks of `task` and runs the operator. `pullStart` is when the worker
started waiting for the task. The returned Result has not been stored.
A missing block is returned as a *BlockNotFoundError, an operator failure as an *OperatorError.
*/
func (w *Worker) Execute(ctx context.Context, task Task, pullStart time.Time) (Result, error) {
	tel := w.config.Telemetry
	tel.MarkAt(PullStart, string(task.ID), pullStart)
	received := time.Now()
	payloads, err := w.broker.GetBlocks(ctx, task.Blocks)
	if err != nil {
		var bnf *BlockNotFoundError
		if errors.As(err, &bnf) {
			bnf.TaskID = task.ID
		}
		return Result{}, err
	}
	pullEnd := time.Now()
	tel.MarkAt(PullEnd, string(task.ID), pullEnd)
	w.metrics.emit(Metric{
		StartTime:   pullStart,
		ExecuteTime: received,
		EndTime:     pullEnd,
		Count:       len(payloads),
		Bytes:       payloadBytes(payloads),
		Operation:   PullOperation,
		WorkerID:    w.config.ID,
		TaskID:      task.ID,
	})

	out, err := w.op(ctx, payloads)
	processed := time.Now()
	if err != nil {
		w.metrics.emit(Metric{
			StartTime:   pullEnd,
			ExecuteTime: pullEnd,
			EndTime:     processed,
			Operation:   OperatorErrOperation,
			WorkerID:    w.config.ID,
			TaskID:      task.ID,
		})
		return Result{}, &OperatorError{TaskID: task.ID, Err: err}
	}
	tel.MarkAt(ProcessingEnd, string(task.ID), processed)
	w.metrics.emit(Metric{
		StartTime:   pullEnd,
		ExecuteTime: pullEnd,
		EndTime:     processed,
		Count:       1,
		Bytes:       len(out),
		Operation:   ProcessOperation,
		WorkerID:    w.config.ID,
		TaskID:      task.ID,
	})
	return Result{TaskID: task.ID, Payload: out}, nil
}

func (w *Worker) storeResult(ctx context.Context, result Result) error {
	start := time.Now()
	if err := w.broker.PutResult(ctx, result.TaskID, result.Payload); err != nil {
		return err
	}
	end := time.Now()
	w.config.Telemetry.MarkAt(ResultPutEnd, string(result.TaskID), end)
	w.metrics.emit(Metric{
		StartTime:   start,
		ExecuteTime: start,
		EndTime:     end,
		Count:       1,
		Bytes:       len(result.Payload),
		Operation:   ResultPutOperation,
		WorkerID:    w.config.ID,
		TaskID:      result.TaskID,
	})
	return nil
}
