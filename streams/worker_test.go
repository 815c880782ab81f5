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
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func lenDiff(_ context.Context, payloads [][]byte) ([]byte, error) {
	return []byte(strconv.Itoa(len(payloads[1]) - len(payloads[0]))), nil
}

var errBadFrame = errors.New("bad frame")

func failingOperator(_ context.Context, payloads [][]byte) ([]byte, error) {
	if len(payloads[0]) == 0 {
		return nil, errBadFrame
	}
	return payloads[0], nil
}

func enqueuePair(t *testing.T, broker Broker, a, b string) TaskID {
	t.Helper()
	ctx := context.Background()
	ids, err := broker.PutBlocks(ctx, [][]byte{[]byte(a), []byte(b)})
	if err != nil {
		t.Fatal(err)
	}
	id, err := broker.EnqueueTask(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// scriptedBroker answers DequeueTask from a script: an empty TaskID is an idle poll.
type scriptedBroker struct {
	*MemoryBroker
	mu     sync.Mutex
	script []TaskID
	tasks  map[TaskID]Task
}

func (sb *scriptedBroker) DequeueTask(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.script) == 0 {
		return Task{}, false, nil
	}
	next := sb.script[0]
	sb.script = sb.script[1:]
	if next == "" {
		return Task{}, false, nil
	}
	return sb.tasks[next], true, nil
}

func TestWorkerIdleShutdown(t *testing.T) {
	broker := NewMemoryBroker("")
	defer broker.Close()
	id := enqueuePair(t, broker, "a", "abc")
	w := NewWorker(broker, lenDiff, WorkerConfig{WaitTime: 20 * time.Millisecond, MaxIdlePolls: 3})
	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processed != 1 || stats.IdlePolls != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if w.State() != WorkerTerminated {
		t.Errorf("incorrect state. expected: %v, actual: %v", WorkerTerminated, w.State())
	}
	payload, ok, _ := broker.GetResult(context.Background(), id)
	if !ok || string(payload) != "2" {
		t.Errorf("incorrect result: %q, %v", payload, ok)
	}
}

func TestWorkerIdleCounterResets(t *testing.T) {
	mem := NewMemoryBroker("")
	defer mem.Close()
	ids, _ := mem.PutBlocks(context.Background(), [][]byte{[]byte("x"), []byte("xy")})
	task := Task{ID: NewTaskID(), Blocks: ids}
	broker := &scriptedBroker{
		MemoryBroker: mem,
		script:       []TaskID{"", "", task.ID},
		tasks:        map[TaskID]Task{task.ID: task},
	}
	w := NewWorker(broker, lenDiff, WorkerConfig{WaitTime: time.Millisecond, MaxIdlePolls: 3})
	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.IdlePolls != 5 {
		t.Errorf("idle counter should reset after a task. expected %d idle polls, actual: %d", 5, stats.IdlePolls)
	}
	if stats.Processed != 1 {
		t.Errorf("incorrect processed count: %d", stats.Processed)
	}
}

func TestWorkerOperatorErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker("")
	defer broker.Close()
	bad := enqueuePair(t, broker, "", "x")
	enqueuePair(t, broker, "y", "z")
	w := NewWorker(broker, failingOperator, WorkerConfig{WaitTime: 10 * time.Millisecond, MaxIdlePolls: 1})
	_, err := w.Run(ctx)

	var opErr *OperatorError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperatorError, got: %v", err)
	}
	if opErr.TaskID != bad || !errors.Is(err, ErrOperatorFailed) || !errors.Is(err, errBadFrame) {
		t.Errorf("unexpected operator error: %v", opErr)
	}
	if w.State() != WorkerFailed {
		t.Errorf("incorrect state. expected: %v, actual: %v", WorkerFailed, w.State())
	}
	if _, ok, _ := broker.GetResult(ctx, bad); ok {
		t.Errorf("failed task should not have a result")
	}
	if n, _ := broker.QueueLength(ctx); n != 1 {
		t.Errorf("worker should stop before taking the next task, queue length: %d", n)
	}
}

func TestWorkerContinueOnOperatorError(t *testing.T) {
	broker := NewMemoryBroker("")
	defer broker.Close()
	enqueuePair(t, broker, "", "x")
	good := enqueuePair(t, broker, "y", "z")
	w := NewWorker(broker, failingOperator, WorkerConfig{
		WaitTime:     10 * time.Millisecond,
		MaxIdlePolls: 1,
		ErrorHandler: ContinueOnOperatorError,
	})
	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Processed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if payload, ok, _ := broker.GetResult(context.Background(), good); !ok || string(payload) != "y" {
		t.Errorf("incorrect result for surviving task: %q", payload)
	}
}

func TestWorkerMissingBlockIsFatal(t *testing.T) {
	broker := NewMemoryBroker("")
	defer broker.Close()
	id, _ := broker.EnqueueTask(context.Background(), []BlockID{"datablock:gone"})
	w := NewWorker(broker, lenDiff, WorkerConfig{WaitTime: 10 * time.Millisecond})
	_, err := w.Run(context.Background())
	var bnf *BlockNotFoundError
	if !errors.As(err, &bnf) || !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected *BlockNotFoundError, got: %v", err)
	}
	if bnf.TaskID != id {
		t.Errorf("error should name the task. expected: %s, actual: %s", id, bnf.TaskID)
	}
}

func TestWorkerFlushesTelemetryOnIdle(t *testing.T) {
	dir := t.TempDir()
	broker := NewMemoryBroker("")
	defer broker.Close()
	id := enqueuePair(t, broker, "a", "b")
	tel := NewTelemetry("worker")
	w := NewWorker(broker, lenDiff, WorkerConfig{
		WaitTime:         5 * time.Millisecond,
		MaxIdlePolls:     3,
		FlushOnIdlePolls: 1,
		TelemetryDir:     dir,
		Telemetry:        tel,
	})
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tel.Flushes() != 1 {
		t.Errorf("expected a single early flush, flushes: %d", tel.Flushes())
	}
	for _, stage := range []Stage{PullStart, PullEnd, ProcessingEnd, ResultPutEnd} {
		if _, ok := tel.Get(stage, string(id)); !ok {
			t.Errorf("missing %s for %s", stage, id)
		}
		files, _ := filepath.Glob(filepath.Join(dir, stage.String(), "*.csv"))
		if len(files) != 1 {
			t.Errorf("expected one %s file, found: %v", stage, files)
		}
	}
	pullStart, _ := tel.Get(PullStart, string(id))
	resultEnd, _ := tel.Get(ResultPutEnd, string(id))
	if resultEnd.Before(pullStart) {
		t.Errorf("stage timestamps out of order")
	}
	if _, err := os.Stat(filepath.Join(dir, TaskSendStart.String())); !os.IsNotExist(err) {
		t.Errorf("worker should not write source stages")
	}
}

func TestWorkerMetrics(t *testing.T) {
	broker := NewMemoryBroker("")
	defer broker.Close()
	enqueuePair(t, broker, "a", "b")
	var mu sync.Mutex
	ops := make(map[string]int)
	w := NewWorker(broker, lenDiff, WorkerConfig{
		ID:           "w-metrics",
		WaitTime:     5 * time.Millisecond,
		MaxIdlePolls: 2,
		MetricsHandler: func(m Metric) {
			mu.Lock()
			ops[m.Operation]++
			mu.Unlock()
			if m.WorkerID != "w-metrics" {
				t.Errorf("metric without worker id: %+v", m)
			}
		},
	})
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	for op, expected := range map[string]int{PullOperation: 1, ProcessOperation: 1, ResultPutOperation: 1, IdlePollOperation: 2} {
		if ops[op] != expected {
			t.Errorf("incorrect %s metric count. expected: %d, actual: %d", op, expected, ops[op])
		}
	}
}
