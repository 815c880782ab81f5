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
	"strconv"
	"sync"
	"testing"
	"time"
)

type scriptedEndpoint struct {
	WorkerEndpoint
	ctx context.Context
}

func (se scriptedEndpoint) send(tag MessageTag, result *Result) error {
	return se.Send(se.ctx, Message{Tag: tag, Result: result})
}

func (se scriptedEndpoint) expect(tag MessageTag) (Message, error) {
	msg, err := se.Recv(se.ctx)
	if err != nil {
		return msg, err
	}
	if msg.Tag != tag {
		return msg, fmt.Errorf("expected %v, got %v", tag, msg.Tag)
	}
	return msg, nil
}

// runs one START/DONE exchange and returns the assigned task id
func (se scriptedEndpoint) work() (TaskID, error) {
	if err := se.send(TagReady, nil); err != nil {
		return "", err
	}
	msg, err := se.expect(TagStart)
	if err != nil {
		return "", err
	}
	return msg.Task.ID, se.send(TagDone, &Result{TaskID: msg.Task.ID, Payload: []byte("ok")})
}

func (se scriptedEndpoint) exit() error {
	if err := se.send(TagReady, nil); err != nil {
		return err
	}
	if _, err := se.expect(TagExit); err != nil {
		return err
	}
	return se.send(TagExit, nil)
}

func TestCoordinatorAssignsInReadyOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	transport := NewChannelTransport()
	w1 := scriptedEndpoint{transport.Endpoint("w1"), ctx}
	w2 := scriptedEndpoint{transport.Endpoint("w2"), ctx}
	t1 := Task{ID: "task:1", Blocks: []BlockID{"datablock:1"}}
	t2 := Task{ID: "task:2", Blocks: []BlockID{"datablock:2"}}
	t3 := Task{ID: "task:3", Blocks: []BlockID{"datablock:3"}}

	var results []TaskID
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Workers: 2,
		OnResult: func(_ string, r Result, _ string) {
			results = append(results, r.TaskID)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	scriptErr := make(chan error, 1)
	go func() {
		var got []TaskID
		for _, step := range []scriptedEndpoint{w1, w1, w2} {
			id, err := step.work()
			if err != nil {
				scriptErr <- err
				return
			}
			got = append(got, id)
		}
		if got[0] != t1.ID || got[1] != t2.ID || got[2] != t3.ID {
			scriptErr <- fmt.Errorf("unexpected assignment order: %v", got)
			return
		}
		if err := w1.exit(); err != nil {
			scriptErr <- err
			return
		}
		scriptErr <- w2.exit()
	}()

	stats, err := coordinator.Run(ctx, StaticFeed(t1, t2, t3), transport)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-scriptErr; err != nil {
		t.Fatal(err)
	}
	if stats.Done != 3 || stats.Exits != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if fmt.Sprint(stats.Assigned["w1"]) != fmt.Sprint([]TaskID{t1.ID, t2.ID}) {
		t.Errorf("incorrect w1 assignments: %v", stats.Assigned["w1"])
	}
	if fmt.Sprint(stats.Assigned["w2"]) != fmt.Sprint([]TaskID{t3.ID}) {
		t.Errorf("incorrect w2 assignments: %v", stats.Assigned["w2"])
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results, got: %v", results)
	}
}

func TestPushWorkersWithStreamFeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := NewMemoryBroker("push")
	defer broker.Close()

	var pairs [][2][]byte
	for i := 0; i < 5; i++ {
		pairs = append(pairs, [2][]byte{make([]byte, i), make([]byte, 3*i)})
	}
	feed, err := NewStreamFeed(ctx, broker, SourceConfig{}, Pairs(pairs...))
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	results := make(map[TaskID]string)
	coordinator, _ := NewCoordinator(CoordinatorConfig{
		Workers:      2,
		StoreResults: true,
		Broker:       broker,
		OnResult: func(_ string, r Result, _ string) {
			mu.Lock()
			results[r.TaskID] = string(r.Payload)
			mu.Unlock()
		},
	})

	transport := NewChannelTransport()
	var wg sync.WaitGroup
	workerStats := make([]WorkerStats, 2)
	workerErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("w%d", i)
		pw := NewPushWorker(broker, lenDiff, WorkerConfig{ID: id}, transport.Endpoint(id))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workerStats[i], workerErrs[i] = pw.Run(ctx)
		}(i)
	}
	stats, err := coordinator.Run(ctx, feed, transport)
	if err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	for i, err := range workerErrs {
		if err != nil {
			t.Errorf("worker %d failed: %v", i, err)
		}
	}
	if stats.Done != 5 || stats.Exits != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if feed.Stats().Tasks != 5 {
		t.Errorf("feed should report 5 tasks: %+v", feed.Stats())
	}
	if workerStats[0].Processed+workerStats[1].Processed != 5 {
		t.Errorf("workers processed %d tasks", workerStats[0].Processed+workerStats[1].Processed)
	}
	sum := 0
	for id, payload := range results {
		stored, ok, _ := broker.GetResult(ctx, id)
		if !ok || string(stored) != payload {
			t.Errorf("result for %s not stored", id)
		}
		v, _ := strconv.Atoi(payload)
		sum += v
	}
	if sum != 2*(0+1+2+3+4) {
		t.Errorf("incorrect sum of results: %d", sum)
	}
}

func TestPushWorkerFatalSendsExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	broker := NewMemoryBroker("")
	defer broker.Close()
	ids, _ := broker.PutBlocks(ctx, [][]byte{{}, {1}})
	transport := NewChannelTransport()
	pw := NewPushWorker(broker, failingOperator, WorkerConfig{ID: "w"}, transport.Endpoint("w"))
	errc := make(chan error, 1)
	go func() {
		_, err := pw.Run(ctx)
		errc <- err
	}()
	coordinator, _ := NewCoordinator(CoordinatorConfig{Workers: 1})
	stats, err := coordinator.Run(ctx, StaticFeed(Task{ID: "task:bad", Blocks: ids}), transport)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Exits != 1 || stats.Done != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if err := <-errc; !errors.Is(err, ErrOperatorFailed) {
		t.Errorf("expected ErrOperatorFailed, got: %v", err)
	}
	if pw.State() != WorkerFailed {
		t.Errorf("incorrect state: %v", pw.State())
	}
}

func TestCoordinatorConfigValidation(t *testing.T) {
	if _, err := NewCoordinator(CoordinatorConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got: %v", err)
	}
	if _, err := NewCoordinator(CoordinatorConfig{Workers: 1, StoreResults: true}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestIdleQueueFifo(t *testing.T) {
	var q idleQueue
	q.enqueue("w1")
	q.enqueue("w1")
	q.enqueue("w2")
	for _, expected := range []string{"w1", "w1", "w2"} {
		if id, ok := q.dequeue(); !ok || id != expected {
			t.Errorf("incorrect dequeue. expected: %s, actual: %s", expected, id)
		}
	}
	if _, ok := q.dequeue(); ok || q.len() != 0 {
		t.Errorf("queue should be empty")
	}
}
