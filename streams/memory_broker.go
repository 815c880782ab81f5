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
	"sync"
	"time"

	"github.com/deduce-dev/dacman-stream/streams/stores"
)

var errBrokerClosed = errors.New("broker closed")

/*
MemoryBroker is an in-process Broker. Sources and Workers running as goroutines of the
same process can share one instance; it is also the reference implementation the
network brokers are tested against. All operations hold a single mutex, which makes
WindowAppend/WindowDrain and EnqueueTask trivially atomic.

	broker := streams.NewMemoryBroker("")
	defer broker.Close()
*/
type MemoryBroker struct {
	mu      sync.Mutex
	ns      Namespace
	blocks  *stores.ShardedStore[[]byte]
	results *stores.ShardedStore[[]byte]
	windows map[WindowKey][]BlockID
	drained map[WindowKey]struct{}
	queue   []Task
	ledger  []TaskID
	// closed and replaced on every enqueue, waking all blocked dequeuers
	wake   chan struct{}
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(ns Namespace) *MemoryBroker {
	return &MemoryBroker{
		ns:      ns,
		blocks:  stores.NewShardedStore[[]byte](5),
		results: stores.NewShardedStore[[]byte](3),
		windows: make(map[WindowKey][]BlockID),
		drained: make(map[WindowKey]struct{}),
		wake:    make(chan struct{}),
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (mb *MemoryBroker) lock(op string) error {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return BrokerError(op, errBrokerClosed)
	}
	return nil
}

func (mb *MemoryBroker) PutBlock(ctx context.Context, payload []byte) (BlockID, error) {
	if err := mb.lock("put block"); err != nil {
		return "", err
	}
	defer mb.mu.Unlock()
	id := NewBlockID()
	mb.blocks.Put(string(id), clone(payload))
	return id, nil
}

func (mb *MemoryBroker) PutBlocks(ctx context.Context, payloads [][]byte) ([]BlockID, error) {
	if err := mb.lock("put blocks"); err != nil {
		return nil, err
	}
	defer mb.mu.Unlock()
	ids := make([]BlockID, len(payloads))
	for i, payload := range payloads {
		ids[i] = NewBlockID()
		mb.blocks.Put(string(ids[i]), clone(payload))
	}
	return ids, nil
}

func (mb *MemoryBroker) WindowAppend(ctx context.Context, key WindowKey, id BlockID) (int, error) {
	if err := mb.lock("window append"); err != nil {
		return 0, err
	}
	defer mb.mu.Unlock()
	mb.windows[key] = append(mb.windows[key], id)
	return len(mb.windows[key]), nil
}

func (mb *MemoryBroker) WindowDrain(ctx context.Context, key WindowKey, size int) ([]BlockID, error) {
	if err := mb.lock("window drain"); err != nil {
		return nil, err
	}
	defer mb.mu.Unlock()
	if _, ok := mb.drained[key]; ok {
		return nil, ErrWindowDrained
	}
	window := mb.windows[key]
	if size <= 0 || len(window) < size {
		return nil, ErrWindowDrained
	}
	mb.drained[key] = struct{}{}
	ids := make([]BlockID, size)
	copy(ids, window[:size])
	return ids, nil
}

func (mb *MemoryBroker) EnqueueTask(ctx context.Context, blocks []BlockID) (TaskID, error) {
	task := Task{ID: NewTaskID(), Blocks: append([]BlockID(nil), blocks...)}
	if err := ValidateTask(task); err != nil {
		return "", err
	}
	if err := mb.lock("enqueue task"); err != nil {
		return "", err
	}
	defer mb.mu.Unlock()
	mb.queue = append(mb.queue, task)
	mb.ledger = append(mb.ledger, task.ID)
	close(mb.wake)
	mb.wake = make(chan struct{})
	return task.ID, nil
}

// DequeueTask pops the oldest Task. A `timeout` <= 0 polls without blocking.
func (mb *MemoryBroker) DequeueTask(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		if err := mb.lock("dequeue task"); err != nil {
			return Task{}, false, err
		}
		if len(mb.queue) > 0 {
			task := mb.queue[0]
			mb.queue[0] = Task{}
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			return task, true, nil
		}
		wake := mb.wake
		mb.mu.Unlock()
		if deadline == nil {
			return Task{}, false, nil
		}
		select {
		case <-wake:
		case <-deadline:
			return Task{}, false, nil
		case <-ctx.Done():
			return Task{}, false, ctx.Err()
		}
	}
}

func (mb *MemoryBroker) GetBlocks(ctx context.Context, ids []BlockID) ([][]byte, error) {
	if err := mb.lock("get blocks"); err != nil {
		return nil, err
	}
	defer mb.mu.Unlock()
	payloads := make([][]byte, len(ids))
	var missing []BlockID
	for i, id := range ids {
		payload, ok := mb.blocks.Get(string(id))
		if !ok {
			missing = append(missing, id)
			continue
		}
		payloads[i] = clone(payload)
	}
	if len(missing) > 0 {
		return nil, &BlockNotFoundError{Missing: missing}
	}
	return payloads, nil
}

func (mb *MemoryBroker) PutResult(ctx context.Context, id TaskID, payload []byte) error {
	if err := mb.lock("put result"); err != nil {
		return err
	}
	defer mb.mu.Unlock()
	mb.results.Put(mb.ns.ResultKey(id), clone(payload))
	return nil
}

func (mb *MemoryBroker) GetResult(ctx context.Context, id TaskID) ([]byte, bool, error) {
	if err := mb.lock("get result"); err != nil {
		return nil, false, err
	}
	defer mb.mu.Unlock()
	payload, ok := mb.results.Get(mb.ns.ResultKey(id))
	if !ok {
		return nil, false, nil
	}
	return clone(payload), true, nil
}

func (mb *MemoryBroker) QueueLength(ctx context.Context) (int, error) {
	if err := mb.lock("queue length"); err != nil {
		return 0, err
	}
	defer mb.mu.Unlock()
	return len(mb.queue), nil
}

func (mb *MemoryBroker) Ledger(ctx context.Context) ([]TaskID, error) {
	if err := mb.lock("ledger"); err != nil {
		return nil, err
	}
	defer mb.mu.Unlock()
	return append([]TaskID(nil), mb.ledger...), nil
}

// Close wakes every blocked DequeueTask, which then fails with ErrBrokerUnavailable.
func (mb *MemoryBroker) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.wake)
	}
	return nil
}
