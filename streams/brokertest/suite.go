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

// Package brokertest holds the behavioural checks every streams.Broker implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty Broker. Each call must use an isolated namespace.
type Factory func(t *testing.T) streams.Broker

// Run executes the full suite against brokers produced by `newBroker`.
func Run(t *testing.T, newBroker Factory) {
	cases := []struct {
		name string
		fn   func(*testing.T, streams.Broker)
	}{
		{"BlocksRoundTrip", testBlocksRoundTrip},
		{"MissingBlock", testMissingBlock},
		{"WindowDrainOnce", testWindowDrainOnce},
		{"WindowDrainTooSmall", testWindowDrainTooSmall},
		{"QueueFifoAndLedger", testQueueFifoAndLedger},
		{"DequeueTimeout", testDequeueTimeout},
		{"ResultLastWriteWins", testResultLastWriteWins},
		{"ConcurrentDequeue", testConcurrentDequeue},
		{"ConcurrentDrain", testConcurrentDrain},
		{"EmptyTaskRejected", testEmptyTaskRejected},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			broker := newBroker(t)
			defer broker.Close()
			c.fn(t, broker)
		})
	}
}

func testBlocksRoundTrip(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	payloads := [][]byte{[]byte("frame-0"), {}, {0, 1, 2, 255}}
	ids, err := broker.PutBlocks(ctx, payloads)
	require.NoError(t, err)
	require.Len(t, ids, len(payloads))

	single, err := broker.PutBlock(ctx, []byte{})
	require.NoError(t, err)
	assert.NotContains(t, ids, single)

	got, err := broker.GetBlocks(ctx, append(ids, single))
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range payloads {
		assert.Equal(t, len(payloads[i]), len(got[i]), "payload %d length", i)
		assert.Equal(t, string(payloads[i]), string(got[i]), "payload %d", i)
	}
	assert.Empty(t, got[3])
}

func testMissingBlock(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	id, err := broker.PutBlock(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = broker.GetBlocks(ctx, []streams.BlockID{id, "datablock:missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, streams.ErrBlockNotFound), "expected ErrBlockNotFound, got %v", err)
	var bnf *streams.BlockNotFoundError
	require.True(t, errors.As(err, &bnf))
	assert.Equal(t, []streams.BlockID{"datablock:missing"}, bnf.Missing)
}

func testWindowDrainOnce(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	key := streams.WindowKey(fmt.Sprintf("window:test:%d", time.Now().UnixNano()))
	var ids []streams.BlockID
	for i := 1; i <= 3; i++ {
		id, err := broker.PutBlock(ctx, []byte{byte(i)})
		require.NoError(t, err)
		n, err := broker.WindowAppend(ctx, key, id)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		ids = append(ids, id)
	}
	drained, err := broker.WindowDrain(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, ids, drained)

	id, err := broker.PutBlock(ctx, []byte{4})
	require.NoError(t, err)
	n, err := broker.WindowAppend(ctx, key, id)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = broker.WindowDrain(ctx, key, 3)
	assert.ErrorIs(t, err, streams.ErrWindowDrained)
}

func testWindowDrainTooSmall(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	key := streams.WindowKey(fmt.Sprintf("window:small:%d", time.Now().UnixNano()))
	id, err := broker.PutBlock(ctx, nil)
	require.NoError(t, err)
	_, err = broker.WindowAppend(ctx, key, id)
	require.NoError(t, err)
	_, err = broker.WindowDrain(ctx, key, 2)
	assert.ErrorIs(t, err, streams.ErrWindowDrained)

	_, err = broker.WindowAppend(ctx, key, id)
	require.NoError(t, err)
	drained, err := broker.WindowDrain(ctx, key, 2)
	require.NoError(t, err)
	assert.Len(t, drained, 2)
}

func testQueueFifoAndLedger(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	var enqueued []streams.TaskID
	for i := 0; i < 5; i++ {
		ids, err := broker.PutBlocks(ctx, [][]byte{{byte(i)}, {byte(i + 1)}})
		require.NoError(t, err)
		id, err := broker.EnqueueTask(ctx, ids)
		require.NoError(t, err)
		enqueued = append(enqueued, id)
	}
	n, err := broker.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for i := 0; i < 5; i++ {
		task, ok, err := broker.DequeueTask(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, enqueued[i], task.ID)
		assert.Len(t, task.Blocks, 2)
		payloads, err := broker.GetBlocks(ctx, task.Blocks)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, payloads[0])
	}
	n, err = broker.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	ledger, err := broker.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueued, ledger)
}

func testEmptyTaskRejected(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	_, err := broker.EnqueueTask(ctx, nil)
	assert.ErrorIs(t, err, streams.ErrMalformedTask)
	n, err := broker.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	ledger, err := broker.Ledger(ctx)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func testDequeueTimeout(t *testing.T, broker streams.Broker) {
	start := time.Now()
	_, ok, err := broker.DequeueTask(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func testResultLastWriteWins(t *testing.T, broker streams.Broker) {
	ctx := context.Background()
	id := streams.NewTaskID()
	_, ok, err := broker.GetResult(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, broker.PutResult(ctx, id, []byte("1")))
	require.NoError(t, broker.PutResult(ctx, id, []byte("2")))
	payload, ok, err := broker.GetResult(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(payload))
}

func testConcurrentDequeue(t *testing.T, broker streams.Broker) {
	const tasks, workers = 40, 4
	ctx := context.Background()
	block, err := broker.PutBlock(ctx, []byte("x"))
	require.NoError(t, err)
	for i := 0; i < tasks; i++ {
		_, err := broker.EnqueueTask(ctx, []streams.BlockID{block})
		require.NoError(t, err)
	}
	var mu sync.Mutex
	seen := make(map[streams.TaskID]int)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok, err := broker.DequeueTask(ctx, 500*time.Millisecond)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s delivered %d times", id, n)
	}
}

func testConcurrentDrain(t *testing.T, broker streams.Broker) {
	const racers = 8
	ctx := context.Background()
	key := streams.WindowKey(fmt.Sprintf("window:race:%d", time.Now().UnixNano()))
	for i := 0; i < 2; i++ {
		id, err := broker.PutBlock(ctx, []byte{byte(i)})
		require.NoError(t, err)
		_, err = broker.WindowAppend(ctx, key, id)
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := broker.WindowDrain(ctx, key, 2); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
