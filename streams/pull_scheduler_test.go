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
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestPullSchedulerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for 3 one second idle polls")
	}
	ctx := context.Background()
	broker := NewMemoryBroker("e2e")
	defer broker.Close()

	pairs := [][2][]byte{}
	expected := []int{}
	for i := 0; i < 5; i++ {
		a := []byte(strings.Repeat("a", i))
		b := []byte(strings.Repeat("b", 2*i+1))
		pairs = append(pairs, [2][]byte{a, b})
		expected = append(expected, len(b)-len(a))
	}
	src, _ := NewSource(broker, SourceConfig{})
	if _, err := src.Stream(ctx, Pairs(pairs...)); err != nil {
		t.Fatal(err)
	}
	ledger, _ := broker.Ledger(ctx)

	stats, err := PullScheduler{
		Workers: 2,
		Config:  WorkerConfig{WaitTime: time.Second, MaxIdlePolls: 3},
	}.Run(ctx, broker, lenDiff)
	if err != nil {
		t.Fatal(err)
	}
	processed := 0
	for _, s := range stats {
		processed += s.Processed
	}
	if processed != 5 {
		t.Errorf("incorrect processed count. expected: %d, actual: %d", 5, processed)
	}
	for i, id := range ledger {
		payload, ok, err := broker.GetResult(ctx, id)
		if err != nil || !ok {
			t.Fatalf("missing result for %s: %v", id, err)
		}
		if v, _ := strconv.Atoi(string(payload)); v != expected[i] {
			t.Errorf("incorrect result for pair %d. expected: %d, actual: %s", i, expected[i], payload)
		}
	}
}

func TestPullSchedulerDeliversEachTaskOnce(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker("")
	defer broker.Close()
	const tasks = 50
	for i := 0; i < tasks; i++ {
		enqueuePair(t, broker, strconv.Itoa(i), "x")
	}
	seen := make(chan string, tasks*2)
	echo := func(_ context.Context, payloads [][]byte) ([]byte, error) {
		seen <- string(payloads[0])
		return payloads[0], nil
	}
	stats, err := PullScheduler{
		Workers: 4,
		Config:  WorkerConfig{ID: "pool", WaitTime: 20 * time.Millisecond, MaxIdlePolls: 2},
	}.Run(ctx, broker, echo)
	if err != nil {
		t.Fatal(err)
	}
	close(seen)
	counts := make(map[string]int)
	for s := range seen {
		counts[s]++
	}
	if len(counts) != tasks {
		t.Errorf("incorrect distinct task count. expected: %d, actual: %d", tasks, len(counts))
	}
	for k, n := range counts {
		if n != 1 {
			t.Errorf("task %s processed %d times", k, n)
		}
	}
	ids := make(map[string]bool)
	for _, s := range stats {
		ids[s.WorkerID] = true
	}
	if len(ids) != 4 || !ids["pool-0"] || !ids["pool-3"] {
		t.Errorf("unexpected worker ids: %v", ids)
	}
}

func TestPullSchedulerFailsFast(t *testing.T) {
	broker := NewMemoryBroker("")
	defer broker.Close()
	enqueuePair(t, broker, "", "x")
	start := time.Now()
	_, err := PullScheduler{
		Workers: 3,
		Config:  WorkerConfig{WaitTime: time.Minute, MaxIdlePolls: 10},
	}.Run(context.Background(), broker, failingOperator)
	if !errors.Is(err, ErrOperatorFailed) {
		t.Errorf("expected ErrOperatorFailed, got: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("a fatal worker should cancel its peers")
	}
}
