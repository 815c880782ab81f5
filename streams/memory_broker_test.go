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

package streams_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) streams.Broker {
		return streams.NewMemoryBroker(streams.Namespace(t.Name()))
	})
}

func TestMemoryBrokerCloseWakesDequeue(t *testing.T) {
	broker := streams.NewMemoryBroker("")
	done := make(chan error, 1)
	go func() {
		_, _, err := broker.DequeueTask(context.Background(), time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	broker.Close()
	select {
	case err := <-done:
		if !errors.Is(err, streams.ErrBrokerUnavailable) {
			t.Errorf("expected ErrBrokerUnavailable, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Errorf("Close did not wake a blocked dequeue")
	}
}

func TestMemoryBrokerDequeueContext(t *testing.T) {
	broker := streams.NewMemoryBroker("")
	defer broker.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := broker.DequeueTask(ctx, time.Minute)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got ok: %v, err: %v", ok, err)
	}
}

func TestMemoryBrokerNonBlockingPoll(t *testing.T) {
	broker := streams.NewMemoryBroker("")
	defer broker.Close()
	start := time.Now()
	if _, ok, err := broker.DequeueTask(context.Background(), 0); ok || err != nil {
		t.Errorf("expected an empty poll, got ok: %v, err: %v", ok, err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("zero timeout should not block")
	}
}
