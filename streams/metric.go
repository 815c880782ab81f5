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
	"sync"
	"sync/atomic"
	"time"
)

const (
	BlockSendOperation   = "BlockSend"
	TaskSendOperation    = "TaskSend"
	PullOperation        = "Pull"
	ProcessOperation     = "Process"
	ResultPutOperation   = "ResultPut"
	IdlePollOperation    = "IdlePoll"
	AdmissionOperation   = "AdmissionWait"
	OperatorErrOperation = "OperatorError"
)

type MetricsHandler func(Metric)

// Metric describes one timed operation. For a Pull, StartTime is when DequeueTask was called,
// ExecuteTime when the task was received and EndTime when its blocks were fetched.
type Metric struct {
	StartTime   time.Time
	ExecuteTime time.Time
	EndTime     time.Time
	Count       int
	Bytes       int
	Operation   string
	WorkerID    string
	TaskID      TaskID
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

func (m Metric) Linger() time.Duration {
	return m.ExecuteTime.Sub(m.StartTime)
}

func (m Metric) ExecuteDuration() time.Duration {
	return m.EndTime.Sub(m.ExecuteTime)
}

const defaultMetricsBuffer = 1024

// metricsEmitter delivers Metrics to a MetricsHandler on its own goroutine so a slow handler
// never stalls a worker. Metrics are dropped when the buffer is full.
type metricsEmitter struct {
	handler MetricsHandler
	queue   chan Metric
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newMetricsEmitter(handler MetricsHandler, size int) *metricsEmitter {
	if handler == nil {
		return nil
	}
	if size <= 0 {
		size = defaultMetricsBuffer
	}
	me := &metricsEmitter{
		handler: handler,
		queue:   make(chan Metric, size),
		done:    make(chan struct{}),
	}
	go me.run()
	return me
}

func (me *metricsEmitter) run() {
	defer close(me.done)
	for m := range me.queue {
		me.handler(m)
	}
}

func (me *metricsEmitter) emit(m Metric) {
	if me == nil {
		return
	}
	select {
	case me.queue <- m:
	default:
		if n := me.dropped.Add(1); n%defaultMetricsBuffer == 1 {
			log.Warnf("metrics buffer full, dropped %d metrics", n)
		}
	}
}

// close drains pending metrics.
func (me *metricsEmitter) close() {
	if me == nil {
		return
	}
	me.once.Do(func() {
		close(me.queue)
		<-me.done
	})
}
