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

	"github.com/deduce-dev/dacman-stream/streams/sak"
	"golang.org/x/time/rate"
)

const (
	DefaultWindowSize    = 2
	DefaultAdmissionPoll = 100 * time.Millisecond
)

type SourceConfig struct {
	// Namespace used to derive window keys. Must match the Broker's namespace.
	Namespace Namespace `yaml:"namespace"`
	// The name of the grouping field, e.g. "datetime". A non-empty WindowName enables windowed mode.
	WindowName string `yaml:"windowKey"`
	// The number of blocks that complete a window. Defaults to 2.
	WindowSize int `yaml:"windowSize"`
	/*
		Admission control. When HighWatermark > 0 and the task queue holds at least HighWatermark tasks,
		the Source stops publishing until the queue length drops to LowWatermark or below.
		LowWatermark defaults to HighWatermark/2.
	*/
	HighWatermark int `yaml:"highWatermark"`
	LowWatermark  int `yaml:"lowWatermark"`
	// How often QueueLength is polled while admission is paused. Defaults to 100ms.
	AdmissionPoll time.Duration `yaml:"admissionPoll"`
	// Caps the rate at which dataset Items are published. Zero means unlimited.
	MaxItemsPerSecond float64 `yaml:"maxItemsPerSecond"`
	// If set, telemetry is flushed here once the dataset is exhausted.
	TelemetryDir string `yaml:"statsDir"`
	// Records block and task send timestamps. May be nil.
	Telemetry *Telemetry `yaml:"-"`
	// If non-nil, the Source will emit [Metric] objects. This is backed by a channel. If the channel is full
	// the Source will drop the metric and log at WARN level to prevent slowing the stream down.
	MetricsHandler MetricsHandler `yaml:"-"`
	// Invoked after every successful EnqueueTask.
	OnTaskEnqueued func(TaskID) `yaml:"-"`
}

func (sc SourceConfig) Windowed() bool {
	return sc.WindowName != ""
}

func (sc SourceConfig) withDefaults() SourceConfig {
	if sc.WindowSize <= 0 {
		sc.WindowSize = DefaultWindowSize
	}
	if sc.HighWatermark > 0 && (sc.LowWatermark <= 0 || sc.LowWatermark >= sc.HighWatermark) {
		sc.LowWatermark = sc.HighWatermark / 2
	}
	if sc.AdmissionPoll <= 0 {
		sc.AdmissionPoll = DefaultAdmissionPoll
	}
	return sc
}

func (sc SourceConfig) Validate() error {
	if sc.WindowSize < 0 {
		return fmt.Errorf("%w: window size %d", ErrInvalidConfig, sc.WindowSize)
	}
	if sc.HighWatermark < 0 || sc.LowWatermark < 0 {
		return fmt.Errorf("%w: negative watermark", ErrInvalidConfig)
	}
	if sc.MaxItemsPerSecond < 0 {
		return fmt.Errorf("%w: negative rate %f", ErrInvalidConfig, sc.MaxItemsPerSecond)
	}
	return nil
}

type SourceStats struct {
	Items  int
	Blocks int
	Tasks  int
	// Windows that never reached WindowSize before the dataset was exhausted.
	DroppedWindows int
	// Drains lost to another producer, or windows that were already drained.
	LostDrains int
	// Time spent paused by admission control.
	Throttled time.Duration
}

/*
Source turns a DatasetIterator into Tasks on a Broker.

Unwindowed, every Item becomes one Task: its payloads are stored with PutBlocks, then enqueued.
Windowed, every payload is stored with PutBlock and appended to the window for the Item's Key;
the append that brings a window to WindowSize drains it into a Task. Windows that never fill are
dropped at the end of the stream.
*/
type Source struct {
	broker  Broker
	config  SourceConfig
	limiter *rate.Limiter
	metrics *metricsEmitter
	// windows this Source appended to and has not seen drained, with their last known length
	open  map[WindowKey]int
	stats SourceStats
	// replaces Broker.EnqueueTask when tasks are handed to a Coordinator instead of the queue
	emit func(context.Context, []BlockID) (TaskID, error)
}

func NewSource(broker Broker, config SourceConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	s := &Source{
		broker: broker,
		config: config,
		open:   make(map[WindowKey]int),
	}
	if config.MaxItemsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.MaxItemsPerSecond), 1)
	}
	return s, nil
}

func (s *Source) Config() SourceConfig {
	return s.config
}

// Stream consumes `it` until io.EOF. Broker failures are fatal and returned immediately.
func (s *Source) Stream(ctx context.Context, it DatasetIterator) (SourceStats, error) {
	s.metrics = newMetricsEmitter(s.config.MetricsHandler, 0)
	defer s.metrics.close()
	for {
		item, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.stats, fmt.Errorf("dataset: %w", err)
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return s.stats, err
			}
		}
		if err := s.admit(ctx); err != nil {
			return s.stats, err
		}
		if s.config.Windowed() {
			err = s.publishWindowed(ctx, item)
		} else if len(item.Payloads) == 0 {
			err = fmt.Errorf("dataset: item %d has no payloads: %w", s.stats.Items, ErrMalformedTask)
		} else {
			err = s.publish(ctx, item.Payloads)
		}
		if err != nil {
			return s.stats, err
		}
		s.stats.Items++
	}
	for key, n := range s.open {
		if n < s.config.WindowSize {
			s.stats.DroppedWindows++
			log.Debugf("dropping incomplete window %s with %d of %d blocks", key, n, s.config.WindowSize)
		}
	}
	if s.stats.DroppedWindows > 0 {
		log.Infof("%d incomplete windows dropped at end of stream", s.stats.DroppedWindows)
	}
	log.Infof("stream exhausted: %d items, %d blocks, %d tasks", s.stats.Items, s.stats.Blocks, s.stats.Tasks)
	if s.config.TelemetryDir != "" {
		if err := s.config.Telemetry.Flush(s.config.TelemetryDir); err != nil {
			log.Errorf("telemetry flush failed: %v", err)
		}
	}
	return s.stats, nil
}

func (s *Source) admit(ctx context.Context) error {
	if s.config.HighWatermark <= 0 {
		return nil
	}
	n, err := s.broker.QueueLength(ctx)
	if err != nil {
		return err
	}
	if n < s.config.HighWatermark {
		return nil
	}
	start := time.Now()
	log.Debugf("queue length %d reached high watermark %d, pausing", n, s.config.HighWatermark)
	rs := sak.NewRunStatus(ctx)
	defer rs.Halt()
	for n > s.config.LowWatermark {
		if !rs.Sleep(s.config.AdmissionPoll) {
			return ctx.Err()
		}
		if n, err = s.broker.QueueLength(ctx); err != nil {
			return err
		}
	}
	end := time.Now()
	s.stats.Throttled += end.Sub(start)
	s.metrics.emit(Metric{
		StartTime:   start,
		ExecuteTime: start,
		EndTime:     end,
		Count:       n,
		Operation:   AdmissionOperation,
	})
	log.Debugf("queue length %d at or below low watermark %d, resuming", n, s.config.LowWatermark)
	return nil
}

func payloadBytes(payloads [][]byte) (n int) {
	for _, p := range payloads {
		n += len(p)
	}
	return
}

func (s *Source) publish(ctx context.Context, payloads [][]byte) error {
	start := time.Now()
	ids, err := s.broker.PutBlocks(ctx, payloads)
	if err != nil {
		return err
	}
	end := time.Now()
	for _, id := range ids {
		s.config.Telemetry.MarkAt(BlockSendStart, string(id), start)
		s.config.Telemetry.MarkAt(BlockSendEnd, string(id), end)
	}
	s.stats.Blocks += len(ids)
	s.metrics.emit(Metric{
		StartTime:   start,
		ExecuteTime: start,
		EndTime:     end,
		Count:       len(ids),
		Bytes:       payloadBytes(payloads),
		Operation:   BlockSendOperation,
	})
	return s.enqueue(ctx, ids)
}

func (s *Source) publishWindowed(ctx context.Context, item Item) error {
	key := s.config.Namespace.WindowKey(s.config.WindowName, item.Key)
	for _, payload := range item.Payloads {
		start := time.Now()
		id, err := s.broker.PutBlock(ctx, payload)
		if err != nil {
			return err
		}
		end := time.Now()
		s.config.Telemetry.MarkAt(BlockSendStart, string(id), start)
		s.config.Telemetry.MarkAt(BlockSendEnd, string(id), end)
		s.stats.Blocks++
		s.metrics.emit(Metric{
			StartTime:   start,
			ExecuteTime: start,
			EndTime:     end,
			Count:       1,
			Bytes:       len(payload),
			Operation:   BlockSendOperation,
		})

		n, err := s.broker.WindowAppend(ctx, key, id)
		if err != nil {
			return err
		}
		switch {
		case n < s.config.WindowSize:
			s.open[key] = n
		case n == s.config.WindowSize:
			delete(s.open, key)
			ids, err := s.broker.WindowDrain(ctx, key, s.config.WindowSize)
			if errors.Is(err, ErrWindowDrained) {
				s.stats.LostDrains++
				log.Warnf("window %s was already drained", key)
				continue
			}
			if err != nil {
				return err
			}
			if err := s.enqueue(ctx, ids); err != nil {
				return err
			}
		default:
			delete(s.open, key)
			log.Debugf("block %s arrived after window %s filled (length %d), ignoring", id, key, n)
		}
	}
	return nil
}

func (s *Source) enqueue(ctx context.Context, ids []BlockID) error {
	start := time.Now()
	var taskID TaskID
	var err error
	if s.emit != nil {
		taskID, err = s.emit(ctx, ids)
	} else {
		taskID, err = s.broker.EnqueueTask(ctx, ids)
	}
	if err != nil {
		return err
	}
	end := time.Now()
	s.config.Telemetry.MarkAt(TaskSendStart, string(taskID), start)
	s.config.Telemetry.MarkAt(TaskSendEnd, string(taskID), end)
	s.stats.Tasks++
	s.metrics.emit(Metric{
		StartTime:   start,
		ExecuteTime: start,
		EndTime:     end,
		Count:       len(ids),
		Operation:   TaskSendOperation,
		TaskID:      taskID,
	})
	log.Tracef("enqueued %s with %d blocks", taskID, len(ids))
	if s.config.OnTaskEnqueued != nil {
		s.config.OnTaskEnqueued(taskID)
	}
	return nil
}

// WaitForDrain polls QueueLength every `poll` until the task queue is empty.
func (s *Source) WaitForDrain(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = s.config.AdmissionPoll
	}
	rs := sak.NewRunStatus(ctx)
	defer rs.Halt()
	for {
		n, err := s.broker.QueueLength(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		log.Debugf("waiting for %d queued tasks to be consumed", n)
		if !rs.Sleep(poll) {
			return ctx.Err()
		}
	}
}
