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
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
)

// Stage identifies one of the per-id timestamps recorded by a Telemetry.
type Stage int

const (
	BlockSendStart Stage = iota
	BlockSendEnd
	TaskSendStart
	TaskSendEnd
	PullStart
	PullEnd
	ProcessingEnd
	ResultPutEnd
	stageCount
)

var stageNames = [stageCount]string{
	"datablock_send_start",
	"datablock_send_end",
	"task_send_start",
	"task_send_end",
	"pull_start",
	"pull_end",
	"processing_end",
	"result_put_end",
}

// Stages lists every Stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, stageCount)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

// The directory and file prefix used for this stage.
func (s Stage) String() string {
	if s < 0 || s >= stageCount {
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
	return stageNames[s]
}

func ParseStage(name string) (Stage, bool) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), true
		}
	}
	return 0, false
}

type stamp struct {
	id string
	ts time.Time
}

func stampLess(a, b stamp) bool {
	return a.id < b.id
}

/*
Telemetry records stage timestamps keyed by TaskID or BlockID, in memory, for one process.
Nothing is written until Flush, which produces one CSV file per stage:

	<dir>/<stage>/<stage>_<host>_<process>.csv

with rows `id,unix_seconds`. Files of every Source and Worker process are joined offline by id
(see the report package). Flush rewrites the files with a full snapshot and is a no-op when
nothing was marked since the previous Flush. A nil *Telemetry is valid and records nothing.
*/
type Telemetry struct {
	mu      sync.Mutex
	flushMu sync.Mutex
	process string
	stages  [stageCount]*btree.BTreeG[stamp]
	dirty   bool
	flushes int
	now     func() time.Time
}

// NewTelemetry creates a Telemetry whose files are suffixed with `<host>_<process>`.
// An empty `process` uses the OS pid.
func NewTelemetry(process string) *Telemetry {
	if process == "" {
		process = strconv.Itoa(os.Getpid())
	}
	t := &Telemetry{process: process, now: time.Now}
	for i := range t.stages {
		t.stages[i] = btree.NewG(32, stampLess)
	}
	return t
}

// Mark records the current time for `id` at `stage`. A later Mark for the same id and stage replaces the first.
func (t *Telemetry) Mark(stage Stage, id string) {
	if t == nil {
		return
	}
	t.MarkAt(stage, id, t.now())
}

func (t *Telemetry) MarkAt(stage Stage, id string, ts time.Time) {
	if t == nil || stage < 0 || stage >= stageCount {
		return
	}
	t.mu.Lock()
	t.stages[stage].ReplaceOrInsert(stamp{id: id, ts: ts})
	t.dirty = true
	t.mu.Unlock()
}

// Get returns the recorded timestamp for `id` at `stage`.
func (t *Telemetry) Get(stage Stage, id string) (time.Time, bool) {
	if t == nil || stage < 0 || stage >= stageCount {
		return time.Time{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stages[stage].Get(stamp{id: id})
	return s.ts, ok
}

func (t *Telemetry) Len(stage Stage) int {
	if t == nil || stage < 0 || stage >= stageCount {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stages[stage].Len()
}

// Flushes reports how many times files were written.
func (t *Telemetry) Flushes() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

func (t *Telemetry) fileName(stage Stage) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s_%s_%s.csv", stage, host, t.process)
}

// Flush writes every non-empty stage under `dir`, replacing files written by an earlier Flush.
func (t *Telemetry) Flush(dir string) error {
	if t == nil {
		return nil
	}
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	t.dirty = false
	t.flushes++
	snapshot := make([][]stamp, stageCount)
	for i, tree := range t.stages {
		rows := make([]stamp, 0, tree.Len())
		tree.Ascend(func(s stamp) bool {
			rows = append(rows, s)
			return true
		})
		snapshot[i] = rows
	}
	t.mu.Unlock()

	for i, rows := range snapshot {
		if len(rows) == 0 {
			continue
		}
		if err := t.writeStage(dir, Stage(i), rows); err != nil {
			t.mu.Lock()
			t.dirty = true
			t.mu.Unlock()
			return err
		}
	}
	log.Infof("telemetry flushed to %s", dir)
	return nil
}

func (t *Telemetry) writeStage(dir string, stage Stage, rows []stamp) error {
	stageDir := filepath.Join(dir, stage.String())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	f, err := os.Create(filepath.Join(stageDir, t.fileName(stage)))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	w := csv.NewWriter(f)
	for _, s := range rows {
		ts := float64(s.ts.UnixNano()) / float64(time.Second)
		if err := w.Write([]string{s.id, strconv.FormatFloat(ts, 'f', 6, 64)}); err != nil {
			f.Close()
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("telemetry: %w", err)
	}
	return f.Close()
}

/*
FlushAsync runs Flush on a new goroutine. The returned channel yields the result once.
This is best-effort: a process that exits before the channel fires may leave partial files.
Callers that need the files must wait on the channel.
*/
func (t *Telemetry) FlushAsync(dir string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- t.Flush(dir)
	}()
	return done
}
