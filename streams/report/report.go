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

// Package report joins the telemetry files written by Sources, Workers and Coordinators
// and summarizes a run.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/deduce-dev/dacman-stream/streams"
)

// Dataset holds every stamp found in a set of telemetry directories, keyed by stage then id.
type Dataset struct {
	stamps map[streams.Stage]map[string]time.Time
	files  int
}

func newDataset() *Dataset {
	ds := &Dataset{stamps: make(map[streams.Stage]map[string]time.Time)}
	for _, s := range streams.Stages() {
		ds.stamps[s] = make(map[string]time.Time)
	}
	return ds
}

// Files lists the telemetry files under `dirs` in a stable order.
func Files(dirs ...string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		for _, stage := range streams.Stages() {
			matches, err := filepath.Glob(filepath.Join(dir, stage.String(), stage.String()+"_*.csv"))
			if err != nil {
				return nil, err
			}
			files = append(files, matches...)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Loader reads telemetry files. OnFile, if set, is called after each file is read.
type Loader struct {
	OnFile func(path string)
}

func Load(dirs ...string) (*Dataset, error) {
	return Loader{}.Load(dirs...)
}

/*
Load joins every per-process file found under `dirs`. When the same id is stamped
for the same stage by more than one process, the latest stamp is kept.
*/
func (l Loader) Load(dirs ...string) (*Dataset, error) {
	files, err := Files(dirs...)
	if err != nil {
		return nil, err
	}
	ds := newDataset()
	for _, path := range files {
		stage, ok := streams.ParseStage(filepath.Base(filepath.Dir(path)))
		if !ok {
			continue
		}
		if err := ds.readFile(stage, path); err != nil {
			return nil, err
		}
		ds.files++
		if l.OnFile != nil {
			l.OnFile(path)
		}
	}
	streams.Log().Debugf("loaded %d telemetry files from %v", ds.files, dirs)
	return ds, nil
}

func (ds *Dataset) readFile(stage streams.Stage, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	stamps := ds.stamps[stage]
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		secs, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return fmt.Errorf("%s:%d: bad timestamp %q", path, line, rec[1])
		}
		ts := fromUnixSeconds(secs)
		if prev, ok := stamps[rec[0]]; !ok || ts.After(prev) {
			stamps[rec[0]] = ts
		}
	}
}

func fromUnixSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// Add records a stamp directly, for callers that join telemetry held in memory.
func (ds *Dataset) Add(stage streams.Stage, id string, ts time.Time) {
	ds.stamps[stage][id] = ts
}

func (ds *Dataset) Files() int {
	return ds.files
}

func (ds *Dataset) Get(stage streams.Stage, id string) (time.Time, bool) {
	ts, ok := ds.stamps[stage][id]
	return ts, ok
}

// Distribution summarizes a set of durations.
type Distribution struct {
	Count int64
	Min   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

const maxRecordable = int64(time.Hour / time.Microsecond)

// Durations are recorded in microseconds. Negative durations (clock skew between hosts) count as zero.
func distribution(values []time.Duration) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	h := hdrhistogram.New(1, maxRecordable, 3)
	for _, v := range values {
		us := int64(v / time.Microsecond)
		if us < 0 {
			us = 0
		} else if us > maxRecordable {
			us = maxRecordable
		}
		_ = h.RecordValue(us)
	}
	us := func(v int64) time.Duration {
		return time.Duration(v) * time.Microsecond
	}
	return Distribution{
		Count: h.TotalCount(),
		Min:   us(h.Min()),
		Mean:  time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   us(h.ValueAtQuantile(50)),
		P90:   us(h.ValueAtQuantile(90)),
		P99:   us(h.ValueAtQuantile(99)),
		Max:   us(h.Max()),
	}
}

type Summary struct {
	// Blocks with a datablock_send_end stamp.
	Blocks int
	// Tasks with a result_put_end stamp.
	Tasks int
	// From the first task_send_start (pull_start if no task was stamped) to the last result_put_end.
	Span time.Duration
	// Tasks per second over Span.
	Throughput float64
	// task_send_end to result_put_end.
	Latency Distribution
	// task_send_end to pull_end.
	Queue Distribution
	// pull_end to processing_end.
	Processing Distribution
}

func (ds *Dataset) between(from, to streams.Stage) []time.Duration {
	var out []time.Duration
	for id, end := range ds.stamps[to] {
		if start, ok := ds.stamps[from][id]; ok {
			out = append(out, end.Sub(start))
		}
	}
	return out
}

func earliest(stamps map[string]time.Time) (t time.Time, ok bool) {
	for _, ts := range stamps {
		if !ok || ts.Before(t) {
			t, ok = ts, true
		}
	}
	return
}

func latest(stamps map[string]time.Time) (t time.Time, ok bool) {
	for _, ts := range stamps {
		if !ok || ts.After(t) {
			t, ok = ts, true
		}
	}
	return
}

func (ds *Dataset) Summarize() Summary {
	s := Summary{
		Blocks:     len(ds.stamps[streams.BlockSendEnd]),
		Tasks:      len(ds.stamps[streams.ResultPutEnd]),
		Latency:    distribution(ds.between(streams.TaskSendEnd, streams.ResultPutEnd)),
		Queue:      distribution(ds.between(streams.TaskSendEnd, streams.PullEnd)),
		Processing: distribution(ds.between(streams.PullEnd, streams.ProcessingEnd)),
	}
	start, ok := earliest(ds.stamps[streams.TaskSendStart])
	if !ok {
		start, ok = earliest(ds.stamps[streams.PullStart])
	}
	end, hasEnd := latest(ds.stamps[streams.ResultPutEnd])
	if ok && hasEnd && end.After(start) {
		s.Span = end.Sub(start)
		s.Throughput = float64(s.Tasks) / s.Span.Seconds()
	}
	return s
}

// Print writes a human readable table of `s` to `w`.
func (s Summary) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "blocks\t%d\n", s.Blocks)
	fmt.Fprintf(tw, "tasks\t%d\n", s.Tasks)
	fmt.Fprintf(tw, "span\t%v\n", s.Span)
	fmt.Fprintf(tw, "throughput\t%.3f tasks/s\n", s.Throughput)
	fmt.Fprintln(tw, "\tcount\tmin\tmean\tp50\tp90\tp99\tmax")
	for _, row := range []struct {
		name string
		d    Distribution
	}{
		{"latency", s.Latency},
		{"queue", s.Queue},
		{"processing", s.Processing},
	} {
		d := row.d
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%v\t%v\t%v\n", row.name, d.Count, d.Min, d.Mean, d.P50, d.P90, d.P99, d.Max)
	}
	return tw.Flush()
}
