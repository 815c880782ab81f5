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
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTaskCodecWireFormat(t *testing.T) {
	task := Task{ID: "task:1", Blocks: []BlockID{"datablock:a", "datablock:b"}}
	buf := bytes.NewBuffer(nil)
	if err := TaskCodec.Encode(buf, task); err != nil {
		t.Fatal(err)
	}
	expected := `{"id":"task:1","blocks":["datablock:a","datablock:b"]}`
	if buf.String() != expected {
		t.Errorf("incorrect encoding. expected: %s, actual: %s", expected, buf.String())
	}
}

func TestTaskCodecPreservesBlockOrder(t *testing.T) {
	task := Task{ID: NewTaskID()}
	for i := 0; i < 10; i++ {
		task.Blocks = append(task.Blocks, NewBlockID())
	}
	b, err := EncodeTask(task)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeTask(b)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ID != task.ID {
		t.Errorf("incorrect id. expected: %s, actual: %s", task.ID, decoded.ID)
	}
	if len(decoded.Blocks) != len(task.Blocks) {
		t.Fatalf("incorrect block count. expected: %d, actual: %d", len(task.Blocks), len(decoded.Blocks))
	}
	for i := range task.Blocks {
		if decoded.Blocks[i] != task.Blocks[i] {
			t.Errorf("block %d out of order. expected: %s, actual: %s", i, task.Blocks[i], decoded.Blocks[i])
		}
	}
}

func TestTaskCodecSkipsUnknownFields(t *testing.T) {
	task, err := DecodeTask([]byte(`{"blocks":["datablock:x"],"extra":{"a":[1,2]},"id":"task:9"}`))
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != "task:9" || len(task.Blocks) != 1 {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestTaskCodecRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		``,
		`null`,
		`{"id":"task:1"}`,
		`{"id":"task:1","blocks":[]}`,
		`{"blocks":["datablock:a"]}`,
		`["task:1","datablock:a"]`,
	} {
		if _, err := DecodeTask([]byte(input)); !errors.Is(err, ErrMalformedTask) {
			t.Errorf("expected ErrMalformedTask for %q, got: %v", input, err)
		}
	}
}

func TestTaskCodecRefusesToEncodeEmptyTask(t *testing.T) {
	for _, task := range []Task{
		{ID: NewTaskID()},
		{ID: NewTaskID(), Blocks: []BlockID{}},
		{Blocks: []BlockID{NewBlockID()}},
	} {
		if _, err := EncodeTask(task); !errors.Is(err, ErrMalformedTask) {
			t.Errorf("expected ErrMalformedTask for %+v, got: %v", task, err)
		}
	}
}

func TestIDPrefixes(t *testing.T) {
	if id := NewBlockID(); !strings.HasPrefix(string(id), "datablock:") {
		t.Errorf("unexpected block id: %s", id)
	}
	if id := NewTaskID(); !strings.HasPrefix(string(id), "task:") {
		t.Errorf("unexpected task id: %s", id)
	}
	if NewBlockID() == NewBlockID() {
		t.Errorf("block ids must be unique")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	a, b := Namespace("run-a"), Namespace("run-b")
	if a.TaskQueue() == b.TaskQueue() {
		t.Errorf("task queues should differ across namespaces")
	}
	if a.Ledger() == a.TaskQueue() {
		t.Errorf("ledger and task queue must not collide")
	}
	if Namespace("").TaskQueue() != Namespace(DefaultNamespace).TaskQueue() {
		t.Errorf("empty namespace should resolve to the default")
	}
	if !strings.HasPrefix(a.TaskQueue(), "task_queue:") {
		t.Errorf("unexpected task queue name: %s", a.TaskQueue())
	}
	if a.WindowKey("datetime", "2020-01-01") == b.WindowKey("datetime", "2020-01-01") {
		t.Errorf("window keys should differ across namespaces")
	}
}
