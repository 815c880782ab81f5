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
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	blockIDPrefix = "datablock:"
	taskIDPrefix  = "task:"
)

// Identifies an immutable DataBlock in a Broker. Globally unique.
type BlockID string

// Identifies a Task. Results are keyed by TaskID.
type TaskID string

// Names a Window list in a Broker.
type WindowKey string

func NewBlockID() BlockID {
	return BlockID(blockIDPrefix + uuid.NewString())
}

func NewTaskID() TaskID {
	return TaskID(taskIDPrefix + uuid.NewString())
}

// Task is an immutable unit of work: the ordered blocks a single AnalysisOperator call receives.
type Task struct {
	ID     TaskID    `json:"id"`
	Blocks []BlockID `json:"blocks"`
}

// Result is the output of an AnalysisOperator for a Task.
type Result struct {
	TaskID  TaskID `json:"task_id"`
	Payload []byte `json:"payload"`
}

// StringHash returns the xxhash of `s`, used for entity naming and shard selection.
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// DefaultNamespace is used when a BrokerConfig does not specify one.
const DefaultNamespace = "dstream"

/*
Namespace derives the Broker entity names for one run. Two runs sharing a broker
but using different namespaces never observe each other's queues or windows.
Queue names carry a hash suffix so arbitrary namespace strings produce safe keys:

	ns := streams.Namespace("nightly")
	ns.TaskQueue() // "task_queue:<xxhash of nightly:task_queue>"
*/
type Namespace string

func (ns Namespace) orDefault() string {
	if ns == "" {
		return DefaultNamespace
	}
	return string(ns)
}

func (ns Namespace) entity(name string) string {
	return name + ":" + strconv.FormatUint(StringHash(ns.orDefault()+":"+name), 16)
}

// The FIFO list Workers dequeue from.
func (ns Namespace) TaskQueue() string {
	return ns.entity("task_queue")
}

// The append-only accounting list of every enqueued TaskID.
func (ns Namespace) Ledger() string {
	return ns.entity("job_ordered_list")
}

// WindowKey for a window named `name` (e.g. "datetime") with grouping value `value`.
func (ns Namespace) WindowKey(name, value string) WindowKey {
	return WindowKey(ns.orDefault() + ":window:" + name + ":" + value)
}

// Marker key set once a window has been drained.
func (ns Namespace) DrainedMarker(key WindowKey) string {
	return string(key) + ":drained"
}

func (ns Namespace) ResultKey(id TaskID) string {
	return ns.orDefault() + ":result:" + string(id)
}
