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

/*
Package streams moves data blocks from a Source to a pool of Workers through a shared Broker and
records when every block and task passed each stage of the pipeline.

# What it is

A streaming harness for offline data analysis: a Source turns a dataset into DataBlocks and Tasks,
Workers run an AnalysisOperator over the blocks of each Task and store a Result. The Broker (Redis,
NATS JetStream or in-memory, see the brokers package) is the only state the processes share, so
sources and workers can be started, scaled and stopped independently.

# Windows

Unwindowed, every dataset Item becomes one Task. Windowed, payloads are grouped by a key
(a timestamp, a file name) and a Task is created when a window reaches WindowSize blocks.
Draining a window is atomic in every Broker, so concurrent Sources appending to the same window
create exactly one Task for it. Windows that never fill are dropped.

# Scheduling

[PullScheduler] runs Workers that poll the task queue; whichever idle worker polls first gets the
next Task. A Worker stops after MaxIdlePolls consecutive empty polls:

	READY --> PROCESSING --> READY --> ... --> IDLE --> DRAINING --> TERMINATED

The [Coordinator] replaces the queue with direct assignment. Workers announce READY, receive START
with a Task and answer DONE with its Result. Tasks go to idle workers in READY arrival order. The
wsock package carries these messages over websockets.

# Admission Control

A Source pauses once the task queue holds HighWatermark Tasks and resumes at LowWatermark.
MaxItemsPerSecond caps the publishing rate independently.

# Telemetry

A [Telemetry] records one timestamp per id for each [Stage], from datablock_send_start to
result_put_end, and writes one CSV per stage and process. The report package joins the files of
every process into throughput and latency percentiles.

There are no retries and no durability guarantees: an operator failure is fatal for the worker and
the task is lost. Delivery is at most once.
*/
package streams
