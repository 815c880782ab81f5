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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStage(t *testing.T, dir, stage, process, rows string) {
	path := filepath.Join(dir, stage, stage+"_host_"+process+".csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
}

func TestReportSummarizesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeStage(t, dir, "task_send_start", "src", "task:1,100.000000\ntask:2,100.500000\n")
	writeStage(t, dir, "task_send_end", "src", "task:1,100.010000\ntask:2,100.510000\n")
	writeStage(t, dir, "result_put_end", "w-1", "task:1,101.000000\ntask:2,102.000000\n")
	assert.Equal(t, cli.ExitOK, run([]string{"--log-level", "error", dir}))
	assert.Equal(t, cli.ExitOK, run([]string{"--log-level", "error", "--stats-dir", dir}))
}

func TestReportNeedsTelemetry(t *testing.T) {
	assert.Equal(t, cli.ExitConfig, run([]string{"--log-level", "error"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--log-level", "error", t.TempDir()}))
}
