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
	"testing"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/stretchr/testify/assert"
)

func TestSourceStreamsSyntheticDataset(t *testing.T) {
	assert.Equal(t, cli.ExitOK, run([]string{"--broker", "memory", "--count", "10", "--size", "64",
		"--stats-dir", t.TempDir(), "--log-level", "error"}))
	assert.Equal(t, cli.ExitOK, run([]string{"--broker", "memory", "--count", "9", "--window-key", "datetime",
		"--window-size", "3", "--log-level", "error"}))
}

func TestSourceRejectsBadConfig(t *testing.T) {
	assert.Equal(t, cli.ExitConfig, run([]string{"--broker", "memory", "--count", "0"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--broker", "memory", "--count", "1", "--rate", "-1"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--broker", "kafka", "--count", "1"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--count", "1", "extra"}))
}
