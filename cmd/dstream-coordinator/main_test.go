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
	"net"
	"testing"

	"github.com/deduce-dev/dacman-stream/cmd/internal/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorParse(t *testing.T) {
	opts, err := parse([]string{"--workers", "3", "--listen", "127.0.0.1:0", "--store-results",
		"--window-key", "datetime", "--window-size", "4"})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.workers)
	assert.Equal(t, "127.0.0.1:0", opts.listen)
	assert.True(t, opts.storeResults)
	assert.Equal(t, "datetime", opts.source.WindowName)
	assert.Equal(t, 4, opts.source.WindowSize)

	opts, err = parse([]string{"--workers", "1"})
	require.NoError(t, err)
	assert.Equal(t, ":7070", opts.listen)
	assert.False(t, opts.storeResults)
}

func TestCoordinatorRejectsBadConfig(t *testing.T) {
	assert.Equal(t, cli.ExitConfig, run([]string{"--workers", "0"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--no-such-flag"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--workers", "1", "--broker", "memory", "--count", "0", "--log-level", "error"}))
	assert.Equal(t, cli.ExitConfig, run([]string{"--workers", "1", "--broker", "kafka", "--count", "1", "--log-level", "error"}))
}

func TestCoordinatorListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	code := run([]string{"--workers", "1", "--broker", "memory", "--count", "2", "--listen", ln.Addr().String(),
		"--log-level", "error"})
	assert.Equal(t, cli.ExitConfig, code)
}
