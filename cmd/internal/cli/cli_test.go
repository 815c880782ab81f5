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

package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("DSTREAM_BROKER_HOST", "redis.internal")
	t.Setenv("DSTREAM_MAX_IDLE_POLLS", "7")
	t.Setenv("DSTREAM_WAIT_TIME", "250ms")
	t.Setenv("DSTREAM_RATE", "not-a-number")
	assert.Equal(t, "DSTREAM_BROKER_HOST", EnvName("broker-host"))
	assert.Equal(t, "redis.internal", EnvString("broker-host", "localhost"))
	assert.Equal(t, 7, EnvInt("max-idle-polls", 10))
	assert.Equal(t, 250*time.Millisecond, EnvDuration("wait-time", time.Second))
	assert.Equal(t, 1.5, EnvFloat("rate", 1.5))
	assert.False(t, EnvBool("progress", false))
}

const sampleConfig = `
broker:
  kind: nats
  host: nats.internal
  namespace: nightly
  dialTimeout: 2s
source:
  windowKey: datetime
  windowSize: 4
worker:
  waitTime: 3s
  maxIdlePolls: 5
statsDir: /scratch/stats
log:
  level: debug
`

func TestLoadFileAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, streams.JetStreamBroker, f.Broker.Kind)
	assert.Equal(t, 2*time.Second, f.Broker.DialTimeout)
	assert.Equal(t, "datetime", f.Source.WindowName)
	assert.Equal(t, 3*time.Second, f.Worker.WaitTime)
	assert.Equal(t, "/scratch/stats", f.StatsDir)

	args := []string{"--config", path, "--broker-port", "4333"}
	assert.Equal(t, path, ConfigPath(args))
	assert.Equal(t, path, ConfigPath([]string{"-config=" + path}))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var common Common
	var broker BrokerFlags
	common.Register(fs, f)
	broker.Register(fs, f)
	require.NoError(t, fs.Parse(args))
	config, err := broker.Config()
	require.NoError(t, err)
	assert.Equal(t, streams.JetStreamBroker, config.Kind)
	assert.Equal(t, "nats.internal", config.Host)
	assert.Equal(t, 4333, config.Port)
	assert.Equal(t, streams.Namespace("nightly"), config.Namespace)
	assert.Equal(t, "debug", common.LogLevel)
	assert.Equal(t, "/scratch/stats", common.StatsDir)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, streams.ErrInvalidConfig))
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker: [unterminated"), 0o644))
	_, err = LoadFile(path)
	assert.True(t, errors.Is(err, streams.ErrInvalidConfig))
	f, err := LoadFile("")
	assert.NoError(t, err)
	assert.Equal(t, File{}, f)
}

func TestBrokerFlagsRejectUnknownKind(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var broker BrokerFlags
	broker.Register(fs, File{})
	require.NoError(t, fs.Parse([]string{"--broker", "kafka"}))
	_, err := broker.Config()
	assert.True(t, errors.Is(err, streams.ErrInvalidConfig))
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{fmt.Errorf("flags: %w", streams.ErrInvalidConfig), ExitConfig},
		{&streams.OperatorError{TaskID: "task:1", Err: errors.New("boom")}, ExitOperator},
		{streams.BrokerError("dial", errors.New("refused")), ExitBroker},
		{&streams.BlockNotFoundError{Missing: []streams.BlockID{"datablock:1"}}, ExitBroker},
	}
	for _, c := range cases {
		if code := ExitCode(c.err); code != c.code {
			t.Errorf("incorrect exit code for %v. expected: %d, actual: %d", c.err, c.code, code)
		}
	}
}

func TestSlogLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "dstream-test", "info", "json")
	logger.Debugf("hidden %d", 1)
	logger.Infof("shown %d", 2)
	logger.Tracef("hidden %d", 3)
	out := buf.String()
	assert.Contains(t, out, `"msg":"shown 2"`)
	assert.Contains(t, out, `"service":"dstream-test"`)
	assert.False(t, strings.Contains(out, "hidden"), out)
}

func TestSyntheticDataset(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var ds DatasetFlags
	ds.Register(fs, File{})
	require.NoError(t, fs.Parse([]string{"--count", "3", "--size", "16"}))
	it, total, closeFn, err := ds.Iterator(context.Background(), 0)
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, 3, total)
	assert.NotNil(t, it)

	ds.Count = 0
	_, _, _, err = ds.Iterator(context.Background(), 0)
	assert.True(t, errors.Is(err, streams.ErrInvalidConfig))
	ds.Kind = "kafka"
	_, _, _, err = ds.Iterator(context.Background(), 0)
	assert.True(t, errors.Is(err, streams.ErrInvalidConfig))
}
