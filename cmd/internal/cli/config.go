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
	"fmt"
	"os"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"gopkg.in/yaml.v3"
)

/*
File is the YAML config shared by every tool. Each tool reads the sections it needs; flags and
DSTREAM_* variables override values from the file:

	broker:
	  kind: redis
	  host: redis.internal
	  port: 6379
	  namespace: nightly
	source:
	  windowKey: datetime
	  windowSize: 4
	worker:
	  waitTime: 10s
	  maxIdlePolls: 10
	statsDir: /scratch/stats
*/
type File struct {
	Broker      streams.BrokerConfig `yaml:"broker"`
	Source      SourceSection        `yaml:"source"`
	Worker      WorkerSection        `yaml:"worker"`
	Coordinator CoordinatorSection   `yaml:"coordinator"`
	Dataset     DatasetSection       `yaml:"dataset"`
	StatsDir    string               `yaml:"statsDir"`
	Log         LogSection           `yaml:"log"`
}

type SourceSection struct {
	WindowName        string  `yaml:"windowKey"`
	WindowSize        int     `yaml:"windowSize"`
	HighWatermark     int     `yaml:"highWatermark"`
	LowWatermark      int     `yaml:"lowWatermark"`
	MaxItemsPerSecond float64 `yaml:"rate"`
}

type WorkerSection struct {
	Workers          int           `yaml:"workers"`
	Operator         string        `yaml:"operator"`
	WaitTime         time.Duration `yaml:"waitTime"`
	MaxIdlePolls     int           `yaml:"maxIdlePolls"`
	FlushOnIdlePolls int           `yaml:"flushOnIdlePolls"`
	MetricsAddr      string        `yaml:"metricsAddr"`
	PushURL          string        `yaml:"pushUrl"`
}

type CoordinatorSection struct {
	Listen       string `yaml:"listen"`
	Workers      int    `yaml:"workers"`
	StoreResults bool   `yaml:"storeResults"`
}

type DatasetSection struct {
	Kind         string   `yaml:"kind"`
	Count        int      `yaml:"count"`
	Size         int      `yaml:"size"`
	Seed         int64    `yaml:"seed"`
	Dir          string   `yaml:"dir"`
	Glob         string   `yaml:"glob"`
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	Topic        string   `yaml:"topic"`
	Keyed        bool     `yaml:"keyed"`
	MskCluster   string   `yaml:"mskCluster"`
	MskRegion    string   `yaml:"mskRegion"`
	MskAuth      string   `yaml:"mskAuth"`
}

type LogSection struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	DriverLevel string `yaml:"driverLevel"`
}

// LoadFile reads `path`. An empty path returns an empty File.
func LoadFile(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %s: %v", streams.ErrInvalidConfig, path, err)
	}
	return f, nil
}

// ConfigPath finds --config (or DSTREAM_CONFIG) before the remaining flags are registered,
// so the file can supply their defaults.
func ConfigPath(args []string) string {
	for i, arg := range args {
		for _, name := range []string{"-config", "--config"} {
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
			if len(arg) > len(name)+1 && arg[:len(name)+1] == name+"=" {
				return arg[len(name)+1:]
			}
		}
	}
	return EnvString("config", "")
}
