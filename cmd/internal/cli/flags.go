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
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/deduce-dev/dacman-stream/msk"
	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/brokers"
	"github.com/deduce-dev/dacman-stream/streams/ingest"
)

// Common holds the flags every tool accepts.
type Common struct {
	Config      string
	LogLevel    string
	LogFormat   string
	DriverLevel string
	StatsDir    string
}

func (c *Common) Register(fs *flag.FlagSet, f File) {
	fs.StringVar(&c.Config, "config", EnvString("config", ""), "YAML config file (env: DSTREAM_CONFIG)")
	fs.StringVar(&c.LogLevel, "log-level", EnvString("log-level", or(f.Log.Level, "info")),
		"Log level: trace, debug, info, warn, error (env: DSTREAM_LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", EnvString("log-format", or(f.Log.Format, "text")),
		"Log format: text, json (env: DSTREAM_LOG_FORMAT)")
	fs.StringVar(&c.DriverLevel, "driver-log-level", EnvString("driver-log-level", or(f.Log.DriverLevel, "error")),
		"Log level for the Redis, NATS and Kafka clients (env: DSTREAM_DRIVER_LOG_LEVEL)")
	fs.StringVar(&c.StatsDir, "stats-dir", EnvString("stats-dir", f.StatsDir),
		"Directory for telemetry CSV files, empty disables telemetry (env: DSTREAM_STATS_DIR)")
}

func or(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// BrokerFlags registers the broker endpoint flags on top of the values from the config file.
type BrokerFlags struct {
	config streams.BrokerConfig
	kind   string
	ns     string
}

func (b *BrokerFlags) Register(fs *flag.FlagSet, f File) {
	b.config = f.Broker
	fs.StringVar(&b.kind, "broker", EnvString("broker", or(string(f.Broker.Kind), string(streams.RedisBroker))),
		"Broker kind: redis, nats, memory (env: DSTREAM_BROKER)")
	fs.StringVar(&b.config.Host, "broker-host", EnvString("broker-host", or(f.Broker.Host, streams.DefaultBrokerHost)),
		"Broker host (env: DSTREAM_BROKER_HOST)")
	fs.IntVar(&b.config.Port, "broker-port", EnvInt("broker-port", f.Broker.Port),
		"Broker port, 0 uses the default port of the broker kind (env: DSTREAM_BROKER_PORT)")
	fs.StringVar(&b.config.Password, "broker-password", EnvString("broker-password", f.Broker.Password),
		"Redis password or NATS token (env: DSTREAM_BROKER_PASSWORD)")
	fs.IntVar(&b.config.DB, "broker-db", EnvInt("broker-db", f.Broker.DB), "Redis database (env: DSTREAM_BROKER_DB)")
	fs.StringVar(&b.ns, "namespace", EnvString("namespace", or(string(f.Broker.Namespace), streams.DefaultNamespace)),
		"Namespace isolating the queues of one run (env: DSTREAM_NAMESPACE)")
}

// Config returns the parsed and validated BrokerConfig.
func (b *BrokerFlags) Config() (streams.BrokerConfig, error) {
	config := b.config
	config.Kind = streams.BrokerKind(strings.ToLower(b.kind))
	config.Namespace = streams.Namespace(b.ns)
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config.WithDefaults(), nil
}

func (b *BrokerFlags) Open(ctx context.Context) (streams.Broker, error) {
	config, err := b.Config()
	if err != nil {
		return nil, err
	}
	return brokers.Open(ctx, config)
}

// DatasetFlags selects and configures the DatasetIterator of the source and coordinator tools.
type DatasetFlags struct {
	Kind         string
	Count        int
	Size         int
	Seed         int64
	Dir          string
	Glob         string
	KafkaBrokers string
	Topic        string
	Keyed        bool
	MskCluster   string
	MskRegion    string
	MskAuth      string
	WindowSize   int
}

func (d *DatasetFlags) Register(fs *flag.FlagSet, f File) {
	ds := f.Dataset
	fs.StringVar(&d.Kind, "dataset", EnvString("dataset", or(ds.Kind, "synthetic")),
		"Dataset: synthetic, dir, kafka (env: DSTREAM_DATASET)")
	fs.IntVar(&d.Count, "count", EnvInt("count", ds.Count), "Synthetic item count (env: DSTREAM_COUNT)")
	fs.IntVar(&d.Size, "size", EnvInt("size", ds.Size), "Maximum synthetic payload size in bytes (env: DSTREAM_SIZE)")
	fs.Int64Var(&d.Seed, "seed", int64(EnvInt("seed", int(ds.Seed))), "Synthetic random seed (env: DSTREAM_SEED)")
	fs.StringVar(&d.Dir, "dir", EnvString("dir", ds.Dir), "Directory of frames for --dataset dir (env: DSTREAM_DIR)")
	fs.StringVar(&d.Glob, "glob", EnvString("glob", ds.Glob), "File pattern within --dir (env: DSTREAM_GLOB)")
	fs.StringVar(&d.KafkaBrokers, "kafka-brokers", EnvString("kafka-brokers", strings.Join(ds.KafkaBrokers, ",")),
		"Comma separated Kafka seed brokers (env: DSTREAM_KAFKA_BROKERS)")
	fs.StringVar(&d.Topic, "topic", EnvString("topic", ds.Topic), "Kafka topic (env: DSTREAM_TOPIC)")
	fs.BoolVar(&d.Keyed, "keyed", EnvBool("keyed", ds.Keyed), "Use Kafka record keys as window keys (env: DSTREAM_KEYED)")
	fs.StringVar(&d.MskCluster, "msk-cluster", EnvString("msk-cluster", ds.MskCluster),
		"MSK cluster name, replaces --kafka-brokers (env: DSTREAM_MSK_CLUSTER)")
	fs.StringVar(&d.MskRegion, "msk-region", EnvString("msk-region", ds.MskRegion), "MSK region (env: DSTREAM_MSK_REGION)")
	fs.StringVar(&d.MskAuth, "msk-auth", EnvString("msk-auth", or(ds.MskAuth, "sasl-iam")),
		"MSK auth: none, tls, sasl-scram, sasl-iam, public-... (env: DSTREAM_MSK_AUTH)")
}

func (d *DatasetFlags) cluster(ctx context.Context) (ingest.Cluster, error) {
	if d.MskCluster != "" {
		auth, err := msk.ParseAuthType(d.MskAuth)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
		}
		return msk.NewCluster(ctx, d.MskCluster, auth, d.MskRegion)
	}
	if d.KafkaBrokers == "" {
		return nil, fmt.Errorf("%w: --kafka-brokers or --msk-cluster is required", streams.ErrInvalidConfig)
	}
	return ingest.SimpleCluster(strings.Split(d.KafkaBrokers, ",")), nil
}

/*
Iterator builds the selected dataset. `windowSize` > 0 makes synthetic items single payloads grouped
into windows. `total` is the number of items when it is known up front, -1 otherwise.
The returned close function must be called once the iterator is no longer used.
*/
func (d *DatasetFlags) Iterator(ctx context.Context, windowSize int) (it streams.DatasetIterator, total int, closeFn func(), err error) {
	closeFn = func() {}
	switch d.Kind {
	case "synthetic":
		if d.Count <= 0 {
			return nil, 0, closeFn, fmt.Errorf("%w: --count must be positive", streams.ErrInvalidConfig)
		}
		s := ingest.Synthetic{Count: d.Count, Size: d.Size, Seed: d.Seed, WindowSize: windowSize}
		return s.Iterator(), d.Count, closeFn, nil
	case "dir":
		frames := ingest.DirectoryFrames{Dir: d.Dir, Glob: d.Glob}
		files, err := frames.Files()
		if err != nil {
			return nil, 0, closeFn, fmt.Errorf("%w: %v", streams.ErrInvalidConfig, err)
		}
		it, err := frames.Iterator()
		if err != nil {
			return nil, 0, closeFn, err
		}
		return it, len(files) - 1, closeFn, nil
	case "kafka":
		if d.Topic == "" {
			return nil, 0, closeFn, fmt.Errorf("%w: --topic is required", streams.ErrInvalidConfig)
		}
		cluster, err := d.cluster(ctx)
		if err != nil {
			return nil, 0, closeFn, err
		}
		records := &ingest.KafkaRecords{Cluster: cluster, Topic: d.Topic, Keyed: d.Keyed}
		return records, -1, records.Close, nil
	}
	return nil, 0, closeFn, fmt.Errorf("%w: unknown dataset %q", streams.ErrInvalidConfig, d.Kind)
}
