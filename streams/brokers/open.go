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

// Package brokers holds the network streams.Broker implementations and a factory that
// selects one from a streams.BrokerConfig.
package brokers

import (
	"context"

	"github.com/deduce-dev/dacman-stream/streams"
)

/*
Open returns the Broker described by `config`:

	broker, err := brokers.Open(ctx, streams.BrokerConfig{Kind: streams.RedisBroker, Host: "redis"})
	if err != nil {
		return err
	}
	defer broker.Close()

An InMemoryBroker is only reachable from the calling process.
*/
func Open(ctx context.Context, config streams.BrokerConfig) (streams.Broker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.WithDefaults()
	switch config.Kind {
	case streams.JetStreamBroker:
		return DialJetStream(ctx, config)
	case streams.InMemoryBroker:
		return streams.NewMemoryBroker(config.Namespace), nil
	default:
		return DialRedis(ctx, config)
	}
}
