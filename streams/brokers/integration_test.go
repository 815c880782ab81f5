//go:build integration

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

package brokers

import (
	"context"
	"testing"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/brokertest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) (string, int) {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})
	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host, mapped.Int()
}

func TestRedisBroker(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}, "6379/tcp")
	brokertest.Run(t, func(t *testing.T) streams.Broker {
		b, err := Open(context.Background(), streams.BrokerConfig{
			Kind:      streams.RedisBroker,
			Host:      host,
			Port:      port,
			Namespace: streams.Namespace(uuid.NewString()),
		})
		require.NoError(t, err)
		return b
	})
}

func TestJetStreamBroker(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		Cmd:          []string{"--js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
	}, "4222/tcp")
	brokertest.Run(t, func(t *testing.T) streams.Broker {
		b, err := Open(context.Background(), streams.BrokerConfig{
			Kind:      streams.JetStreamBroker,
			Host:      host,
			Port:      port,
			Namespace: streams.Namespace(uuid.NewString()),
		})
		require.NoError(t, err)
		return b
	})
}
