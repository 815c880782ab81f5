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

// Package ingest provides DatasetIterators for the command line tools: synthetic pairs,
// frames read from a directory and bounded reads of a Kafka topic.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/sak"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// An interface for implementing a resusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) that will be used whenever a connection is made to this cluster.
	// At minimum, it should return the kgo.SeedBrokers() option.
	Config(ctx context.Context) ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a plain text connection to a Kafka cluster.
// For MSK, see [github.com/deduce-dev/dacman-stream/msk].
//
//	cluster := ingest.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config(context.Context) ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options retuned from the provided [Cluster] and addtional `options`.
func NewClient(ctx context.Context, cluster Cluster, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(streams.KgoLogger())}
	clusterOpts, err := cluster.Config(ctx)
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

/*
EnsureTopic creates `topic` if it does not exist. Network errors are retried, an existing topic is not an error.
Used by the source tool to prepare a topic before producing test data, and by tests.
*/
func EnsureTopic(ctx context.Context, cluster Cluster, topic string, partitions int32, replication int16) error {
	client, err := NewClient(ctx, cluster)
	if err != nil {
		return err
	}
	defer client.Close()
	admin := kadm.NewClient(client)
	return sak.Retry(ctx, sak.Backoff{Attempts: 15, Initial: time.Second, Max: time.Second}, func() error {
		res, err := admin.CreateTopics(ctx, partitions, replication, nil, topic)
		if err == nil {
			for _, r := range res {
				if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
					err = fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
				}
			}
		}
		if err != nil && !isNetworkError(err) {
			return sak.Permanent(err)
		}
		streams.Log().Infof("ensure topic %s: %v", topic, err)
		return err
	})
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		streams.Log().Warnf("network error for operation: %s, error: %v", opError.Op, opError)
		return true
	}
	return false
}
