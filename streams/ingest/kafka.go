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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

/*
KafkaRecords reads `Topic` from the earliest offset up to the end offsets observed when
it is opened, then returns io.EOF. Records produced afterwards are ignored, so a run over a
topic is repeatable. Each record becomes one Item with a single payload; when Keyed is set the
record key is the Item key and records are grouped into windows by the Source.

A partition is done once a record at or past its end offset is seen. Transactional topics end
with control records that are never delivered, so a poll that returns nothing for IdleTimeout
means the consumer has caught up and the remaining partitions are done as well.

	it := &ingest.KafkaRecords{Cluster: ingest.SimpleCluster{"127.0.0.1:9092"}, Topic: "frames"}
	defer it.Close()
	stats, err := source.Stream(ctx, it)
*/
type KafkaRecords struct {
	Cluster Cluster
	Topic   string
	Keyed   bool
	// Defaults to 5s.
	IdleTimeout time.Duration

	client *kgo.Client
	ends   map[int32]int64
	done   map[int32]bool
	buf    []*kgo.Record
}

var _ streams.DatasetIterator = (*KafkaRecords)(nil)

func (kr *KafkaRecords) open(ctx context.Context) error {
	client, err := NewClient(ctx, kr.Cluster,
		kgo.ConsumeTopics(kr.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.RequestRetries(20))
	if err != nil {
		return err
	}
	admin := kadm.NewClient(client)
	starts, err := admin.ListStartOffsets(ctx, kr.Topic)
	if err == nil {
		err = listedErr(starts)
	}
	if err != nil {
		client.Close()
		return fmt.Errorf("listing start offsets for %s: %w", kr.Topic, err)
	}
	ends, err := admin.ListEndOffsets(ctx, kr.Topic)
	if err == nil {
		err = listedErr(ends)
	}
	if err != nil {
		client.Close()
		return fmt.Errorf("listing end offsets for %s: %w", kr.Topic, err)
	}
	kr.ends = make(map[int32]int64)
	kr.done = make(map[int32]bool)
	ends.Each(func(lo kadm.ListedOffset) {
		kr.ends[lo.Partition] = lo.Offset
	})
	starts.Each(func(lo kadm.ListedOffset) {
		if lo.Offset >= kr.ends[lo.Partition] {
			kr.done[lo.Partition] = true
		}
	})
	kr.client = client
	streams.Log().Infof("reading %s, %d partitions, end offsets: %v", kr.Topic, len(kr.ends), kr.ends)
	return nil
}

func listedErr(offsets kadm.ListedOffsets) (err error) {
	offsets.Each(func(lo kadm.ListedOffset) {
		if lo.Err != nil && err == nil {
			err = fmt.Errorf("partition %d: %w", lo.Partition, lo.Err)
		}
	})
	return
}

// offer returns the Item for `r` and whether it lies within the bounds taken at open.
func (kr *KafkaRecords) offer(r *kgo.Record) (streams.Item, bool) {
	end, ok := kr.ends[r.Partition]
	if !ok || kr.done[r.Partition] {
		return streams.Item{}, false
	}
	if r.Offset >= end {
		kr.done[r.Partition] = true
		return streams.Item{}, false
	}
	if r.Offset == end-1 {
		kr.done[r.Partition] = true
	}
	item := streams.Item{Payloads: [][]byte{r.Value}}
	if kr.Keyed {
		item.Key = string(r.Key)
	}
	return item, true
}

// caughtUp marks every partition done and returns how many were still open.
func (kr *KafkaRecords) caughtUp() (open int) {
	for p := range kr.ends {
		if !kr.done[p] {
			kr.done[p] = true
			open++
		}
	}
	return
}

func (kr *KafkaRecords) idleTimeout() time.Duration {
	if kr.IdleTimeout <= 0 {
		return 5 * time.Second
	}
	return kr.IdleTimeout
}

func (kr *KafkaRecords) exhausted() bool {
	for p := range kr.ends {
		if !kr.done[p] {
			return false
		}
	}
	return true
}

func (kr *KafkaRecords) Next(ctx context.Context) (streams.Item, error) {
	if kr.client == nil {
		if err := kr.open(ctx); err != nil {
			return streams.Item{}, err
		}
	}
	for {
		for len(kr.buf) > 0 {
			r := kr.buf[0]
			kr.buf = kr.buf[1:]
			if item, ok := kr.offer(r); ok {
				return item, nil
			}
		}
		if kr.exhausted() {
			return streams.Item{}, io.EOF
		}
		pollCtx, cancel := context.WithTimeout(ctx, kr.idleTimeout())
		fetches := kr.client.PollFetches(pollCtx)
		idle := pollCtx.Err() != nil
		cancel()
		if err := ctx.Err(); err != nil {
			return streams.Item{}, err
		}
		fetches.EachError(func(topic string, p int32, err error) {
			if !errors.Is(err, context.DeadlineExceeded) {
				streams.Log().Warnf("fetch error %s/%d: %v", topic, p, err)
			}
		})
		fetches.EachRecord(func(r *kgo.Record) {
			kr.buf = append(kr.buf, r)
		})
		if idle && len(kr.buf) == 0 {
			if open := kr.caughtUp(); open > 0 {
				streams.Log().Infof("no records from %s for %v, treating %d partitions as complete", kr.Topic, kr.idleTimeout(), open)
			}
		}
	}
}

func (kr *KafkaRecords) Close() {
	if kr.client != nil {
		kr.client.Close()
	}
}
