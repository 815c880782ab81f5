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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/sak"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultMaxBlockBytes = 8 << 20
	workerConsumer       = "workers"
)

/*
JetStream is a Broker backed by a NATS server with JetStream enabled. Each Namespace gets
its own buckets and streams, prefixed with "dstream_<hash>":

	<prefix>_blocks    KV bucket of DataBlocks
	<prefix>_windows   KV bucket of newline separated BlockIDs, appended with compare-and-set
	<prefix>_results   KV bucket of Results
	<prefix>_tasks     work-queue stream of encoded Tasks, consumed by the durable "workers" consumer
	<prefix>_ledger    limits stream of TaskIDs

A window is drained by whoever creates its "drained" marker key first.
Unlike Redis, the ledger append and the queue push are two publishes; the ledger is written first.
*/
type JetStream struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	ns       streams.Namespace
	blocks   jetstream.KeyValue
	windows  jetstream.KeyValue
	results  jetstream.KeyValue
	tasks    jetstream.Stream
	ledger   jetstream.Stream
	consumer jetstream.Consumer
	taskSubj string
	ledgSubj string
}

var _ streams.Broker = (*JetStream)(nil)

func natsOptions(config streams.BrokerConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("dstream"),
		nats.Timeout(config.DialTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				streams.Log().Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			streams.Log().Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			streams.Log().Errorf("nats: %v", err)
		}),
	}
	if config.Password != "" {
		opts = append(opts, nats.Token(config.Password))
	}
	return opts
}

// DialJetStream connects to the server, retrying up to config.DialAttempts times, and
// creates the buckets and streams for config.Namespace if they do not exist.
func DialJetStream(ctx context.Context, config streams.BrokerConfig) (*JetStream, error) {
	config = config.WithDefaults()
	url := "nats://" + config.Addr()
	var nc *nats.Conn
	err := sak.Retry(ctx, sak.Backoff{Attempts: config.DialAttempts, Initial: 200 * time.Millisecond}, func() (err error) {
		nc, err = nats.Connect(url, natsOptions(config)...)
		if err != nil {
			streams.Log().Warnf("nats connect %s failed: %v", url, err)
		}
		return err
	})
	if err != nil {
		return nil, streams.BrokerError("dial "+url, err)
	}
	b, err := NewJetStream(ctx, nc, config)
	if err != nil {
		nc.Close()
		return nil, err
	}
	streams.Log().Infof("connected to nats at %s, namespace: %s", url, config.Namespace)
	return b, nil
}

// NewJetStream provisions the Namespace on an existing connection. The connection is closed by Close.
func NewJetStream(ctx context.Context, nc *nats.Conn, config streams.BrokerConfig) (*JetStream, error) {
	config = config.WithDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, streams.BrokerError("jetstream", err)
	}
	prefix := "dstream_" + strconv.FormatUint(streams.StringHash(string(config.Namespace)), 16)
	maxBlock := config.MaxBlockBytes
	if maxBlock <= 0 {
		maxBlock = defaultMaxBlockBytes
	}
	b := &JetStream{
		nc:       nc,
		js:       js,
		ns:       config.Namespace,
		taskSubj: prefix + ".tasks",
		ledgSubj: prefix + ".ledger",
	}

	bucket := func(name string, maxValue int32) (jetstream.KeyValue, error) {
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:       prefix + "_" + name,
			MaxValueSize: maxValue,
			History:      1,
			Storage:      jetstream.MemoryStorage,
		})
		if err != nil {
			return nil, streams.BrokerError("create bucket "+name, err)
		}
		return kv, nil
	}
	if b.blocks, err = bucket("blocks", maxBlock); err != nil {
		return nil, err
	}
	if b.windows, err = bucket("windows", -1); err != nil {
		return nil, err
	}
	if b.results, err = bucket("results", maxBlock); err != nil {
		return nil, err
	}

	b.tasks, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      prefix + "_tasks",
		Subjects:  []string{b.taskSubj},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, streams.BrokerError("create task stream", err)
	}
	b.ledger, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      prefix + "_ledger",
		Subjects:  []string{b.ledgSubj},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, streams.BrokerError("create ledger stream", err)
	}
	b.consumer, err = b.tasks.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   workerConsumer,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, streams.BrokerError("create consumer", err)
	}
	return b, nil
}

// KV keys are restricted to [-/_=.a-zA-Z0-9]; ids and window keys contain ':'.
func kvKey(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// A CAS write lost to a concurrent writer.
func isKVConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}

func (b *JetStream) PutBlock(ctx context.Context, payload []byte) (streams.BlockID, error) {
	id := streams.NewBlockID()
	if _, err := b.blocks.Put(ctx, kvKey(string(id)), payload); err != nil {
		return "", streams.BrokerError("put block", err)
	}
	return id, nil
}

func (b *JetStream) PutBlocks(ctx context.Context, payloads [][]byte) ([]streams.BlockID, error) {
	ids := make([]streams.BlockID, 0, len(payloads))
	for _, payload := range payloads {
		id, err := b.PutBlock(ctx, payload)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *JetStream) WindowAppend(ctx context.Context, key streams.WindowKey, id streams.BlockID) (int, error) {
	k := kvKey(string(key))
	for {
		entry, err := b.windows.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, err = b.windows.Create(ctx, k, []byte(id))
			if err == nil {
				return 1, nil
			}
			if isKVConflict(err) {
				continue
			}
			return 0, streams.BrokerError("window append", err)
		}
		if err != nil {
			return 0, streams.BrokerError("window append", err)
		}
		value := entry.Value()
		n := bytes.Count(value, []byte{'\n'}) + 2
		next := make([]byte, 0, len(value)+1+len(id))
		next = append(append(append(next, value...), '\n'), id...)
		if _, err = b.windows.Update(ctx, k, next, entry.Revision()); err == nil {
			return n, nil
		}
		if !isKVConflict(err) {
			return 0, streams.BrokerError("window append", err)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
}

func (b *JetStream) WindowDrain(ctx context.Context, key streams.WindowKey, size int) ([]streams.BlockID, error) {
	if size <= 0 {
		return nil, streams.ErrWindowDrained
	}
	entry, err := b.windows.Get(ctx, kvKey(string(key)))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, streams.ErrWindowDrained
	}
	if err != nil {
		return nil, streams.BrokerError("window drain", err)
	}
	ids := strings.Split(string(entry.Value()), "\n")
	if len(ids) < size {
		return nil, streams.ErrWindowDrained
	}
	// the first `size` ids never change once present, so the marker alone decides the winner
	_, err = b.windows.Create(ctx, kvKey(b.ns.DrainedMarker(key)), []byte{'1'})
	if isKVConflict(err) {
		return nil, streams.ErrWindowDrained
	}
	if err != nil {
		return nil, streams.BrokerError("window drain", err)
	}
	return sak.FromStrings[streams.BlockID](ids[:size]), nil
}

func (b *JetStream) EnqueueTask(ctx context.Context, blocks []streams.BlockID) (streams.TaskID, error) {
	task := streams.Task{ID: streams.NewTaskID(), Blocks: blocks}
	encoded, err := streams.EncodeTask(task)
	if err != nil {
		return "", err
	}
	if _, err := b.js.Publish(ctx, b.ledgSubj, []byte(task.ID)); err != nil {
		return "", streams.BrokerError("append ledger", err)
	}
	if _, err := b.js.Publish(ctx, b.taskSubj, encoded); err != nil {
		return "", streams.BrokerError("enqueue task", err)
	}
	return task.ID, nil
}

// DequeueTask fetches one message from the durable consumer and acknowledges it before returning.
func (b *JetStream) DequeueTask(ctx context.Context, timeout time.Duration) (streams.Task, bool, error) {
	var batch jetstream.MessageBatch
	var err error
	if timeout <= 0 {
		batch, err = b.consumer.FetchNoWait(1)
	} else {
		batch, err = b.consumer.Fetch(1, jetstream.FetchMaxWait(timeout))
	}
	if err != nil {
		return streams.Task{}, false, streams.BrokerError("dequeue task", err)
	}
	select {
	case msg, ok := <-batch.Messages():
		if !ok {
			if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
				return streams.Task{}, false, streams.BrokerError("dequeue task", err)
			}
			return streams.Task{}, false, nil
		}
		if err := msg.DoubleAck(ctx); err != nil {
			return streams.Task{}, false, streams.BrokerError("ack task", err)
		}
		task, err := streams.DecodeTask(msg.Data())
		if err != nil {
			return streams.Task{}, false, err
		}
		return task, true, nil
	case <-ctx.Done():
		return streams.Task{}, false, ctx.Err()
	}
}

func (b *JetStream) GetBlocks(ctx context.Context, ids []streams.BlockID) ([][]byte, error) {
	payloads := make([][]byte, len(ids))
	var missing []streams.BlockID
	for i, id := range ids {
		entry, err := b.blocks.Get(ctx, kvKey(string(id)))
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, streams.BrokerError("get blocks", err)
		}
		payloads[i] = entry.Value()
	}
	if len(missing) > 0 {
		return nil, &streams.BlockNotFoundError{Missing: missing}
	}
	return payloads, nil
}

func (b *JetStream) PutResult(ctx context.Context, id streams.TaskID, payload []byte) error {
	_, err := b.results.Put(ctx, kvKey(b.ns.ResultKey(id)), payload)
	return streams.BrokerError("put result", err)
}

func (b *JetStream) GetResult(ctx context.Context, id streams.TaskID) ([]byte, bool, error) {
	entry, err := b.results.Get(ctx, kvKey(b.ns.ResultKey(id)))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, streams.BrokerError("get result", err)
	}
	return entry.Value(), true, nil
}

func (b *JetStream) QueueLength(ctx context.Context) (int, error) {
	info, err := b.tasks.Info(ctx)
	if err != nil {
		return 0, streams.BrokerError("queue length", err)
	}
	return int(info.State.Msgs), nil
}

func (b *JetStream) Ledger(ctx context.Context) ([]streams.TaskID, error) {
	info, err := b.ledger.Info(ctx)
	if err != nil {
		return nil, streams.BrokerError("ledger", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	ids := make([]streams.TaskID, 0, info.State.Msgs)
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		msg, err := b.ledger.GetMsg(ctx, seq)
		if err != nil {
			return nil, streams.BrokerError(fmt.Sprintf("ledger entry %d", seq), err)
		}
		ids = append(ids, streams.TaskID(msg.Data))
	}
	return ids, nil
}

func (b *JetStream) Close() error {
	b.nc.Close()
	return nil
}
