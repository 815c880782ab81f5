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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/deduce-dev/dacman-stream/streams/sak"
	"github.com/redis/go-redis/v9"
)

// Returns nil unless a drained marker is absent and the window holds at least ARGV[1] ids.
// The marker is set in the same script, so exactly one caller drains a window.
var drainScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return false
end
local size = tonumber(ARGV[1])
if redis.call('LLEN', KEYS[1]) < size then
	return false
end
redis.call('SET', KEYS[2], '1')
return redis.call('LRANGE', KEYS[1], 0, size - 1)
`)

type redisLogger struct{}

func (redisLogger) Printf(_ context.Context, format string, v ...interface{}) {
	if level := streams.DriverLogLevel(); level != streams.LogLevelNone && level <= streams.LogLevelWarn {
		streams.Log().Warnf("redis: "+format, v...)
	}
}

var installRedisLogger sync.Once

/*
Redis is a Broker backed by a single Redis server:

	blocks    string keys named by BlockID, written with MSET
	windows   lists, RPUSH on append, drained by a Lua script that sets "<window>:drained"
	tasks     LPUSH of the encoded Task on the task queue, BRPOP by workers
	ledger    RPUSH of the TaskID, in the same MULTI as the queue push
	results   string keys from Namespace.ResultKey
*/
type Redis struct {
	client *redis.Client
	ns     streams.Namespace
	queue  string
	ledger string
}

var _ streams.Broker = (*Redis)(nil)

// DialRedis connects and pings the server, retrying up to config.DialAttempts times.
func DialRedis(ctx context.Context, config streams.BrokerConfig) (*Redis, error) {
	config = config.WithDefaults()
	installRedisLogger.Do(func() {
		redis.SetLogger(redisLogger{})
	})
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr(),
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
	})
	err := sak.Retry(ctx, sak.Backoff{Attempts: config.DialAttempts, Initial: 200 * time.Millisecond}, func() error {
		pctx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
		err := client.Ping(pctx).Err()
		if err != nil {
			streams.Log().Warnf("redis ping %s failed: %v", config.Addr(), err)
		}
		return err
	})
	if err != nil {
		client.Close()
		return nil, streams.BrokerError("dial "+config.Addr(), err)
	}
	streams.Log().Infof("connected to redis at %s, namespace: %s", config.Addr(), config.Namespace)
	return NewRedis(client, config.Namespace), nil
}

// NewRedis wraps an existing client. The client is closed by Close.
func NewRedis(client *redis.Client, ns streams.Namespace) *Redis {
	return &Redis{
		client: client,
		ns:     ns,
		queue:  ns.TaskQueue(),
		ledger: ns.Ledger(),
	}
}

func (r *Redis) PutBlock(ctx context.Context, payload []byte) (streams.BlockID, error) {
	id := streams.NewBlockID()
	if err := r.client.Set(ctx, string(id), payload, 0).Err(); err != nil {
		return "", streams.BrokerError("put block", err)
	}
	return id, nil
}

func (r *Redis) PutBlocks(ctx context.Context, payloads [][]byte) ([]streams.BlockID, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	ids := make([]streams.BlockID, len(payloads))
	pairs := make([]interface{}, 0, 2*len(payloads))
	for i, payload := range payloads {
		ids[i] = streams.NewBlockID()
		pairs = append(pairs, string(ids[i]), payload)
	}
	if err := r.client.MSet(ctx, pairs...).Err(); err != nil {
		return nil, streams.BrokerError("put blocks", err)
	}
	return ids, nil
}

func (r *Redis) WindowAppend(ctx context.Context, key streams.WindowKey, id streams.BlockID) (int, error) {
	n, err := r.client.RPush(ctx, string(key), string(id)).Result()
	if err != nil {
		return 0, streams.BrokerError("window append", err)
	}
	return int(n), nil
}

func (r *Redis) WindowDrain(ctx context.Context, key streams.WindowKey, size int) ([]streams.BlockID, error) {
	if size <= 0 {
		return nil, streams.ErrWindowDrained
	}
	res, err := drainScript.Run(ctx, r.client, []string{string(key), r.ns.DrainedMarker(key)}, size).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, streams.ErrWindowDrained
	}
	if err != nil {
		return nil, streams.BrokerError("window drain", err)
	}
	return sak.FromStrings[streams.BlockID](res), nil
}

func (r *Redis) EnqueueTask(ctx context.Context, blocks []streams.BlockID) (streams.TaskID, error) {
	task := streams.Task{ID: streams.NewTaskID(), Blocks: blocks}
	encoded, err := streams.EncodeTask(task)
	if err != nil {
		return "", err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.ledger, string(task.ID))
		pipe.LPush(ctx, r.queue, encoded)
		return nil
	})
	if err != nil {
		return "", streams.BrokerError("enqueue task", err)
	}
	return task.ID, nil
}

// DequeueTask uses BRPOP. Redis blocks in whole seconds, so timeouts below 1s wait 1s.
// A `timeout` <= 0 polls with RPOP.
func (r *Redis) DequeueTask(ctx context.Context, timeout time.Duration) (streams.Task, bool, error) {
	var raw string
	if timeout <= 0 {
		v, err := r.client.RPop(ctx, r.queue).Result()
		if errors.Is(err, redis.Nil) {
			return streams.Task{}, false, nil
		}
		if err != nil {
			return streams.Task{}, false, streams.BrokerError("dequeue task", err)
		}
		raw = v
	} else {
		res, err := r.client.BRPop(ctx, timeout, r.queue).Result()
		if errors.Is(err, redis.Nil) {
			return streams.Task{}, false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return streams.Task{}, false, ctx.Err()
			}
			return streams.Task{}, false, streams.BrokerError("dequeue task", err)
		}
		// [key, value]
		raw = res[1]
	}
	task, err := streams.DecodeTask([]byte(raw))
	if err != nil {
		return streams.Task{}, false, err
	}
	return task, true, nil
}

func (r *Redis) GetBlocks(ctx context.Context, ids []streams.BlockID) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := r.client.MGet(ctx, sak.ToStrings(ids)...).Result()
	if err != nil {
		return nil, streams.BrokerError("get blocks", err)
	}
	payloads := make([][]byte, len(ids))
	var missing []streams.BlockID
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		payloads[i] = []byte(s)
	}
	if len(missing) > 0 {
		return nil, &streams.BlockNotFoundError{Missing: missing}
	}
	return payloads, nil
}

func (r *Redis) PutResult(ctx context.Context, id streams.TaskID, payload []byte) error {
	return streams.BrokerError("put result", r.client.Set(ctx, r.ns.ResultKey(id), payload, 0).Err())
}

func (r *Redis) GetResult(ctx context.Context, id streams.TaskID) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.ns.ResultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, streams.BrokerError("get result", err)
	}
	return payload, true, nil
}

func (r *Redis) QueueLength(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.queue).Result()
	if err != nil {
		return 0, streams.BrokerError("queue length", err)
	}
	return int(n), nil
}

func (r *Redis) Ledger(ctx context.Context) ([]streams.TaskID, error) {
	ids, err := r.client.LRange(ctx, r.ledger, 0, -1).Result()
	if err != nil {
		return nil, streams.BrokerError("ledger", err)
	}
	return sak.FromStrings[streams.TaskID](ids), nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}
