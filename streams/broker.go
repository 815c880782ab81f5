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

package streams

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

/*
Broker is the only shared mutable resource between Sources and Workers: a key/value store
for DataBlocks and Results plus named lists for Windows, the task queue and the ledger.
Every method is atomic with respect to concurrent callers. Implementations wrap transport
failures with ErrBrokerUnavailable.

A Task's blocks are always written before the Task is enqueued, so a GetBlocks miss
for a dequeued Task is an invariant violation and is reported as a *BlockNotFoundError.
*/
type Broker interface {
	// Stores `payload` under a freshly generated BlockID.
	PutBlock(ctx context.Context, payload []byte) (BlockID, error)
	// Stores all payloads in a single round trip. Returned ids match the input order.
	PutBlocks(ctx context.Context, payloads [][]byte) ([]BlockID, error)
	// Appends `id` to the window list and returns the new length.
	WindowAppend(ctx context.Context, key WindowKey, id BlockID) (int, error)
	// Atomically returns the first `size` ids of the window and marks it drained.
	// Returns ErrWindowDrained if the window was drained before or holds fewer than `size` ids.
	WindowDrain(ctx context.Context, key WindowKey, size int) ([]BlockID, error)
	// Creates a Task for `blocks`, pushes it onto the task queue and appends its id to the ledger.
	EnqueueTask(ctx context.Context, blocks []BlockID) (TaskID, error)
	// Blocks for at most `timeout` waiting for a Task. ok == false signals an idle poll.
	DequeueTask(ctx context.Context, timeout time.Duration) (task Task, ok bool, err error)
	// Returns the payloads for `ids` in order.
	GetBlocks(ctx context.Context, ids []BlockID) ([][]byte, error)
	// Last write wins.
	PutResult(ctx context.Context, id TaskID, payload []byte) error
	GetResult(ctx context.Context, id TaskID) (payload []byte, ok bool, err error)
	QueueLength(ctx context.Context) (int, error)
	// Every TaskID ever enqueued, in enqueue order.
	Ledger(ctx context.Context) ([]TaskID, error)
	Close() error
}

type BrokerKind string

const (
	RedisBroker     BrokerKind = "redis"
	JetStreamBroker BrokerKind = "nats"
	InMemoryBroker  BrokerKind = "memory"
)

// BrokerConfig describes how to reach a Broker. Host and Port are never hard-coded by the CLIs.
type BrokerConfig struct {
	Kind      BrokerKind `yaml:"kind"`
	Host      string     `yaml:"host"`
	Port      int        `yaml:"port"`
	Password  string     `yaml:"password"`
	DB        int        `yaml:"db"`
	Namespace Namespace  `yaml:"namespace"`
	// Dial timeout for a single connection attempt.
	DialTimeout time.Duration `yaml:"dialTimeout"`
	// Number of connection attempts before giving up.
	DialAttempts int `yaml:"dialAttempts"`
	// Maximum payload accepted by the JetStream KV buckets.
	MaxBlockBytes int32 `yaml:"maxBlockBytes"`
}

const (
	DefaultBrokerHost   = "localhost"
	DefaultRedisPort    = 6379
	DefaultNatsPort     = 4222
	DefaultDialTimeout  = 5 * time.Second
	DefaultDialAttempts = 5
)

func (bc BrokerConfig) WithDefaults() BrokerConfig {
	if bc.Kind == "" {
		bc.Kind = RedisBroker
	}
	if bc.Host == "" {
		bc.Host = DefaultBrokerHost
	}
	if bc.Port == 0 {
		switch bc.Kind {
		case JetStreamBroker:
			bc.Port = DefaultNatsPort
		default:
			bc.Port = DefaultRedisPort
		}
	}
	if bc.Namespace == "" {
		bc.Namespace = DefaultNamespace
	}
	if bc.DialTimeout <= 0 {
		bc.DialTimeout = DefaultDialTimeout
	}
	if bc.DialAttempts <= 0 {
		bc.DialAttempts = DefaultDialAttempts
	}
	return bc
}

func (bc BrokerConfig) Validate() error {
	switch bc.Kind {
	case RedisBroker, JetStreamBroker, InMemoryBroker, "":
	default:
		return fmt.Errorf("%w: unknown broker kind %q", ErrInvalidConfig, bc.Kind)
	}
	if bc.Port < 0 || bc.Port > 65535 {
		return fmt.Errorf("%w: broker port %d out of range", ErrInvalidConfig, bc.Port)
	}
	return nil
}

func (bc BrokerConfig) Addr() string {
	return net.JoinHostPort(bc.Host, strconv.Itoa(bc.Port))
}

// Wraps `err` with ErrBrokerUnavailable and the failed operation.
func BrokerError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}
