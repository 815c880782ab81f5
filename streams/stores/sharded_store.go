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

// Package stores provides the in-memory data structures backing the in-process Broker.
package stores

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// For string keys. Uses "github.com/cespare/xxhash/v2".Sum64String
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

type entry[V any] struct {
	key   string
	value V
}

func entryLess[V any](a, b entry[V]) bool {
	return a.key < b.key
}

/*
ShardedStore is a string keyed map made of 2 << exponent btree shards.
A data block store for a long running stream easily reaches millions of entries,
splitting them keeps each tree shallow. Ordering only holds within a shard.

ShardedStore is not thread-safe. You will need to provide your own locking mechanism.

	blocks := stores.NewShardedStore[[]byte](4) // 32 shards
	blocks.Put("datablock:1", payload)
	v, ok := blocks.Get("datablock:1")
*/
type ShardedStore[V any] struct {
	trees []*btree.BTreeG[entry[V]]
	mod   uint64
}

// The number of shards is 2 << exponent, so an exponent of 4 gives 32 shards.
func NewShardedStore[V any](exponent int) *ShardedStore[V] {
	if exponent < 0 {
		exponent = 0
	}
	shards := 2 << exponent
	trees := make([]*btree.BTreeG[entry[V]], shards)
	freeList := btree.NewFreeListG[entry[V]](16)
	for i := range trees {
		trees[i] = btree.NewWithFreeListG(32, entryLess[V], freeList)
	}
	return &ShardedStore[V]{
		trees: trees,
		mod:   uint64(shards - 1),
	}
}

func (s *ShardedStore[V]) tree(key string) *btree.BTreeG[entry[V]] {
	return s.trees[StringHash(key)&s.mod]
}

// Put inserts or replaces. Returns true if `key` was already present.
func (s *ShardedStore[V]) Put(key string, value V) bool {
	_, replaced := s.tree(key).ReplaceOrInsert(entry[V]{key: key, value: value})
	return replaced
}

func (s *ShardedStore[V]) Get(key string) (value V, ok bool) {
	var e entry[V]
	if e, ok = s.tree(key).Get(entry[V]{key: key}); ok {
		value = e.value
	}
	return
}

func (s *ShardedStore[V]) Has(key string) bool {
	return s.tree(key).Has(entry[V]{key: key})
}

func (s *ShardedStore[V]) Delete(key string) bool {
	_, ok := s.tree(key).Delete(entry[V]{key: key})
	return ok
}

// Iterates through all shards and sums their lengths.
func (s *ShardedStore[V]) Len() (l int) {
	for _, tree := range s.trees {
		l += tree.Len()
	}
	return
}

// Visits every entry, shard by shard. Stops when `fn` returns false.
func (s *ShardedStore[V]) Range(fn func(key string, value V) bool) {
	for _, tree := range s.trees {
		stop := false
		tree.Ascend(func(e entry[V]) bool {
			if !fn(e.key, e.value) {
				stop = true
			}
			return !stop
		})
		if stop {
			return
		}
	}
}
