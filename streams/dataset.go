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
	"io"
)

/*
Item is one element produced by a DatasetIterator.

In unwindowed mode, Payloads holds every block of a single Task (typically a pair).
In windowed mode, Key is the grouping value (a timestamp, a frame number...) and each payload
is appended to the window for that value.
*/
type Item struct {
	Key      string
	Payloads [][]byte
}

// DatasetIterator produces Items until it returns io.EOF.
type DatasetIterator interface {
	Next(ctx context.Context) (Item, error)
}

// FuncIterator adapts a function to a DatasetIterator.
type FuncIterator func(ctx context.Context) (Item, error)

func (f FuncIterator) Next(ctx context.Context) (Item, error) {
	return f(ctx)
}

// SliceIterator yields `items` in order.
func SliceIterator(items ...Item) DatasetIterator {
	i := 0
	return FuncIterator(func(ctx context.Context) (Item, error) {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if i >= len(items) {
			return Item{}, io.EOF
		}
		item := items[i]
		i++
		return item, nil
	})
}

/*
PairIterator compares consecutive frames: for frames f0..fn it yields (f0, f1), (f1, f2) ... (fn-1, fn).

	it := streams.PairIterator(frames)
*/
func PairIterator(frames [][]byte) DatasetIterator {
	i := 0
	return FuncIterator(func(ctx context.Context) (Item, error) {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if i+1 >= len(frames) {
			return Item{}, io.EOF
		}
		item := Item{Payloads: [][]byte{frames[i], frames[i+1]}}
		i++
		return item, nil
	})
}

// Pairs yields each of `pairs` as one unwindowed Item.
func Pairs(pairs ...[2][]byte) DatasetIterator {
	items := make([]Item, len(pairs))
	for i, p := range pairs {
		items[i] = Item{Payloads: [][]byte{p[0], p[1]}}
	}
	return SliceIterator(items...)
}
