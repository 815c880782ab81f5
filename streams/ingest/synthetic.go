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
	"io"
	"math/rand"
	"strconv"

	"github.com/deduce-dev/dacman-stream/streams"
)

/*
Synthetic generates `Count` random items of at most `Size` bytes per payload. The same Seed
always produces the same data. With WindowSize 0 every item is an unwindowed pair; otherwise
each item carries one payload and consecutive runs of WindowSize items share a key.
*/
type Synthetic struct {
	Count      int
	Size       int
	Seed       int64
	WindowSize int
}

func (s Synthetic) Iterator() streams.DatasetIterator {
	rng := rand.New(rand.NewSource(s.Seed))
	payload := func() []byte {
		n := 0
		if s.Size > 0 {
			n = rng.Intn(s.Size + 1)
		}
		b := make([]byte, n)
		rng.Read(b)
		return b
	}
	i := 0
	return streams.FuncIterator(func(ctx context.Context) (streams.Item, error) {
		if err := ctx.Err(); err != nil {
			return streams.Item{}, err
		}
		if i >= s.Count {
			return streams.Item{}, io.EOF
		}
		var item streams.Item
		if s.WindowSize > 0 {
			item = streams.Item{Key: strconv.Itoa(i / s.WindowSize), Payloads: [][]byte{payload()}}
		} else {
			item = streams.Item{Payloads: [][]byte{payload(), payload()}}
		}
		i++
		return item, nil
	})
}
