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
	"bytes"
	"fmt"

	"github.com/deduce-dev/dacman-stream/streams/sak"
	jsoniter "github.com/json-iterator/go"
)

type Codec[T any] interface {
	Encode(*bytes.Buffer, T) error
	Decode([]byte) (T, error)
}

var defaultJson = jsoniter.ConfigCompatibleWithStandardLibrary

// A generic JSON en/decoder.
// Uses "github.com/json-iterator/go".ConfigCompatibleWithStandardLibrary for en/decoding JSON in a performant way
type JsonCodec[T any] struct{}

// Encodes the provided value.
func (JsonCodec[T]) Encode(b *bytes.Buffer, t T) error {
	stream := defaultJson.BorrowStream(b)
	defer defaultJson.ReturnStream(stream)
	stream.WriteVal(t)
	return stream.Flush()
}

// Decodes the provided []byte,
func (JsonCodec[T]) Decode(b []byte) (T, error) {
	iter := defaultJson.BorrowIterator(b)
	defer defaultJson.ReturnIterator(iter)

	var t T
	iter.ReadVal(&t)
	return t, iter.Error
}

var bufferPool = sak.NewPool(64, func() *bytes.Buffer {
	return bytes.NewBuffer(make([]byte, 0, 256))
}, func(b *bytes.Buffer) *bytes.Buffer {
	b.Reset()
	return b
})

type taskCodec struct{}

// ValidateTask rejects Tasks that no worker could execute: a missing id or no blocks.
func ValidateTask(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedTask)
	}
	if len(task.Blocks) == 0 {
		return fmt.Errorf("%w: %s has no blocks", ErrMalformedTask, task.ID)
	}
	return nil
}

// Encodes a Task as {"id":"task:...","blocks":["datablock:...",...]}.
func (taskCodec) Encode(b *bytes.Buffer, task Task) error {
	if err := ValidateTask(task); err != nil {
		return err
	}
	stream := defaultJson.BorrowStream(b)
	defer defaultJson.ReturnStream(stream)
	stream.WriteObjectStart()
	stream.WriteObjectField("id")
	stream.WriteString(string(task.ID))
	stream.WriteMore()
	stream.WriteObjectField("blocks")
	stream.WriteArrayStart()
	for i, id := range task.Blocks {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteString(string(id))
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()
	return stream.Flush()
}

// Decodes a Task. Unknown fields are skipped; a missing id or an empty block list is an ErrMalformedTask.
func (taskCodec) Decode(b []byte) (task Task, err error) {
	iter := defaultJson.BorrowIterator(b)
	defer defaultJson.ReturnIterator(iter)
	for field := iter.ReadObject(); field != ""; field = iter.ReadObject() {
		switch field {
		case "id":
			task.ID = TaskID(iter.ReadString())
		case "blocks":
			for iter.ReadArray() {
				task.Blocks = append(task.Blocks, BlockID(iter.ReadString()))
			}
		default:
			iter.Skip()
		}
	}
	if iter.Error != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, iter.Error)
	}
	if task.ID == "" || len(task.Blocks) == 0 {
		return Task{}, fmt.Errorf("%w: %q", ErrMalformedTask, b)
	}
	return task, nil
}

// The fixed-schema codec used by every Broker to put Tasks on the wire.
var TaskCodec Codec[Task] = taskCodec{}

// EncodeTask is a convenience wrapper that returns a freshly allocated []byte.
func EncodeTask(task Task) ([]byte, error) {
	buf := bufferPool.Borrow()
	defer bufferPool.Release(buf)
	if err := TaskCodec.Encode(buf, task); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func DecodeTask(b []byte) (Task, error) {
	return TaskCodec.Decode(b)
}
