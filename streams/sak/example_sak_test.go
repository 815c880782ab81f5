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

package sak_test

import (
	"fmt"
	"time"

	"github.com/deduce-dev/dacman-stream/streams/sak"
)

func ExampleMin() {
	fmt.Println(sak.Min(250*time.Millisecond, 5*time.Second))
	// Output: 250ms
}

func ExampleMax() {
	a := uint16(1)
	b := uint16(2)
	fmt.Println(sak.Max(a, b))
	// Output: 2
}

func newBuffer() []byte {
	return make([]byte, 0, 64)
}

func resetBuffer(b []byte) []byte {
	return b[0:0]
}

func ExamplePool() {
	bufferPool := sak.NewPool(8, newBuffer, resetBuffer)
	b := bufferPool.Borrow()
	b = append(b, "task:1"...)
	fmt.Println(len(b))
	bufferPool.Release(b)

	b = bufferPool.Borrow()
	fmt.Println(cap(b) >= 6)
	// Output: 6
	// true
}

func ExampleToStrings() {
	type blockID string
	ids := []blockID{"datablock:a", "datablock:b"}
	fmt.Println(sak.ToStrings(ids))
	// Output: [datablock:a datablock:b]
}

func ExampleFromStrings() {
	type taskID string
	ids := sak.FromStrings[taskID]([]string{"task:1", "task:2"})
	fmt.Printf("%T %d\n", ids, len(ids))
	// Output: []sak_test.taskID 2
}
