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

// idleQueue holds the ids of workers that sent READY, in arrival order.
// Only the coordinator loop touches it, so it is not synchronized.
type idleQueue struct {
	ids  []string
	head int
}

func (q *idleQueue) enqueue(id string) {
	q.ids = append(q.ids, id)
}

func (q *idleQueue) dequeue() (string, bool) {
	if q.head >= len(q.ids) {
		return "", false
	}
	id := q.ids[q.head]
	q.ids[q.head] = ""
	q.head++
	if q.head == len(q.ids) {
		q.ids = q.ids[:0]
		q.head = 0
	}
	return id, true
}

func (q *idleQueue) len() int {
	return len(q.ids) - q.head
}
