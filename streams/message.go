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
	"sync"
)

// MessageTag identifies a push protocol message.
type MessageTag int

const (
	// worker -> coordinator: the worker can take a task
	TagReady MessageTag = iota
	// coordinator -> worker: carries the Task to execute
	TagStart
	// worker -> coordinator: carries the Result of the last Task
	TagDone
	// both directions: no more tasks / the worker has stopped
	TagExit
)

func (t MessageTag) String() string {
	switch t {
	case TagReady:
		return "READY"
	case TagStart:
		return "START"
	case TagDone:
		return "DONE"
	case TagExit:
		return "EXIT"
	}
	return fmt.Sprintf("MessageTag(%d)", int(t))
}

// Message is the tagged union exchanged between a Coordinator and its workers.
// Task is set for TagStart, Result for TagDone. Error is set on a TagDone for a failed Task.
type Message struct {
	Tag      MessageTag `json:"tag"`
	WorkerID string     `json:"worker"`
	Task     *Task      `json:"task,omitempty"`
	Result   *Result    `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// CoordinatorTransport is the coordinator's end of the push protocol.
type CoordinatorTransport interface {
	// Receives the next message from any worker.
	Recv(ctx context.Context) (Message, error)
	Send(ctx context.Context, workerID string, msg Message) error
	Close() error
}

// WorkerEndpoint is a worker's end of the push protocol.
type WorkerEndpoint interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

/*
ChannelTransport connects a Coordinator to in-process workers with channels.

	transport := streams.NewChannelTransport()
	w1 := transport.Endpoint("w1")
	w2 := transport.Endpoint("w2")
*/
type ChannelTransport struct {
	mu      sync.Mutex
	inbound chan Message
	inboxes map[string]chan Message
	closed  chan struct{}
	once    sync.Once
}

var _ CoordinatorTransport = (*ChannelTransport)(nil)

func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{
		inbound: make(chan Message, 64),
		inboxes: make(map[string]chan Message),
		closed:  make(chan struct{}),
	}
}

// Endpoint registers `workerID` and returns its WorkerEndpoint.
func (ct *ChannelTransport) Endpoint(workerID string) WorkerEndpoint {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	inbox, ok := ct.inboxes[workerID]
	if !ok {
		inbox = make(chan Message, 4)
		ct.inboxes[workerID] = inbox
	}
	return channelEndpoint{id: workerID, transport: ct, inbox: inbox}
}

func (ct *ChannelTransport) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-ct.inbound:
		return msg, nil
	case <-ct.closed:
		return Message{}, ErrTransportClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (ct *ChannelTransport) Send(ctx context.Context, workerID string, msg Message) error {
	ct.mu.Lock()
	inbox, ok := ct.inboxes[workerID]
	ct.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %q", workerID)
	}
	select {
	case inbox <- msg:
		return nil
	case <-ct.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ct *ChannelTransport) Close() error {
	ct.once.Do(func() { close(ct.closed) })
	return nil
}

type channelEndpoint struct {
	id        string
	transport *ChannelTransport
	inbox     chan Message
}

func (ce channelEndpoint) Send(ctx context.Context, msg Message) error {
	msg.WorkerID = ce.id
	select {
	case ce.transport.inbound <- msg:
		return nil
	case <-ce.transport.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ce channelEndpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-ce.inbox:
		return msg, nil
	case <-ce.transport.closed:
		return Message{}, ErrTransportClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (ce channelEndpoint) Close() error {
	return nil
}
