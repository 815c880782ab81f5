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

package wsock

import (
	"context"
	"fmt"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/gorilla/websocket"
)

/*
Endpoint is the worker side of the push protocol:

	endpoint, err := wsock.Dial(ctx, "ws://coordinator:8765/", workerID)
	if err != nil {
		return err
	}
	defer endpoint.Close()
	stats, err := streams.NewPushWorker(broker, op, config, endpoint).Run(ctx)
*/
type Endpoint struct {
	id       string
	conn     *workerConn
	messages chan streams.Message
	readErr  chan error
}

var _ streams.WorkerEndpoint = (*Endpoint)(nil)

// Dial connects to a Server at `url`. The worker registers itself with its first Send, which must be READY.
func Dial(ctx context.Context, url, workerID string) (*Endpoint, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", streams.ErrTransportClosed, url, err)
	}
	e := &Endpoint{
		id:       workerID,
		conn:     &workerConn{ws: ws},
		messages: make(chan streams.Message, 4),
		readErr:  make(chan error, 1),
	}
	go e.readLoop()
	return e, nil
}

func (e *Endpoint) readLoop() {
	for {
		_, data, err := e.conn.ws.ReadMessage()
		if err != nil {
			e.readErr <- fmt.Errorf("%w: %v", streams.ErrTransportClosed, err)
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			e.readErr <- fmt.Errorf("%w: %v", streams.ErrMalformedTask, err)
			return
		}
		e.messages <- msg
	}
}

func (e *Endpoint) Send(ctx context.Context, msg streams.Message) error {
	msg.WorkerID = e.id
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	if err := e.conn.write(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", streams.ErrTransportClosed, err)
	}
	return nil
}

func (e *Endpoint) Recv(ctx context.Context) (streams.Message, error) {
	select {
	case msg := <-e.messages:
		return msg, nil
	case err := <-e.readErr:
		return streams.Message{}, err
	case <-ctx.Done():
		return streams.Message{}, ctx.Err()
	}
}

// Close sends a close frame and closes the connection.
func (e *Endpoint) Close() error {
	e.conn.writeMu.Lock()
	_ = e.conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	e.conn.writeMu.Unlock()
	return e.conn.ws.Close()
}
