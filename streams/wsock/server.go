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

// Package wsock carries the push protocol between a Coordinator and PushWorkers in other
// processes over websockets. Every frame is one JSON encoded streams.Message.
package wsock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/gorilla/websocket"
)

var codec = streams.JsonCodec[streams.Message]{}

func encode(msg streams.Message) ([]byte, error) {
	var b bytes.Buffer
	if err := codec.Encode(&b, msg); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func writeDeadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

type workerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	exited  bool
}

func (wc *workerConn) write(ctx context.Context, payload []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.ws.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return err
	}
	return wc.ws.WriteMessage(websocket.TextMessage, payload)
}

/*
Server is the coordinator side of the push protocol. Mount it on an http server and hand it to
Coordinator.Run:

	server := wsock.NewServer()
	go http.ListenAndServe(":8765", server)
	stats, err := coordinator.Run(ctx, feed, server)

A worker is registered under the WorkerID of its first message, which must be READY.
A worker that disconnects before sending EXIT fails Recv with ErrTransportClosed.
*/
type Server struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[string]*workerConn
	inbound  chan streams.Message
	errs     chan error
	closed   chan struct{}
	once     sync.Once
}

var _ streams.CoordinatorTransport = (*Server)(nil)

func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns:   make(map[string]*workerConn),
		inbound: make(chan streams.Message, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		streams.Log().Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer ws.Close()

	first, err := s.read(ws)
	if err != nil {
		streams.Log().Warnf("worker at %s sent no hello: %v", r.RemoteAddr, err)
		return
	}
	if first.Tag != streams.TagReady || first.WorkerID == "" {
		streams.Log().Warnf("worker at %s opened with %v (id %q), expected READY", r.RemoteAddr, first.Tag, first.WorkerID)
		return
	}
	id := first.WorkerID
	wc := &workerConn{ws: ws}
	s.mu.Lock()
	if _, dup := s.conns[id]; dup {
		s.mu.Unlock()
		streams.Log().Warnf("duplicate worker id %s from %s", id, r.RemoteAddr)
		return
	}
	s.conns[id] = wc
	s.mu.Unlock()
	streams.Log().Infof("worker %s connected from %s", id, r.RemoteAddr)
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
	}()

	msg := first
	for {
		if !s.deliver(msg) {
			return
		}
		if msg.Tag == streams.TagExit {
			wc.exited = true
			return
		}
		msg, err = s.read(ws)
		if err != nil {
			if !wc.exited {
				s.fail(fmt.Errorf("%w: worker %s disconnected: %v", streams.ErrTransportClosed, id, err))
			}
			return
		}
		msg.WorkerID = id
	}
}

func (s *Server) read(ws *websocket.Conn) (streams.Message, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return streams.Message{}, err
	}
	msg, err := codec.Decode(data)
	if err != nil {
		return streams.Message{}, fmt.Errorf("%w: %v", streams.ErrMalformedTask, err)
	}
	return msg, nil
}

func (s *Server) deliver(msg streams.Message) bool {
	select {
	case s.inbound <- msg:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Server) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Server) Recv(ctx context.Context) (streams.Message, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	case err := <-s.errs:
		return streams.Message{}, err
	case <-s.closed:
		return streams.Message{}, streams.ErrTransportClosed
	case <-ctx.Done():
		return streams.Message{}, ctx.Err()
	}
}

func (s *Server) Send(ctx context.Context, workerID string, msg streams.Message) error {
	s.mu.Lock()
	wc, ok := s.conns[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown worker %q", streams.ErrTransportClosed, workerID)
	}
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	if err := wc.write(ctx, payload); err != nil {
		return fmt.Errorf("%w: send to %s: %v", streams.ErrTransportClosed, workerID, err)
	}
	return nil
}

// Workers returns the ids of the connected workers.
func (s *Server) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		var errs []error
		for _, wc := range s.conns {
			errs = append(errs, wc.ws.Close())
		}
		if err := errors.Join(errs...); err != nil {
			streams.Log().Debugf("closing worker connections: %v", err)
		}
	})
	return nil
}
