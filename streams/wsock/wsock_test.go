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
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func lenDiff(_ context.Context, payloads [][]byte) ([]byte, error) {
	return []byte(strconv.Itoa(len(payloads[1]) - len(payloads[0]))), nil
}

func TestPushProtocolOverWebsockets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := streams.NewMemoryBroker("")
	defer broker.Close()

	var tasks []streams.Task
	for i := 0; i < 6; i++ {
		ids, err := broker.PutBlocks(ctx, [][]byte{make([]byte, i), make([]byte, 2*i)})
		require.NoError(t, err)
		tasks = append(tasks, streams.Task{ID: streams.NewTaskID(), Blocks: ids})
	}

	server := NewServer()
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("w%d", i)
		endpoint, err := Dial(ctx, wsURL(srv), id)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer endpoint.Close()
			_, err := streams.NewPushWorker(broker, lenDiff, streams.WorkerConfig{ID: id}, endpoint).Run(ctx)
			errs <- err
		}()
	}

	coordinator, err := streams.NewCoordinator(streams.CoordinatorConfig{
		Workers:      2,
		StoreResults: true,
		Broker:       broker,
	})
	require.NoError(t, err)
	stats, err := coordinator.Run(ctx, streams.StaticFeed(tasks...), server)
	require.NoError(t, err)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 6, stats.Done)
	assert.Equal(t, 2, stats.Exits)
	assert.Len(t, append(stats.Assigned["w0"], stats.Assigned["w1"]...), 6)
	for i, task := range tasks {
		payload, ok, err := broker.GetResult(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, strconv.Itoa(i), string(payload))
	}
}

func TestSendToUnknownWorker(t *testing.T) {
	server := NewServer()
	defer server.Close()
	err := server.Send(context.Background(), "nobody", streams.Message{Tag: streams.TagExit})
	assert.True(t, errors.Is(err, streams.ErrTransportClosed), "unexpected error: %v", err)
}

func TestDisconnectBeforeExitFailsRecv(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server := NewServer()
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()

	endpoint, err := Dial(ctx, wsURL(srv), "w")
	require.NoError(t, err)
	require.NoError(t, endpoint.Send(ctx, streams.Message{Tag: streams.TagReady}))
	msg, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, streams.TagReady, msg.Tag)
	assert.Equal(t, "w", msg.WorkerID)

	require.NoError(t, endpoint.Close())
	_, err = server.Recv(ctx)
	assert.True(t, errors.Is(err, streams.ErrTransportClosed), "unexpected error: %v", err)
}
