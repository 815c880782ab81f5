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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deduce-dev/dacman-stream/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	start := time.Now()
	for i := 0; i < 3; i++ {
		c.Handle(streams.Metric{
			StartTime: start,
			EndTime:   start.Add(10 * time.Millisecond),
			Count:     2,
			Bytes:     100,
			Operation: streams.PullOperation,
		})
	}
	c.Handle(streams.Metric{Operation: streams.IdlePollOperation, Count: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.operations.WithLabelValues(streams.PullOperation)))
	assert.Equal(t, 300.0, testutil.ToFloat64(c.bytes.WithLabelValues(streams.PullOperation)))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.items.WithLabelValues(streams.PullOperation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues(streams.IdlePollOperation)))
	assert.Equal(t, 2, testutil.CollectAndCount(c.duration))
}

func TestHandlerServesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	// workers of one process share the series
	NewCollector(reg).Handle(streams.Metric{Operation: streams.ResultPutOperation, Count: 1})
	NewCollector(reg).Handle(streams.Metric{Operation: streams.ResultPutOperation, Count: 1})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `dstream_operations_total{operation="ResultPut"} 2`), string(body))
}
