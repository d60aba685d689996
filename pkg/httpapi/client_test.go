// Copyright 2025 The axfor Authors
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


package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerStore/internal/kvstore"
)

func newTestClient(t *testing.T, eng *fakeEngine, sub *fakeSubmitter) *Client {
	t.Helper()
	ts := httptest.NewServer(newTestServer(t, DefaultConfig(), eng, sub).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", ts.Client())
}

func TestClient_SubmitBatches(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newTestClient(t, newFakeEngine(), sub)

	resp, err := c.SubmitBatches(context.Background(), kvBatch("b1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, resp.BatchIDs)

	resp, err = c.SubmitBatches(context.Background(), kvBatch("b2"), kvBatch("b3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b3"}, resp.BatchIDs)
	assert.Equal(t, "/batch_statuses?id=b2,b3", resp.Link)

	require.Len(t, sub.batches, 3)
	assert.Equal(t, "b3", sub.batches[2].ID)

	_, err = c.SubmitBatches(context.Background())
	assert.Error(t, err)
	assert.Len(t, sub.batches, 3)
}

func TestClient_SubmitBatchesPartial(t *testing.T) {
	c := newTestClient(t, newFakeEngine(), &fakeSubmitter{capacity: 1})

	_, err := c.SubmitBatches(context.Background(), kvBatch("b1"), kvBatch("b2"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Code)
	assert.Equal(t, []string{"b1"}, apiErr.Accepted)
	assert.Contains(t, apiErr.Error(), "accepted b1")
}

func TestClient_BatchStatuses(t *testing.T) {
	eng := newFakeEngine()
	eng.setStatus("b1", kvstore.CommittedStatus([]string{"t1"}))
	c := newTestClient(t, eng, &fakeSubmitter{})

	infos, err := c.BatchStatuses(context.Background(), []string{"b1", "b2"}, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, kvstore.StatusCommitted, infos[0].Status.Type)
	assert.Equal(t, []string{"t1"}, infos[0].Status.Valid)
	assert.Equal(t, kvstore.StatusUnknown, infos[1].Status.Type)
}

func TestClient_State(t *testing.T) {
	c := newTestClient(t, newFakeEngine(), &fakeSubmitter{})
	ctx := context.Background()

	root, err := c.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, kvstore.RootID("r1"), root)

	got, err := c.State(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, kvstore.RootID("r1"), got.Root)

	got, err = c.State(ctx, "k", "r0")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got.Value)

	_, err = c.State(ctx, "missing", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)

	_, err = c.State(ctx, "k", "nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)
}
