package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	snap Snapshot
}

func (f *fakeProber) Check(context.Context) Snapshot { return f.snap }

func okSnapshot() Snapshot {
	return Snapshot{
		Status:    StatusOK,
		Connected: true,
		JetStream: true,
		Streams:   map[string]bool{"TEST_SHOP_EVENTS": true},
		Outbox:    map[string]int{"sent": 12},
		Pool:      PoolSettings{Concurrency: 2, FetchBatch: 10},
		CheckedAt: time.Now().UTC(),
	}
}

func TestHealthzOK(t *testing.T) {
	srv := NewServer(":0", &fakeProber{snap: okSnapshot()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, StatusOK, snap.Status)
	assert.True(t, snap.Streams["TEST_SHOP_EVENTS"])
	assert.Equal(t, 12, snap.Outbox["sent"])
}

func TestHealthzDegraded(t *testing.T) {
	snap := okSnapshot()
	snap.Status = StatusDegraded
	snap.OutboxStalePublishing = true

	srv := NewServer(":0", &fakeProber{snap: snap})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var got Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.OutboxStalePublishing)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(":0", &fakeProber{snap: okSnapshot()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
