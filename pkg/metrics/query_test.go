package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers /api/v1/query with a single-sample vector whose value
// depends on which metric the query mentions.
func fakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := r.Form.Get("query")

		value := "0"
		switch {
		case strings.Contains(query, `status="success"`):
			value = "12"
		case strings.Contains(query, `status="error"`):
			value = "3"
		case strings.Contains(query, "router_duplicates_dropped_total"):
			value = "5"
		case strings.Contains(query, "bus_publish_duration_seconds_sum"):
			value = "0.025"
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[%d,"%s"]}]}}`,
			time.Now().Unix(), value)
	}))
}

func TestGetTopicMetrics(t *testing.T) {
	srv := fakePrometheus(t)
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	m, err := svc.GetTopicMetrics(context.Background(), "tasks")
	require.NoError(t, err)

	assert.Equal(t, "tasks", m.Topic)
	assert.Equal(t, int64(12), m.Delivered)
	assert.Equal(t, int64(3), m.Failed)
	assert.Equal(t, int64(5), m.DuplicatesDropped)
	assert.InDelta(t, 0.025, m.AvgPublishSeconds, 1e-9)
}

func TestGetTopicMetricsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	m, err := svc.GetTopicMetrics(context.Background(), "nothing-here")
	require.NoError(t, err)

	assert.Zero(t, m.Delivered)
	assert.Zero(t, m.Failed)
	assert.Zero(t, m.DuplicatesDropped)
	assert.Zero(t, m.AvgPublishSeconds)
}
