package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// TopicMetrics represents aggregated delivery metrics for one topic.
type TopicMetrics struct {
	Topic             string  `json:"topic"`
	Delivered         int64   `json:"delivered"`
	Failed            int64   `json:"failed"`
	DuplicatesDropped int64   `json:"duplicates_dropped"`
	AvgPublishSeconds float64 `json:"avg_publish_seconds"`
}

// QueryService provides methods to query delivery metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetTopicMetrics retrieves aggregated delivery metrics for a specific topic,
// summed across all router instances reporting to the Prometheus server.
func (q *QueryService) GetTopicMetrics(ctx context.Context, topic string) (*TopicMetrics, error) {
	m := &TopicMetrics{Topic: topic}

	delivered, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(router_deliveries_total{target=%q, status="success"})`, topic))
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	m.Delivered = int64(delivered)

	failed, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(router_deliveries_total{target=%q, status="error"})`, topic))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed deliveries: %w", err)
	}
	m.Failed = int64(failed)

	dups, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(router_duplicates_dropped_total{topic=%q})`, topic))
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	m.DuplicatesDropped = int64(dups)

	avg, err := q.scalarQuery(ctx, fmt.Sprintf(
		`sum(rate(bus_publish_duration_seconds_sum{topic=%q}[5m])) / sum(rate(bus_publish_duration_seconds_count{topic=%q}[5m]))`,
		topic, topic))
	if err != nil {
		return nil, fmt.Errorf("failed to query publish latency: %w", err)
	}
	m.AvgPublishSeconds = avg

	return m, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
