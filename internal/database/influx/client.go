// Package influx records ledger activity as InfluxDB time series.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB writes and queries for ledger metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a client and checks server health
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newClient(client, cfg)
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

func newClient(client influxdb2.Client, cfg *Config) *Client {
	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Ledger metrics

// SubmissionPoint builds the point for a task submission outcome
func SubmissionPoint(identity string, rewardUnits uint64, status string, latency time.Duration, at time.Time) *write.Point {
	return write.NewPoint("submissions",
		map[string]string{
			"node_identity": identity,
			"status":        status,
		},
		map[string]any{
			"reward_units": rewardUnits,
			"latency_ms":   float64(latency) / float64(time.Millisecond),
			"count":        1,
		},
		at)
}

// ClaimPoint builds the point for a reward claim
func ClaimPoint(identity string, amount, pending uint64, at time.Time) *write.Point {
	return write.NewPoint("claims",
		map[string]string{"node_identity": identity},
		map[string]any{
			"amount":               amount,
			"pending_reward_units": pending,
			"count":                1,
		},
		at)
}

// NetworkPoint builds the point for network-wide counters
func NetworkPoint(totalTasks, totalRewardUnits uint64, nodes int64, at time.Time) *write.Point {
	return write.NewPoint("network",
		map[string]string{},
		map[string]any{
			"total_tasks":        totalTasks,
			"total_reward_units": totalRewardUnits,
			"nodes":              nodes,
		},
		at)
}

// RejectionPoint builds the point for a rejected instruction
func RejectionPoint(instruction, code string, at time.Time) *write.Point {
	return write.NewPoint("rejections",
		map[string]string{
			"instruction": instruction,
			"code":        code,
		},
		map[string]any{"count": 1},
		at)
}

// WriteSubmissionMetric records a task submission outcome
func (c *Client) WriteSubmissionMetric(identity string, rewardUnits uint64, status string, latency time.Duration) {
	c.writeAPI.WritePoint(SubmissionPoint(identity, rewardUnits, status, latency, time.Now()))
}

// WriteClaimMetric records a reward claim
func (c *Client) WriteClaimMetric(identity string, amount, pending uint64) {
	c.writeAPI.WritePoint(ClaimPoint(identity, amount, pending, time.Now()))
}

// WriteNetworkMetric records network-wide counters
func (c *Client) WriteNetworkMetric(totalTasks, totalRewardUnits uint64, nodes int64) {
	c.writeAPI.WritePoint(NetworkPoint(totalTasks, totalRewardUnits, nodes, time.Now()))
}

// WriteRejectionMetric records a rejected instruction
func (c *Client) WriteRejectionMetric(instruction, code string) {
	c.writeAPI.WritePoint(RejectionPoint(instruction, code, time.Now()))
}

// Query methods

// NodeRewardStats aggregates submissions of one node over a period
type NodeRewardStats struct {
	Submissions int64   `json:"submissions"`
	RewardUnits float64 `json:"reward_units"`
}

// GetNodeRewardStats sums accepted submissions of identity over duration
func (c *Client) GetNodeRewardStats(ctx context.Context, identity string, duration time.Duration) (*NodeRewardStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "submissions")
		|> filter(fn: (r) => r.node_identity == "%s" and r.status == "ok")
		|> filter(fn: (r) => r._field == "count" or r._field == "reward_units")
		|> group(columns: ["_field"])
		|> sum()
	`, c.bucket, duration.String(), identity)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query node rewards: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &NodeRewardStats{}
	for result.Next() {
		record := result.Record()
		switch record.Field() {
		case "count":
			if v, ok := record.Value().(int64); ok {
				stats.Submissions = v
			}
		case "reward_units":
			switch v := record.Value().(type) {
			case uint64:
				stats.RewardUnits = float64(v)
			case int64:
				stats.RewardUnits = float64(v)
			case float64:
				stats.RewardUnits = v
			}
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return stats, nil
}
