// Package influx provides time-series metrics for the mining coordinator.
// It records batch throughput, per-worker hashrate, GPU telemetry, and
// solution discoveries.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
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

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	queryAPI := client.QueryAPI(cfg.Org)

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Flush forces buffered writes out
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Mining metrics

// WriteBatchMetric records one completed batch
func (c *Client) WriteBatchMetric(workerID string, templateID, hashesComputed, durationMS uint64) {
	tags := map[string]string{
		"worker_id":   workerID,
		"template_id": fmt.Sprintf("%d", templateID),
	}

	fields := map[string]interface{}{
		"hashes_computed": int64(hashesComputed),
		"duration_ms":     int64(durationMS),
		"count":           1,
	}

	point := write.NewPoint("batches", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteHashrateMetric records a worker hashrate sample
func (c *Client) WriteHashrateMetric(workerID string, hashrate float64) {
	tags := map[string]string{
		"worker_id": workerID,
	}

	fields := map[string]interface{}{
		"hashrate": hashrate,
	}

	point := write.NewPoint("hashrate", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteGPUMetric records one device telemetry sample
func (c *Client) WriteGPUMetric(workerID string, index int, name string, memory uint64, utilization, temperature float64) {
	tags := map[string]string{
		"worker_id": workerID,
		"gpu_index": fmt.Sprintf("%d", index),
		"gpu_name":  name,
	}

	fields := map[string]interface{}{
		"memory":      int64(memory),
		"utilization": utilization,
		"temperature": temperature,
	}

	point := write.NewPoint("gpus", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteSolutionMetric records a solution discovery
func (c *Client) WriteSolutionMetric(workerID string, templateID uint64, height int64, status string) {
	tags := map[string]string{
		"worker_id": workerID,
		"status":    status,
	}

	fields := map[string]interface{}{
		"template_id": int64(templateID),
		"height":      height,
		"count":       1,
	}

	point := write.NewPoint("solutions", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteFleetMetric records aggregate fleet statistics
func (c *Client) WriteFleetMetric(workers int, totalHashrate float64, outstandingBatches int) {
	fields := map[string]interface{}{
		"workers":             workers,
		"total_hashrate":      totalHashrate,
		"outstanding_batches": outstandingBatches,
	}

	point := write.NewPoint("fleet", map[string]string{}, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// GetWorkerHashrate queries a worker's mean hashrate over the window
func (c *Client) GetWorkerHashrate(ctx context.Context, workerID string, window time.Duration) (float64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%ds)
		|> filter(fn: (r) => r._measurement == "hashrate" and r.worker_id == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> mean()`,
		c.bucket, int(window.Seconds()), workerID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query hashrate: %w", err)
	}
	defer func() { _ = result.Close() }()

	for result.Next() {
		if v, ok := result.Record().Value().(float64); ok {
			return v, nil
		}
	}
	return 0, result.Err()
}
