package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"cwa-risk-core/shared/config"
)

// Client writes risk time series to one bucket.
type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS)).
		SetPrecision(time.Second)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

// Point is one sample. A zero Time is stamped with the write time.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// WritePoints writes a batch in one blocking request.
func (c *Client) WritePoints(ctx context.Context, points []Point) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if len(points) == 0 {
		return nil
	}
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, toWritePoints(points, time.Now().UTC())...)
}

func toWritePoints(points []Point, now time.Time) []*write.Point {
	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		if p.Measurement == "" || len(p.Fields) == 0 {
			continue
		}
		ts := p.Time
		if ts.IsZero() {
			ts = now
		}
		batch = append(batch, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, ts))
	}
	return batch
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
