// Package influxdb writes lifecycle events as points into an InfluxDB 2.x
// bucket. Each event becomes one point of the configured measurement,
// tagged by service and event type.
package influxdb

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/servisor/internal/history"
)

const defaultMeasurement = "service_lifecycle"

type Options struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

func New(o Options) (*Sink, error) {
	if o.URL == "" || o.Org == "" || o.Bucket == "" {
		return nil, errors.New("influxdb: url, org and bucket are required")
	}
	m := o.Measurement
	if m == "" {
		m = defaultMeasurement
	}
	client := influxdb2.NewClientWithOptions(o.URL, o.Token, influxdb2.DefaultOptions())
	return &Sink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(o.Org, o.Bucket),
		measurement: m,
	}, nil
}

// Point converts e into the point written by Send.
func (s *Sink) Point(e history.Event) *write.Point {
	tags := map[string]string{
		"service": e.Service,
		"type":    string(e.Type),
	}
	if e.To != "" {
		tags["to"] = e.To
	}
	fields := map[string]interface{}{
		"event_id": e.ID,
		"from":     e.From,
		"pid":      e.PID,
		"failed":   e.Error != "",
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}
	return write.NewPoint(s.measurement, tags, fields, e.OccurredAt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.writeAPI.WritePoint(ctx, s.Point(e)); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
