// Package telemetry emits latency records at measured phase boundaries and
// exposes Prometheus metrics. Emission is fire-and-forget: the call state
// machine never blocks or fails on telemetry.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LatencyRecord is one timestamped phase-boundary measurement
type LatencyRecord struct {
	ActionType string `json:"action_type"`
	Env        string `json:"env"`
	Region     string `json:"region"`
	Value      int64  `json:"value"` // elapsed milliseconds
	CallID     string `json:"call_id"`
	Scenario   string `json:"scenario"`
}

// Sink accepts latency records
type Sink interface {
	LogLatencies(records []LatencyRecord)
}

// NopSink discards all records
type NopSink struct{}

func (NopSink) LogLatencies([]LatencyRecord) {}

// HTTPSink posts latency records as a JSON batch to an ingest URL
type HTTPSink struct {
	ingestURL string
	env       string
	region    string
	client    *http.Client
	log       *logrus.Entry
}

// NewHTTPSink creates a sink posting to ingestURL. Env and region are
// stamped onto every record.
func NewHTTPSink(ingestURL, env, region string, log *logrus.Entry) *HTTPSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPSink{
		ingestURL: ingestURL,
		env:       env,
		region:    region,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

// LogLatencies posts the batch in the background. Failures are logged only.
func (s *HTTPSink) LogLatencies(records []LatencyRecord) {
	if s.ingestURL == "" || len(records) == 0 {
		return
	}
	for i := range records {
		records[i].Env = s.env
		records[i].Region = s.region
		ActionLatency.WithLabelValues(records[i].ActionType).Observe(float64(records[i].Value) / 1000)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data, err := json.Marshal(records)
		if err != nil {
			s.log.WithError(err).Warn("encoding latency records")
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ingestURL, bytes.NewReader(data))
		if err != nil {
			s.log.WithError(err).Warn("creating telemetry request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			s.log.WithError(err).Warn("posting latency records")
			return
		}
		resp.Body.Close()
	}()
}
