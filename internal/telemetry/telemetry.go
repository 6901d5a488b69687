// Package telemetry reports pipeline statistics periodically to the log and,
// when a broker is configured, to MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/segcam/internal/stats"
)

// Publisher delivers one encoded report.
type Publisher interface {
	Publish(payload []byte) error
	Close() error
}

// Report is the published document.
type Report struct {
	RunID   string         `json:"run_id"`
	Model   string         `json:"model"`
	Time    time.Time      `json:"time"`
	Metrics stats.Snapshot `json:"metrics"`
}

type Reporter struct {
	RunID    string
	Model    string
	Interval time.Duration

	stats *stats.Counters
	pub   Publisher
	log   *slog.Logger
	now   func() time.Time
}

// NewRunID returns a fresh identifier for one process run.
func NewRunID() string { return uuid.NewString() }

// NewReporter creates a reporter. pub may be nil to only log.
func NewReporter(st *stats.Counters, pub Publisher, interval time.Duration, model, runID string, logger *slog.Logger) *Reporter {
	return &Reporter{
		RunID:    runID,
		Model:    model,
		Interval: interval,
		stats:    st,
		pub:      pub,
		log:      logger,
		now:      time.Now,
	}
}

// Run reports every Interval until ctx is done, then sends a final report.
// It never fails the pipeline.
func (r *Reporter) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report()
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snap := r.stats.Snapshot()
	r.log.Info("pipeline stats",
		"captured", snap.Captured,
		"decoded", snap.Decoded,
		"corrupt", snap.Corrupt,
		"inferences", snap.Inferences,
		"inference_failures", snap.InferenceFailures,
		"reused", snap.Reused,
		"submissions_dropped", snap.SubmissionsDropped,
		"stale_results", snap.StaleResults,
		"composited", snap.Composited,
		"inference_p50_ms", snap.InferenceMs.P50,
		"latency_p95_ms", snap.LatencyMs.P95,
	)

	if r.pub == nil {
		return
	}

	payload, err := json.Marshal(Report{
		RunID:   r.RunID,
		Model:   r.Model,
		Time:    r.now().UTC(),
		Metrics: snap,
	})
	if err != nil {
		r.log.Warn("failed to marshal stats", "error", err)
		return
	}
	if err := r.pub.Publish(payload); err != nil {
		r.log.Warn("failed to publish stats", "error", err)
	}
}
