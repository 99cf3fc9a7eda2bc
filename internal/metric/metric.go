// Package metric records append-only measurement samples: execution times,
// health probe latencies. Samples back the aggregates in the system health
// report; operational metrics are additionally exported to prometheus.
package metric

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

const (
	ExecutionTime     = "execution_time"
	HealthProbeTime   = "health_probe_time"
	QueueWaitTime     = "queue_wait_time"
	defaultSampleSpan = time.Hour
)

type (
	// Sample is one measurement. Values are seconds.
	Sample struct {
		ExecutionID *resource.ID `json:"execution_id"`
		RunnerID    *resource.ID `json:"runner_id"`
		MetricType  string       `json:"metric_type"`
		MetricValue float64      `json:"metric_value"`
		RecordedAt  time.Time    `json:"recorded_at"`
	}

	// Summary aggregates samples of one metric type over the last hour.
	Summary struct {
		MetricType string  `json:"metric_type"`
		Count      int     `json:"count"`
		Average    float64 `json:"average"`
		Max        float64 `json:"max"`
	}

	Service struct {
		logr.Logger

		db        *pgdb
		histogram *prometheus.HistogramVec
	}

	Options struct {
		logr.Logger
		*sql.DB
	}
)

func NewService(opts Options) *Service {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tms",
		Name:      "sample_seconds",
		Help:      "Recorded measurement samples, in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"metric_type"})
	prometheus.MustRegister(histogram)

	return &Service{
		Logger:    opts.Logger,
		db:        &pgdb{opts.DB},
		histogram: histogram,
	}
}

// Record appends a sample. Samples are best-effort: a failure to record is
// logged but never propagated into the operation being measured.
func (s *Service) Record(ctx context.Context, sample Sample) {
	sample.RecordedAt = internal.CurrentTimestamp(nil)
	s.histogram.WithLabelValues(sample.MetricType).Observe(sample.MetricValue)
	if err := s.db.create(ctx, &sample); err != nil {
		s.Error(err, "recording sample", "metric_type", sample.MetricType)
	}
}

// Summarize aggregates the last hour's samples per metric type.
func (s *Service) Summarize(ctx context.Context) ([]*Summary, error) {
	return s.db.summarize(ctx, internal.CurrentTimestamp(nil).Add(-defaultSampleSpan))
}

type pgdb struct {
	*sql.DB
}

func (db *pgdb) create(ctx context.Context, sample *Sample) error {
	_, err := db.Exec(ctx, `
INSERT INTO execution_metrics (
    execution_id,
    runner_id,
    metric_type,
    metric_value,
    recorded_at
) VALUES (
    @execution_id,
    @runner_id,
    @metric_type,
    @metric_value,
    @recorded_at
)`, pgx.NamedArgs{
		"execution_id": sample.ExecutionID,
		"runner_id":    sample.RunnerID,
		"metric_type":  sample.MetricType,
		"metric_value": sample.MetricValue,
		"recorded_at":  sample.RecordedAt,
	})
	return err
}

func (db *pgdb) summarize(ctx context.Context, since time.Time) ([]*Summary, error) {
	rows := db.Query(ctx, `
SELECT metric_type,
       count(*)::int AS count,
       avg(metric_value) AS average,
       max(metric_value) AS max
FROM execution_metrics
WHERE recorded_at > $1
GROUP BY metric_type
ORDER BY metric_type
`, since)
	return sql.CollectRows(rows, pgx.RowToAddrOfStructByName[Summary])
}
