// Package webhook contains the result ingestor: the HTTP surface runners
// call back into to report execution progress and results.
package webhook

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/api"
	"github.com/tmshq/tms/internal/execution"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/metric"
	"github.com/tmshq/tms/internal/resource"
)

var deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tms",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(deliveries)
}

type (
	Handlers struct {
		logr.Logger

		executions executionClient
		metrics    sampleRecorder
		// shared bearer token; empty disables authentication
		token string
	}

	Options struct {
		logr.Logger

		Executions executionClient
		Metrics    sampleRecorder
		// Token is the shared webhook bearer token, typically sourced from
		// TMS_WEBHOOK_TOKEN.
		Token string
	}

	executionClient interface {
		Start(ctx context.Context, id resource.ID) (*execution.Execution, error)
		Finish(ctx context.Context, id resource.ID, to execution.Status, results *execution.Results) (*execution.Execution, error)
		HandleShardResult(ctx context.Context, parentID, shardID resource.ID, to execution.Status, results *execution.Results) error
	}

	sampleRecorder interface {
		Record(ctx context.Context, sample metric.Sample)
	}

	// resultPayload is the wire shape of a runner callback.
	resultPayload struct {
		ExecutionID resource.ID      `json:"executionId"`
		Status      execution.Status `json:"status"`
		Results     *resultsPayload  `json:"results"`
	}

	resultsPayload struct {
		Total      int      `json:"total"`
		Passed     int      `json:"passed"`
		Failed     int      `json:"failed"`
		Skipped    int      `json:"skipped"`
		DurationMS int64    `json:"durationMs"`
		Artifacts  []string `json:"artifacts"`
	}

	ackResponse struct {
		DeliveryID string `json:"deliveryId"`
		Accepted   bool   `json:"accepted"`
	}
)

func NewHandlers(opts Options) *Handlers {
	h := &Handlers{
		Logger:     opts.Logger.WithValues("component", "webhook"),
		executions: opts.Executions,
		metrics:    opts.Metrics,
		token:      opts.Token,
	}
	if h.token == "" {
		// the permissive default is deliberate but worth shouting about
		h.Error(nil, "webhook token is unset; accepting unauthenticated webhook deliveries")
	}
	return h
}

func (h *Handlers) AddHandlers(r *mux.Router) {
	r.Handle("/webhooks/execution-results",
		h.authenticate(http.HandlerFunc(h.executionResults))).Methods("POST")
	r.Handle("/webhooks/parallel-execution/{parent_id}",
		h.authenticate(http.HandlerFunc(h.shardResults))).Methods("POST")
}

// authenticate enforces the shared bearer token. An unset token disables the
// check entirely rather than rejecting every delivery.
func (h *Handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			presented, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
				h.Error(nil, "rejected webhook delivery", "source_addr", r.RemoteAddr, "path", r.URL.Path)
				deliveries.WithLabelValues("unauthorized").Inc()
				api.Error(w, internal.ErrWebhookAuth)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) executionResults(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	payload, err := decodePayload(r)
	if err != nil {
		deliveries.WithLabelValues("malformed").Inc()
		api.Error(w, err)
		return
	}
	logger := h.WithValues("delivery_id", deliveryID, "execution_id", payload.ExecutionID, "status", payload.Status)

	var e *execution.Execution
	switch payload.Status {
	case execution.Running:
		e, err = h.executions.Start(r.Context(), payload.ExecutionID)
	case execution.Completed, execution.Failed:
		e, err = h.executions.Finish(r.Context(), payload.ExecutionID, payload.Status, payload.Results.toResults())
	default:
		deliveries.WithLabelValues("malformed").Inc()
		api.Error(w, internal.InvalidParameterError("unknown status: "+string(payload.Status)))
		return
	}
	if err != nil {
		logger.Error(err, "ingesting webhook delivery")
		deliveries.WithLabelValues("error").Inc()
		api.Error(w, err)
		return
	}
	if e == nil {
		// execution already terminal; accept the redelivery without a state
		// change
		logger.V(0).Info("discarded webhook delivery for terminal execution")
		deliveries.WithLabelValues("discarded").Inc()
		api.JSON(w, http.StatusOK, ackResponse{DeliveryID: deliveryID, Accepted: true})
		return
	}
	logger.V(1).Info("ingested webhook delivery")
	deliveries.WithLabelValues("ok").Inc()
	if e.Status.IsTerminal() {
		h.recordSamples(r.Context(), e)
	}
	api.JSON(w, http.StatusOK, ackResponse{DeliveryID: deliveryID, Accepted: true})
}

func (h *Handlers) shardResults(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	parentID, err := api.ID("parent_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	payload, err := decodePayload(r)
	if err != nil {
		deliveries.WithLabelValues("malformed").Inc()
		api.Error(w, err)
		return
	}
	logger := h.WithValues("delivery_id", deliveryID, "parent_id", parentID, "execution_id", payload.ExecutionID, "status", payload.Status)

	err = h.executions.HandleShardResult(r.Context(), parentID, payload.ExecutionID, payload.Status, payload.Results.toResults())
	if err != nil {
		logger.Error(err, "ingesting shard webhook delivery")
		deliveries.WithLabelValues("error").Inc()
		api.Error(w, err)
		return
	}
	logger.V(1).Info("ingested shard webhook delivery")
	deliveries.WithLabelValues("ok").Inc()
	api.JSON(w, http.StatusOK, ackResponse{DeliveryID: deliveryID, Accepted: true})
}

// recordSamples appends duration samples for a finished execution:
// wall-clock execution time and how long the execution waited in the queue.
func (h *Handlers) recordSamples(ctx context.Context, e *execution.Execution) {
	if h.metrics == nil {
		return
	}
	if e.StartedAt != nil && e.CompletedAt != nil {
		h.metrics.Record(ctx, metric.Sample{
			ExecutionID: &e.ID,
			RunnerID:    e.AssignedRunnerID,
			MetricType:  metric.ExecutionTime,
			MetricValue: e.CompletedAt.Sub(*e.StartedAt).Seconds(),
		})
	}
	if e.AssignedAt != nil {
		h.metrics.Record(ctx, metric.Sample{
			ExecutionID: &e.ID,
			RunnerID:    e.AssignedRunnerID,
			MetricType:  metric.QueueWaitTime,
			MetricValue: e.AssignedAt.Sub(e.CreatedAt).Seconds(),
		})
	}
}

func decodePayload(r *http.Request) (*resultPayload, error) {
	var payload resultPayload
	if err := api.DecodeJSON(&payload, r); err != nil {
		return nil, err
	}
	if payload.ExecutionID == resource.EmptyID {
		return nil, &internal.ErrMissingParameter{Parameter: "executionId"}
	}
	return &payload, nil
}

func (p *resultsPayload) toResults() *execution.Results {
	if p == nil {
		return nil
	}
	return &execution.Results{
		Total:     p.Total,
		Passed:    p.Passed,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Duration:  time.Duration(p.DurationMS) * time.Millisecond,
		Artifacts: p.Artifacts,
	}
}
