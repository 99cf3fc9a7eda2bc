package execution

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tmshq/tms/internal/api"
	"github.com/tmshq/tms/internal/resource"
)

type apiHandlers struct {
	svc *Service
}

func (s *Service) AddHandlers(r *mux.Router) {
	s.api.addHandlers(r)
}

func (h *apiHandlers) addHandlers(r *mux.Router) {
	r.HandleFunc("/executions", h.create).Methods("POST")
	r.HandleFunc("/executions", h.list).Methods("GET")
	r.HandleFunc("/executions/{execution_id}/status", h.status).Methods("GET")
	r.HandleFunc("/executions/{execution_id}/cancel", h.cancel).Methods("POST")
	r.HandleFunc("/executions/{execution_id}/retry", h.retry).Methods("POST")
}

type (
	// submitRequest is the wire shape of a submission.
	submitRequest struct {
		ExecutionID         *resource.ID      `json:"executionId"`
		TestSuite           string            `json:"testSuite"`
		Environment         string            `json:"environment"`
		Priority            int               `json:"priority"`
		RequestedRunnerType *string           `json:"requestedRunnerType"`
		RequestedRunnerID   *resource.ID      `json:"requestedRunnerId"`
		EstimatedDurationMS *int64            `json:"estimatedDurationMs"`
		TimeoutSeconds      *int              `json:"timeoutSeconds"`
		Metadata            map[string]string `json:"metadata"`
		ParallelShards      int               `json:"parallelShards"`
	}

	submitResponse struct {
		ExecutionID resource.ID `json:"executionId"`
		Status      Status      `json:"status"`
		TotalShards int         `json:"totalShards,omitempty"`
	}
)

func (h *apiHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := api.DecodeJSON(&req, r); err != nil {
		api.Error(w, err)
		return
	}
	opts := CreateOptions{
		ExecutionID:         req.ExecutionID,
		TestSuite:           req.TestSuite,
		Environment:         req.Environment,
		Priority:            req.Priority,
		RequestedRunnerType: req.RequestedRunnerType,
		RequestedRunnerID:   req.RequestedRunnerID,
		TimeoutSeconds:      req.TimeoutSeconds,
		Metadata:            req.Metadata,
		ParallelShards:      req.ParallelShards,
	}
	if req.EstimatedDurationMS != nil {
		d := time.Duration(*req.EstimatedDurationMS) * time.Millisecond
		opts.EstimatedDuration = &d
	}
	created, err := h.svc.Create(r.Context(), opts)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, submitResponse{
		ExecutionID: created.ID,
		Status:      created.Status,
		TotalShards: created.TotalShards,
	})
}

func (h *apiHandlers) list(w http.ResponseWriter, r *http.Request) {
	var opts ListOptions
	if err := api.DecodeQuery(&opts, r.URL.Query()); err != nil {
		api.Error(w, err)
		return
	}
	executions, err := h.svc.List(r.Context(), opts)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, executions)
}

func (h *apiHandlers) status(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("execution_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	summary, err := h.svc.StatusSummary(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, summary)
}

func (h *apiHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("execution_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	cancelled, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, cancelled)
}

func (h *apiHandlers) retry(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("execution_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	retried, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, submitResponse{
		ExecutionID: retried.ID,
		Status:      retried.Status,
	})
}
