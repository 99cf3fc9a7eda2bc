package runner

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tmshq/tms/internal/api"
	"github.com/tmshq/tms/internal/resource"
)

type apiHandlers struct {
	svc *Service
}

func (h *apiHandlers) addHandlers(r *mux.Router) {
	r.HandleFunc("/runners/register", h.register).Methods("POST")
	r.HandleFunc("/runners", h.list).Methods("GET")
	r.HandleFunc("/runners/{runner_id}", h.get).Methods("GET")
	r.HandleFunc("/runners/{runner_id}", h.update).Methods("PUT")
}

type registerResponse struct {
	RunnerID resource.ID `json:"runnerId"`
}

func (h *apiHandlers) register(w http.ResponseWriter, r *http.Request) {
	var opts RegisterOptions
	if err := api.DecodeJSON(&opts, r); err != nil {
		api.Error(w, err)
		return
	}
	registered, err := h.svc.Register(r.Context(), opts)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, registerResponse{RunnerID: registered.ID})
}

func (h *apiHandlers) list(w http.ResponseWriter, r *http.Request) {
	runners, err := h.svc.List(r.Context())
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, runners)
}

func (h *apiHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("runner_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	found, err := h.svc.Get(r.Context(), id)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, found)
}

func (h *apiHandlers) update(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("runner_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	var opts UpdateOptions
	if err := api.DecodeJSON(&opts, r); err != nil {
		api.Error(w, err)
		return
	}
	updated, err := h.svc.Update(r.Context(), id, opts)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, updated)
}
