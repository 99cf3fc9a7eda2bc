package rule

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tmshq/tms/internal/api"
)

type apiHandlers struct {
	svc *Service
}

func (h *apiHandlers) addHandlers(r *mux.Router) {
	r.HandleFunc("/load-balancing-rules", h.create).Methods("POST")
	r.HandleFunc("/load-balancing-rules", h.list).Methods("GET")
	r.HandleFunc("/load-balancing-rules/{rule_id}", h.get).Methods("GET")
	r.HandleFunc("/load-balancing-rules/{rule_id}", h.update).Methods("PUT")
	r.HandleFunc("/load-balancing-rules/{rule_id}", h.delete).Methods("DELETE")
}

func (h *apiHandlers) create(w http.ResponseWriter, r *http.Request) {
	var opts CreateOptions
	if err := api.DecodeJSON(&opts, r); err != nil {
		api.Error(w, err)
		return
	}
	created, err := h.svc.Create(r.Context(), opts)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, created)
}

func (h *apiHandlers) list(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.List(r.Context())
	if err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusOK, rules)
}

func (h *apiHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("rule_id", r)
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
	id, err := api.ID("rule_id", r)
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

func (h *apiHandlers) delete(w http.ResponseWriter, r *http.Request) {
	id, err := api.ID("rule_id", r)
	if err != nil {
		api.Error(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		api.Error(w, err)
		return
	}
	api.JSON(w, http.StatusNoContent, nil)
}
