package coordinator

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"logarchive/services/coordinator/internal/tracker"
)

type hostList struct {
	Generation uint64             `json:"generation"`
	Version    string             `json:"version"`
	Hosts      []tracker.Snapshot `json:"hosts"`
}

func (s *Service) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.tracker.List()
	out := hostList{
		Generation: s.tracker.Generation(),
		Version:    s.tracker.Version(),
		Hosts:      make([]tracker.Snapshot, 0, len(hosts)),
	}
	for _, h := range hosts {
		out.Hosts = append(out.Hosts, h.Snapshot())
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	h := s.tracker.Lookup(id)
	if h == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("host %s not found", id))
		return
	}
	respondJSON(w, http.StatusOK, h.Snapshot())
}

func (s *Service) handleListInflights(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Dump())
}

func (s *Service) handleGetInflight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.registry.Snapshot(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("inflight %s not found", id))
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
