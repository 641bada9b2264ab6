package kv

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/cluster"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
)

// Server exposes a Local client over HTTP/JSON for hypervisor-role nodes,
// which have no Raft voter of their own.
type Server struct {
	local *Local
	mux   *http.ServeMux
}

// NewServer builds the control-plane HTTP server around local. The
// cluster's join and forwarded-apply routes live on the same mux.
func NewServer(local *Local, c *cluster.Cluster) *Server {
	s := &Server{local: local, mux: http.NewServeMux()}
	if c != nil {
		s.mux.HandleFunc("/v1/cluster/join", s.instrument("join", c.JoinHTTPHandler()))
		s.mux.HandleFunc("/v1/cluster/apply", s.instrument("apply", c.ApplyHTTPHandler()))
	}
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/healthz", metrics.HealthHandler())
	s.mux.HandleFunc("/readyz", metrics.ReadyHandler())
	s.mux.HandleFunc("/livez", metrics.LivenessHandler())
	s.mux.HandleFunc("/v1/kv/get", s.instrument("get", s.handleGet))
	s.mux.HandleFunc("/v1/kv/list", s.instrument("list", s.handleList))
	s.mux.HandleFunc("/v1/kv/put", s.instrument("put", s.handlePut))
	s.mux.HandleFunc("/v1/kv/cas", s.instrument("cas", s.handleCAS))
	s.mux.HandleFunc("/v1/kv/delete", s.instrument("delete", s.handleDelete))
	s.mux.HandleFunc("/v1/kv/watch", s.instrument("watch", s.handleWatch))
	s.mux.HandleFunc("/v1/kv/available", s.instrument("available", s.handleAvailable))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(rw, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, http.StatusText(rw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

// Flush keeps the watch stream's flusher visible through the
// instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type pathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.local.Get(req.Path)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.local.List(req.Prefix)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.local.Put(req.Path, req.Value); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCAS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path            string          `json:"path"`
		ExpectedVersion uint64          `json:"expected_version"`
		Value           json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.local.CAS(req.Path, req.ExpectedVersion, req.Value); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.local.Delete(req.Path); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.local.Available()})
}

// handleWatch streams newline-delimited JSON Events until the client
// disconnects or the server shuts down.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	recursive := r.URL.Query().Get("recursive") == "true"

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errNoFlush)
		return
	}

	ctx := r.Context()
	ch, err := s.local.Watch(ctx, path, recursive)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var errNoFlush = &flushError{}

type flushError struct{}

func (*flushError) Error() string { return "response writer does not support streaming" }

// ListenAndServe runs the control-plane HTTP server.
func ListenAndServe(addr string, s *Server) error {
	log.Info("kv control-plane server listening on " + addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
