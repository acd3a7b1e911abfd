package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay fronts non-browser clients only.
	CheckOrigin: func(*http.Request) bool { return true },
}

type registerRequest struct {
	ID string `json:"id"`
}

type publishRequest struct {
	ID     string        `json:"id"`
	Bundle domain.Bundle `json:"bundle"`
}

type submitRequest struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Envelope domain.Envelope `json:"envelope"`
}

type bundleResponse struct {
	ID     string        `json:"id"`
	Bundle domain.Bundle `json:"bundle"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /bundle", s.handlePublishBundle)
	mux.HandleFunc("GET /bundle/{id}", s.handleFetchBundle)
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("GET /push", s.handlePush)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /metrics/host", s.handleHostMetrics)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.Register(req.ID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerRequest{ID: req.ID})
}

func (s *Server) handlePublishBundle(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.PublishBundle(req.ID, req.Bundle); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleFetchBundle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.FetchBundle(id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleResponse{ID: id, Bundle: b})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	env := req.Envelope
	if req.From != "" {
		env.SenderID = req.From
	}
	if req.To != "" {
		env.RecipientID = req.To
	}
	res, err := s.Submit(env)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	registered, err := s.store.IsRegistered(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !registered {
		writeError(w, http.StatusUnauthorized, domain.ErrNotRegistered.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Warn("websocket upgrade failed", "id", id, "error", err)
		return
	}

	c := &conn{id: id, ws: ws}
	if s.conns.replace(c) {
		s.metrics.supersessions.Inc()
		s.log.Info("push connection superseded", "id", id)
	}
	s.metrics.connections.Set(float64(s.conns.count()))
	s.log.Info("push connection opened", "id", id)

	// Flush the backlog before anything submitted later, under the same
	// lock submit uses.
	mu := s.recipientLock(id)
	mu.Lock()
	s.replayPending(id)
	mu.Unlock()
	s.updateQueueDepth()

	// Clients never send data frames; the read loop just notices closure.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	s.conns.remove(c)
	_ = ws.Close()
	s.metrics.connections.Set(float64(s.conns.count()))
	s.log.Info("push connection closed", "id", id)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Diagnostics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHostMetrics(w http.ResponseWriter, r *http.Request) {
	var m domain.HostMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.ReportHostMetrics(m); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func writeMappedError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotRegistered):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBundleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
