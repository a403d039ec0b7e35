package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"partitionlog/internal/raft/consumer"
	"partitionlog/internal/raft/server"
)

const maxValueSize = 1 << 20

type handler struct {
	node   *server.Node
	kv     *consumer.KV
	logger *zap.Logger
}

func newHandler(node *server.Node, kv *consumer.KV, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	h := &handler{node: node, kv: kv, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /kv/{key}", h.get)
	mux.HandleFunc("PUT /kv/{key}", h.put)
	mux.HandleFunc("DELETE /kv/{key}", h.delete)
	return mux
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	report := h.node.HealthReport()
	code := http.StatusOK
	if !report.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, report)
}

// statusView is Status with readable enums.
type statusView struct {
	server.Status
	Role     string                 `json:"Role"`
	Sessions map[string]sessionView `json:"Sessions,omitempty"`
}

type sessionView struct {
	server.SessionStatus
	Mode string `json:"Mode"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.node.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	view := statusView{Status: st, Role: st.Role.String()}
	if st.Sessions != nil {
		view.Sessions = make(map[string]sessionView, len(st.Sessions))
		for id, s := range st.Sessions {
			view.Sessions[string(id)] = sessionView{SessionStatus: s, Mode: s.Mode.String()}
		}
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	value, ok := h.kv.Get(r.PathValue("key"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, value)
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value := string(body)
	// Commands are split on whitespace and the key on "="
	if strings.ContainsAny(key, "= \t\n") || strings.ContainsAny(value, " \t\n") {
		http.Error(w, "key and value must not contain whitespace, nor the key '='", http.StatusBadRequest)
		return
	}
	h.propose(w, r, fmt.Sprintf("SET %s=%s", key, value))
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if strings.ContainsAny(key, " \t\n") {
		http.Error(w, "key must not contain whitespace", http.StatusBadRequest)
		return
	}
	h.propose(w, r, "DEL "+key)
}

func (h *handler) propose(w http.ResponseWriter, r *http.Request, command string) {
	index, err := h.node.Propose(r.Context(), []byte(command))
	switch {
	case errors.Is(err, server.ErrNotLeader):
		http.Error(w, err.Error(), http.StatusMisdirectedRequest)
		return
	case err != nil:
		h.logger.Warn("Proposal failed", zap.String("command", command), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]uint64{"index": index})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}
