package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/server"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
)

type commandRequest struct {
	CommandLine string `json:"commandLine"`
}

type commandResponse struct {
	StatusCode    int            `json:"statusCode"`
	StatusMessage string         `json:"statusMessage"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// newRouter mounts the game endpoint at path next to the status API and the
// x/net/trace debug pages.
func newRouter(srv *server.Server, path string, game http.Handler, logger sblog.Logger) *mux.Router {
	h := &statusHandler{srv: srv, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/worlds", h.worlds).Methods(http.MethodGet)
	r.HandleFunc("/worlds/{name}", h.world).Methods(http.MethodGet)
	r.HandleFunc("/worlds/{name}/commands", h.command).Methods(http.MethodPost)
	r.PathPrefix("/debug/").Handler(http.DefaultServeMux)
	r.Handle(path, game)
	return r
}

type statusHandler struct {
	srv    *server.Server
	logger sblog.Logger
}

func (h *statusHandler) worlds(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.srv.Status())
}

func (h *statusHandler) world(w http.ResponseWriter, r *http.Request) {
	world, ok := h.srv.World(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "world not found", http.StatusNotFound)
		return
	}
	h.write(w, http.StatusOK, world.Status())
}

func (h *statusHandler) command(w http.ResponseWriter, r *http.Request) {
	world, ok := h.srv.World(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "world not found", http.StatusNotFound)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandLine == "" {
		http.Error(w, "expected {\"commandLine\": ...}", http.StatusBadRequest)
		return
	}

	res, err := world.RunCommand(r.Context(), req.CommandLine)
	if err != nil {
		h.logger.Warn("command from status api failed", "world", world.Name(), "command", req.CommandLine, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	h.write(w, http.StatusOK, commandResponse{StatusCode: res.StatusCode, StatusMessage: res.StatusMessage, Fields: res.Fields})
}

func (h *statusHandler) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
