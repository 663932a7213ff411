// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/cowork/lib/version"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
)

// HTTP API paths.
const (
	PathRooms   = "/api/rooms"
	PathJoin    = "/api/rooms/{roomID}/join"
	PathConnect = "/api/connect/{token}"
	PathHealth  = "/healthz"
)

// maxRequestBody bounds create and join request bodies.
const maxRequestBody = 1 << 20

// HandlerConfig configures NewHandler.
type HandlerConfig struct {
	Hub    *Hub
	Logger *slog.Logger

	// MaxFrameSize bounds inbound WebSocket frames. Zero means 16 MiB.
	MaxFrameSize int64

	// MetricsPath serves Gatherer in the Prometheus exposition format.
	// Empty disables it.
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// errorBody is the JSON error document for non-2xx responses.
type errorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type handler struct {
	hub          *Hub
	logger       *slog.Logger
	maxFrameSize int64
	upgrader     websocket.Upgrader
}

// NewHandler returns the relay's HTTP API.
func NewHandler(config HandlerConfig) http.Handler {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = 16 << 20
	}
	h := &handler{
		hub:          config.Hub,
		logger:       config.Logger,
		maxFrameSize: config.MaxFrameSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Peers are native clients, not browser pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post(PathRooms, h.createRoom)
	router.Post(PathJoin, h.joinRoom)
	router.Get(PathConnect, h.connect)
	router.Get(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(version.Info() + "\n"))
	})
	if config.MetricsPath != "" && config.Gatherer != nil {
		router.Handle(config.MetricsPath, promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

func (h *handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var request protocol.CreateRoomRequest
	if !h.decode(w, r, &request) {
		return
	}
	claim, err := h.hub.CreateRoom(r.Context(), request)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var request protocol.JoinRoomRequest
	if !h.decode(w, r, &request) {
		return
	}
	claim, err := h.hub.JoinRoom(r.Context(), chi.URLParam(r, "roomID"), request)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// connect upgrades to a WebSocket and attaches it to the token's slot.
// The token is checked first so a stale token gets a plain 404.
func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !h.hub.HasToken(token) {
		h.fail(w, r, unknownToken())
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	link := transport.NewWebSocketServer(conn, h.maxFrameSize)
	if err := h.hub.Attach(token, link); err != nil {
		h.logger.Warn("attach failed", "error", err)
		link.Close()
	}
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

// fail maps an error to a status code and JSON error body.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Message: err.Error()}

	var applicationError *protocol.ApplicationError
	var protocolError *protocol.ProtocolError
	switch {
	case errors.As(err, &applicationError):
		body = errorBody{Code: applicationError.Code, Message: applicationError.Message}
		switch applicationError.Code {
		case protocol.CodeRoomNotFound:
			status = http.StatusNotFound
		case protocol.CodeJoinDeclined:
			status = http.StatusForbidden
		case protocol.CodeRoomClosed:
			status = http.StatusGone
		default:
			status = http.StatusConflict
		}
	case errors.As(err, &protocolError):
		status = http.StatusBadRequest
	case errors.Is(err, ErrJoinTimeout):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("relay request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
