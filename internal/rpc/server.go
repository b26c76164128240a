// Package rpc provides the JSON-RPC 2.0 surface of the driftlock daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/driftlock/driftlock/internal/coordinator"
	"github.com/driftlock/driftlock/internal/notify"
	"github.com/driftlock/driftlock/internal/observer"
	"github.com/driftlock/driftlock/internal/secret"
	"github.com/driftlock/driftlock/internal/session"
	"github.com/driftlock/driftlock/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coordinator *coordinator.Coordinator
	store       session.Store
	secrets     *secret.Manager
	observers   map[string]observer.Observer
	wsHub       *notify.WSHub
	log         *logging.Logger

	server   *http.Server
	listener net.Listener
	started  time.Time

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	CodeNotFound     = -32001
	CodeInvalidState = -32002
	CodeUnauthorized = -32003
	CodeNotReady     = -32004
)

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Coordinator *coordinator.Coordinator
	Store       session.Store
	Secrets     *secret.Manager
	Observers   map[string]observer.Observer
	Bus         *notify.Bus
}

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *ServerConfig) *Server {
	s := &Server{
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		secrets:     cfg.Secrets,
		observers:   cfg.Observers,
		wsHub:       notify.NewWSHub(cfg.Bus),
		log:         logging.Component("rpc"),
		handlers:    make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Session methods
	s.handlers["session_create"] = s.sessionCreate
	s.handlers["session_get"] = s.sessionGet
	s.handlers["session_list"] = s.sessionList

	// Swap lifecycle methods
	s.handlers["swap_execute"] = s.swapExecute
	s.handlers["swap_cancel"] = s.swapCancel
	s.handlers["secret_get"] = s.secretGet

	// Node methods
	s.handlers["node_status"] = s.nodeStatus
	s.handlers["chains_list"] = s.chainsList
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.wsHub.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.wsHub.ServeWS)
	mux.HandleFunc("GET /ws/", s.wsHub.ServeWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, errorCode(err), err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps domain errors onto JSON-RPC error codes so clients can
// distinguish bad input from bad timing.
func errorCode(err error) int {
	switch {
	case errors.Is(err, session.ErrValidation):
		return InvalidParams
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrSecretNotFound):
		return CodeNotFound
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrTerminal):
		return CodeInvalidState
	case errors.Is(err, coordinator.ErrUnauthorized), errors.Is(err, secret.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, secret.ErrNotReady):
		return CodeNotReady
	case errors.Is(err, coordinator.ErrUnknownChain):
		return InvalidParams
	default:
		return InternalError
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
