// Package rpc exposes the ledger over an HTTP JSON-RPC surface: POST
// bodies carry {"method", "params":[{}]}, responses carry a result object
// with a status field. A websocket endpoint streams ledger events to
// subscribers.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config carries the RPC surface settings.
type Config struct {
	Addr       string
	EnableCORS bool

	// AdminToken grants RoleAdmin when presented in the X-Admin-Token
	// header. Empty disables token auth.
	AdminToken string
	// AdminIPs grants RoleAdmin to direct connections from these
	// addresses. Forwarding headers are never consulted for admin
	// checks because they are caller-controlled.
	AdminIPs []string

	// RequestTimeout bounds handler execution. Zero means 30s.
	RequestTimeout time.Duration

	// WebsocketPingFrequency is the keepalive interval in seconds.
	WebsocketPingFrequency int
	// SendQueueLimit is the per-connection outbound queue size.
	SendQueueLimit int

	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.WebsocketPingFrequency <= 0 {
		c.WebsocketPingFrequency = 30
	}
	if c.SendQueueLimit <= 0 {
		c.SendQueueLimit = 500
	}
}

// Server handles HTTP JSON-RPC requests.
type Server struct {
	cfg      Config
	registry *MethodRegistry
	services *Services
	ws       *WebSocketServer
}

// NewServer builds the RPC server and registers all methods.
func NewServer(cfg Config, services *Services) *Server {
	cfg.applyDefaults()
	if services == nil {
		services = &Services{}
	}
	s := &Server{
		cfg:      cfg,
		registry: NewMethodRegistry(),
		services: services,
	}
	s.ws = NewWebSocketServer(s)
	s.registerAllMethods()
	return s
}

// WebSocket returns the websocket sub-server for event broadcasting.
func (s *Server) WebSocket() *WebSocketServer {
	return s.ws
}

// Routes returns the full HTTP mux: JSON-RPC at /, the websocket
// endpoint at /ws, a liveness probe at /health and, when configured,
// the Prometheus handler.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", s)
	mux.HandleFunc("/ws", s.ws.HandleConnection)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.MetricsPath != "" && s.services.Metrics != nil {
		mux.Handle(s.cfg.MetricsPath, s.services.Metrics.Handler())
	}
	return mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.EnableCORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token")
	}
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Method == http.MethodGet {
		s.handleGetRequest(w, r)
		return
	}
	s.handlePostRequest(w, r)
}

// handleGetRequest serves simple queries via ?command=.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("command")
	if method == "" {
		method = "server_info"
	}

	ctx := s.newContext(r)
	result, rpcErr := s.executeMethod(method, nil, ctx)
	s.writeResponse(w, nil, result, rpcErr)
}

// handlePostRequest serves the standard JSON-RPC payload.
func (s *Server) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeResponse(w, nil, nil, RpcInternalError("failed to read request body"))
		return
	}
	defer r.Body.Close()

	var request Request
	if err := json.Unmarshal(body, &request); err != nil {
		s.writeResponse(w, nil, nil, RpcParseError("invalid JSON: "+err.Error()))
		return
	}
	if request.Method == "" {
		s.writeResponse(w, nil, nil, RpcInvalidRequest("missing method field"))
		return
	}

	params := request.firstParam()
	ctx := s.newContext(r)
	result, rpcErr := s.executeMethod(request.Method, params, ctx)

	// Echo the request on errors so callers can correlate.
	var requestObj interface{}
	if rpcErr != nil {
		reqMap := map[string]interface{}{"command": request.Method}
		if params != nil {
			if err := json.Unmarshal(params, &reqMap); err == nil {
				reqMap["command"] = request.Method
			}
		}
		requestObj = reqMap
	}

	s.writeResponse(w, requestObj, result, rpcErr)
}

// newContext resolves the caller's role and IP for a request.
func (s *Server) newContext(r *http.Request) *RpcContext {
	return &RpcContext{
		Context:  r.Context(),
		Role:     s.resolveRole(r),
		ClientIP: getClientIP(r),
	}
}

// resolveRole grants admin on a matching token header or a direct
// connection from a configured admin address.
func (s *Server) resolveRole(r *http.Request) Role {
	if s.cfg.AdminToken != "" {
		token := r.Header.Get("X-Admin-Token")
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1 {
			return RoleAdmin
		}
	}
	host := remoteHost(r)
	ip := net.ParseIP(host)
	if ip == nil {
		return RoleGuest
	}
	for _, admin := range s.cfg.AdminIPs {
		if parsed := net.ParseIP(admin); parsed != nil && parsed.Equal(ip) {
			return RoleAdmin
		}
	}
	return RoleGuest
}

// executeMethod resolves, authorizes and runs a method.
func (s *Server) executeMethod(method string, params json.RawMessage, ctx *RpcContext) (interface{}, *RpcError) {
	handler, exists := s.registry.Get(method)
	if !exists {
		s.services.Metrics.ObserveRequest("unknown", "error", 0)
		return nil, RpcMethodNotFound(method)
	}

	if ctx.Role < handler.RequiredRole() {
		s.services.Metrics.ObserveRequest(strings.ToLower(method), "forbidden", 0)
		return nil, RpcForbidden(fmt.Sprintf("method %q requires admin access", method))
	}

	runCtx, cancel := context.WithTimeout(ctx.Context, s.cfg.RequestTimeout)
	defer cancel()
	ctx.Context = runCtx

	start := time.Now()
	result, rpcErr := handler.Handle(ctx, params)
	elapsed := time.Since(start)

	status := "success"
	if rpcErr != nil {
		status = "error"
	}
	s.services.Metrics.ObserveRequest(strings.ToLower(method), status, elapsed)
	s.services.logger().Debugf("rpc %s from %s: %s in %s", method, ctx.ClientIP, status, elapsed)

	return result, rpcErr
}

// writeResponse writes the response envelope. The result object always
// carries a status field; errors embed error, error_code and
// error_message alongside the echoed request.
func (s *Server) writeResponse(w http.ResponseWriter, request interface{}, result interface{}, rpcErr *RpcError) {
	response := make(map[string]interface{})

	if rpcErr != nil {
		resultObj := map[string]interface{}{
			"status":        "error",
			"error":         rpcErr.ErrorString,
			"error_code":    rpcErr.Code,
			"error_message": rpcErr.Message,
		}
		if request != nil {
			resultObj["request"] = request
		}
		response["result"] = resultObj
	} else {
		if resultMap, ok := result.(map[string]interface{}); ok {
			resultMap["status"] = "success"
			response["result"] = resultMap
		} else {
			response["result"] = map[string]interface{}{
				"status": "success",
				"data":   result,
			}
		}
	}

	responseData, err := json.Marshal(response)
	if err != nil {
		s.services.logger().AddError("failed to marshal rpc response", map[string]any{"error": err.Error()})
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(responseData)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(s.services.uptime().Seconds()),
	})
}

// getClientIP extracts the caller address for logging. Forwarding
// headers are honored here so proxied deployments log the origin.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return remoteHost(r)
}

// remoteHost returns the host part of the direct peer address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
