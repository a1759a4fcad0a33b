package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/token"
)

// StreamTokens is the event stream carrying every written ledger entry.
const StreamTokens = "tokens"

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512 * 1024
)

// WebSocketServer serves the /ws endpoint: RPC methods over websocket
// plus subscriptions to the token event stream.
type WebSocketServer struct {
	server *Server

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*wsConnection

	pingPeriod time.Duration
	pongWait   time.Duration
	queueSize  int
}

// wsConnection is one connected client.
type wsConnection struct {
	id       string
	conn     *websocket.Conn
	role     Role
	clientIP string

	mu      sync.RWMutex
	streams map[string]struct{}
	users   map[string]struct{}

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewWebSocketServer builds the websocket sub-server sharing the RPC
// server's registry, services and role resolution.
func NewWebSocketServer(server *Server) *WebSocketServer {
	pingPeriod := time.Duration(server.cfg.WebsocketPingFrequency) * time.Second
	return &WebSocketServer{
		server: server,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*wsConnection),
		pingPeriod:  pingPeriod,
		pongWait:    pingPeriod * 2,
		queueSize:   server.cfg.SendQueueLimit,
	}
}

// HandleConnection upgrades the request and runs the connection until
// either side closes it.
func (ws *WebSocketServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log().Debugf("websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConnection{
		id:       uuid.NewString(),
		conn:     conn,
		role:     ws.server.resolveRole(r),
		clientIP: getClientIP(r),
		streams:  make(map[string]struct{}),
		users:    make(map[string]struct{}),
		send:     make(chan []byte, ws.queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	ws.mu.Lock()
	ws.connections[c.id] = c
	ws.mu.Unlock()
	ws.server.services.Metrics.WSConnected()

	go ws.writeLoop(c)
	go ws.readLoop(c)
}

// ConnectionCount returns how many clients are connected.
func (ws *WebSocketServer) ConnectionCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

func (ws *WebSocketServer) log() *logging.Logger {
	return ws.server.services.logger()
}

func (ws *WebSocketServer) readLoop(c *wsConnection) {
	defer ws.closeConnection(c)

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(ws.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(ws.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.log().Debugf("websocket read: %v", err)
			}
			return
		}
		ws.handleMessage(c, message)
	}
}

func (ws *WebSocketServer) writeLoop(c *wsConnection) {
	ticker := time.NewTicker(ws.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				ws.closeConnection(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.closeConnection(c)
				return
			}
		}
	}
}

// handleMessage dispatches one client command. Commands arrive with
// "command" and optional "id" at the top level; every other field is
// the parameter object.
func (ws *WebSocketServer) handleMessage(c *wsConnection, message []byte) {
	var cmdMap map[string]interface{}
	if err := json.Unmarshal(message, &cmdMap); err != nil {
		ws.sendError(c, nil, RpcParseError("invalid JSON: "+err.Error()))
		return
	}

	id := cmdMap["id"]
	command, _ := cmdMap["command"].(string)
	if command == "" {
		ws.sendError(c, id, RpcInvalidRequest("missing command field"))
		return
	}

	delete(cmdMap, "command")
	delete(cmdMap, "id")
	var params json.RawMessage
	if len(cmdMap) > 0 {
		params, _ = json.Marshal(cmdMap)
	}

	switch command {
	case "subscribe":
		ws.handleSubscribe(c, id, params)
	case "unsubscribe":
		ws.handleUnsubscribe(c, id, params)
	default:
		ctx := &RpcContext{
			Context:   c.ctx,
			Role:      c.role,
			ClientIP:  c.clientIP,
			WebSocket: true,
		}
		result, rpcErr := ws.server.executeMethod(command, params, ctx)
		if rpcErr != nil {
			ws.sendError(c, id, rpcErr)
			return
		}
		ws.sendResult(c, id, result)
	}
}

// subscriptionRequest names the streams and user filters to change.
type subscriptionRequest struct {
	Streams []string `json:"streams"`
	Users   []string `json:"users"`
}

func parseSubscription(params json.RawMessage) (subscriptionRequest, *RpcError) {
	var req subscriptionRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return req, RpcInvalidParams("malformed subscription params: " + err.Error())
		}
	}
	for _, stream := range req.Streams {
		if stream != StreamTokens {
			return req, RpcInvalidParams("unknown stream: " + stream)
		}
	}
	if len(req.Streams) == 0 && len(req.Users) == 0 {
		return req, RpcInvalidParams("nothing to subscribe to")
	}
	return req, nil
}

func (ws *WebSocketServer) handleSubscribe(c *wsConnection, id interface{}, params json.RawMessage) {
	req, rpcErr := parseSubscription(params)
	if rpcErr != nil {
		ws.sendError(c, id, rpcErr)
		return
	}

	c.mu.Lock()
	for _, stream := range req.Streams {
		c.streams[stream] = struct{}{}
	}
	for _, user := range req.Users {
		if user != "" {
			c.users[user] = struct{}{}
		}
	}
	c.mu.Unlock()

	ws.sendResult(c, id, map[string]interface{}{"subscribed": true})
}

func (ws *WebSocketServer) handleUnsubscribe(c *wsConnection, id interface{}, params json.RawMessage) {
	req, rpcErr := parseSubscription(params)
	if rpcErr != nil {
		ws.sendError(c, id, rpcErr)
		return
	}

	c.mu.Lock()
	for _, stream := range req.Streams {
		delete(c.streams, stream)
	}
	for _, user := range req.Users {
		delete(c.users, user)
	}
	c.mu.Unlock()

	ws.sendResult(c, id, map[string]interface{}{"unsubscribed": true})
}

// wantsEntry reports whether the connection subscribed to this entry,
// either through the tokens stream or a user filter.
func (c *wsConnection) wantsEntry(e *token.Entry) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.streams[StreamTokens]; ok {
		return true
	}
	if _, ok := c.users[e.UserID]; ok {
		return true
	}
	if e.BeneficiaryID != "" {
		if _, ok := c.users[e.BeneficiaryID]; ok {
			return true
		}
	}
	return false
}

// BroadcastEntry fans a ledger event out to subscribed connections.
// Slow consumers are skipped, never waited on.
func (ws *WebSocketServer) BroadcastEntry(e *token.Entry) {
	if e == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":        "tokenEvent",
		"stream":      StreamTokens,
		"transaction": e,
	})
	if err != nil {
		ws.log().Debugf("websocket broadcast marshal: %v", err)
		return
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, c := range ws.connections {
		if !c.wantsEntry(e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			ws.server.services.Metrics.WSMessageDropped()
		}
	}
}

func (ws *WebSocketServer) sendResult(c *wsConnection, id interface{}, result interface{}) {
	response := map[string]interface{}{
		"type":   "response",
		"status": "success",
		"result": result,
	}
	if id != nil {
		response["id"] = id
	}
	ws.enqueue(c, response)
}

// sendError uses flat top-level error fields, mirroring the HTTP error
// result shape.
func (ws *WebSocketServer) sendError(c *wsConnection, id interface{}, rpcErr *RpcError) {
	response := map[string]interface{}{
		"type":          "response",
		"status":        "error",
		"error":         rpcErr.ErrorString,
		"error_code":    rpcErr.Code,
		"error_message": rpcErr.Message,
	}
	if id != nil {
		response["id"] = id
	}
	ws.enqueue(c, response)
}

// enqueue queues a direct response. A full queue means the client
// stopped reading; the connection is closed rather than backing up.
func (ws *WebSocketServer) enqueue(c *wsConnection, response map[string]interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		ws.log().Debugf("websocket response marshal: %v", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		ws.server.services.Metrics.WSMessageDropped()
		ws.closeConnection(c)
	}
}

func (ws *WebSocketServer) closeConnection(c *wsConnection) {
	c.once.Do(func() {
		c.cancel()

		ws.mu.Lock()
		delete(ws.connections, c.id)
		ws.mu.Unlock()

		c.conn.Close()
		ws.server.services.Metrics.WSDisconnected()
		ws.log().Debugf("websocket connection %s closed", c.id)
	})
}
