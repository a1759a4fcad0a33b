package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Role gates access to RPC methods. Guests get the read surface,
// admins additionally get mutating maintenance commands.
type Role int

const (
	RoleGuest Role = iota
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	default:
		return "guest"
	}
}

// RpcContext carries per-request information into method handlers.
type RpcContext struct {
	Context  context.Context
	Role     Role
	ClientIP string
	// WebSocket is true when the request arrived over a websocket
	// connection rather than plain HTTP.
	WebSocket bool
}

// IsAdmin reports whether the caller may invoke admin methods.
func (c *RpcContext) IsAdmin() bool {
	return c.Role >= RoleAdmin
}

// MethodHandler is implemented by every RPC method.
type MethodHandler interface {
	// Handle executes the method. Params is the first element of the
	// request's params array, or nil when the caller sent none.
	Handle(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError)

	// RequiredRole returns the minimum role allowed to call the method.
	RequiredRole() Role
}

// MethodRegistry maps method names to their handlers.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]MethodHandler
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]MethodHandler)}
}

// Register adds a method to the registry. Method names are
// case-insensitive and stored lowercased.
func (r *MethodRegistry) Register(name string, handler MethodHandler) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil for method %s", name)
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[key]; exists {
		return fmt.Errorf("method %s already registered", name)
	}
	r.methods[key] = handler
	return nil
}

// Get returns the handler for a method name.
func (r *MethodRegistry) Get(name string) (MethodHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.methods[strings.ToLower(name)]
	return handler, ok
}

// Methods returns the registered method names in no particular order.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// Request is the JSON body of a POST call.
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// firstParam returns the first params element, or nil.
func (r *Request) firstParam() json.RawMessage {
	if len(r.Params) == 0 {
		return nil
	}
	return r.Params[0]
}
