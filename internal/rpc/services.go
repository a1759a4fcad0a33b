package rpc

import (
	"time"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/token"
)

// Services bundles the dependencies method handlers draw on. One
// instance is shared by the HTTP server, the websocket server and the
// registered handlers.
type Services struct {
	Ledger  *token.Manager
	Log     *logging.Logger
	Metrics *Metrics

	// Version and Backend feed server_info.
	Version string
	Backend string
	Started time.Time
}

func (s *Services) uptime() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	return time.Since(s.Started)
}

func (s *Services) logger() *logging.Logger {
	if s.Log == nil {
		return logging.NewNop()
	}
	return s.Log
}

// newAuditEvent builds the log record for an admin mutation. The caller
// address always rides along.
func newAuditEvent(action string, ctx *RpcContext, data map[string]any) logging.Event {
	if data == nil {
		data = make(map[string]any)
	}
	data["clientIp"] = ctx.ClientIP
	return logging.Event{
		Flag:    logging.FlagRPC,
		Action:  action,
		Message: "admin " + action,
		Data:    data,
	}
}
