package rpc

import (
	"github.com/fanvault/tokend/internal/token"
)

// Publisher forwards ledger events to the websocket stream and the
// metrics instruments. The ledger calls it synchronously after each
// write, so nothing here blocks: slow websocket consumers are skipped
// and counter updates are atomic.
type Publisher struct {
	ws      *WebSocketServer
	metrics *Metrics
}

// NewPublisher wires the event hook for a server. Either argument may
// be nil; the corresponding sink is skipped.
func NewPublisher(ws *WebSocketServer, metrics *Metrics) *Publisher {
	return &Publisher{ws: ws, metrics: metrics}
}

// PublishEntry implements token.EventPublisher. Fresh writes count as
// entries; hold mutations count as state transitions. Extensions keep a
// hold OPEN and are not re-counted.
func (p *Publisher) PublishEntry(e *token.Entry) {
	if p == nil || e == nil {
		return
	}

	switch {
	case e.TransactionType != token.TypeHold:
		p.metrics.RecordEntry(string(e.TransactionType))
	case e.Version <= 1 && e.State == token.StateOpen:
		p.metrics.RecordEntry(string(e.TransactionType))
		p.metrics.RecordHoldTransition(string(token.StateOpen))
	case e.State != token.StateOpen:
		p.metrics.RecordHoldTransition(string(e.State))
	}

	if p.ws != nil {
		p.ws.BroadcastEntry(e)
	}
}

// NoOpPublisher drops every event. Stands in when the RPC surface is
// disabled.
type NoOpPublisher struct{}

func (NoOpPublisher) PublishEntry(*token.Entry) {}

var (
	_ token.EventPublisher = (*Publisher)(nil)
	_ token.EventPublisher = NoOpPublisher{}
)
