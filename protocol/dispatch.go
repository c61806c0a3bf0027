// Package protocol implements the ten message handlers of the peer state
// machine as pure functions over an abstract NodeView collaborator,
// breaking the Node/Protocol/Network import cycle.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler processes one RPC method's params against a NodeView and the
// calling peer's contact, returning a JSON-serializable result.
type Handler func(ctx context.Context, view NodeView, caller Contact, params json.RawMessage) (interface{}, error)

// Dispatcher is a method-name routing table. The zero value is usable.
type Dispatcher struct {
	mu    sync.RWMutex
	table map[string]Handler
}

// NewDispatcher returns a dispatcher with every protocol handler
// pre-registered.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{table: make(map[string]Handler)}
	d.Register("OFFER", handleOffer)
	d.Register("CONSIGN", handleConsign)
	d.Register("RETRIEVE", handleRetrieve)
	d.Register("MIRROR", handleMirror)
	d.Register("AUDIT", handleAudit)
	d.Register("PROBE", handleProbe)
	d.Register("PING", handlePing)
	d.Register("FIND_TUNNEL", handleFindTunnel)
	d.Register("OPEN_TUNNEL", handleOpenTunnel)
	d.Register("RENEW", handleRenew)
	d.Register("TRIGGER", handleTrigger)
	return d
}

// Register adds a handler under method, panicking on a duplicate
// registration: a collision is a programming error, not a runtime
// condition to recover from.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.table == nil {
		d.table = make(map[string]Handler)
	}
	if _, exists := d.table[method]; exists {
		panic(fmt.Sprintf("protocol: handler already registered for %q", method))
	}
	d.table[method] = h
}

// Dispatch looks up method and invokes its handler, or returns
// ErrUnknownMethod.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, view NodeView, caller Contact, params json.RawMessage) (interface{}, error) {
	d.mu.RLock()
	h, ok := d.table[method]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownMethod
	}
	return h(ctx, view, caller, params)
}
