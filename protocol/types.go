package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"shardpeer/contract"
	"shardpeer/identity"
	"shardpeer/metrics"
	"shardpeer/offerstream"
	"shardpeer/perr"
	"shardpeer/storage"
	"shardpeer/token"
)

// Errors specific to protocol handler refusals (the named
// failure strings), layered on the shared perr kinds.
var (
	ErrUnknownMethod     = perr.Wrap(perr.ErrInvalidOperation, "protocol: unknown method")
	ErrContractClosed    = perr.Wrap(perr.ErrInvalidOperation, "protocol: contract no longer open to offers")
	ErrWindowClosed      = perr.Wrap(perr.ErrInvalidOperation, "protocol: consign window closed")
	ErrContractUnknown   = perr.Wrap(perr.ErrInvalidContract, "protocol: contract not known")
	ErrItemNotFound      = perr.Wrap(perr.ErrInvalidOperation, "protocol: item not found")
	ErrTunnelsExhausted  = perr.Wrap(perr.ErrInvalidOperation, "protocol: maximum tunnels open")
	ErrTriggerNotAllowed = perr.Wrap(perr.ErrInvalidOperation, "protocol: not authorized to process trigger")
)

// Contact identifies a calling or called peer: its node id and dial address.
type Contact struct {
	Identity string
	Address  string
}

// TunnelAlias is the virtual address a gateway hands back on OPEN_TUNNEL.
type TunnelAlias struct {
	Address string
	Port    int
}

// TunnelProvider is the subset of the tunnel server a NodeView exposes to
// protocol handlers (FIND_TUNNEL / OPEN_TUNNEL), kept as a narrow interface
// so protocol does not import the tunnel package directly.
type TunnelProvider interface {
	HasFreeGateway() bool
	KnownVolunteers(max int) []Contact
	OpenGateway() (wsURL string, alias TunnelAlias, err error)
}

// Sender lets a handler or nodeclient helper make an outbound RPC to
// another peer — the concrete implementation lives in the DHT adapter.
type Sender interface {
	Send(ctx context.Context, peer Contact, method string, params interface{}) (json.RawMessage, error)
}

// NodeView is the abstract collaborator protocol handlers run against,
// breaking the Node/Protocol/Network import cycle.
type NodeView interface {
	Keypair() *identity.Identity
	Manager() *Manager
	TunServer() TunnelProvider
	Contact() Contact
	Sender() Sender
}

// TriggerHandler answers a TRIGGER call for one (behavior, requester) pair.
type TriggerHandler func(ctx context.Context, requester Contact, params []byte) (interface{}, error)

// Manager owns the pending-contracts map, the storage adapter, the token
// table, per-hash offer streams, and the trigger map — the shared mutable
// state a node needs to hold. The three maps are guarded by one mutex.
type Manager struct {
	Store  storage.Store
	Tokens *token.Table

	mu       sync.Mutex
	pending  map[string]*contract.Contract  // data_hash -> contract still open to offers
	streams  map[string]*offerstream.Stream // data_hash -> its offer stream
	triggers map[string]TriggerHandler      // "behavior:requesterID" -> handler

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink, used for the audits-served counter.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// NewManager wires a manager over store and tokens.
func NewManager(store storage.Store, tokens *token.Table) *Manager {
	return &Manager{
		Store:    store,
		Tokens:   tokens,
		pending:  make(map[string]*contract.Contract),
		streams:  make(map[string]*offerstream.Stream),
		triggers: make(map[string]TriggerHandler),
	}
}

// OpenOffers registers a contract as open to OFFER and installs its offer
// stream under the contract's data_hash.
func (m *Manager) OpenOffers(c *contract.Contract, stream *offerstream.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[c.DataHash] = c
	m.streams[c.DataHash] = stream
}

// PendingContract returns the contract open to offers for hash, if any.
func (m *Manager) PendingContract(hash string) (*contract.Contract, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.pending[hash]
	return c, ok
}

// StreamFor returns the offer stream registered for hash, if any.
func (m *Manager) StreamFor(hash string) (*offerstream.Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[hash]
	return s, ok
}

// ClosePending removes hash from the pending-offers map once a contract has
// been countersigned and handed to a farmer.
func (m *Manager) ClosePending(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, hash)
}

// RegisterTrigger whitelists a behavior for one requester id.
func (m *Manager) RegisterTrigger(behavior, requesterID string, h TriggerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[behavior+":"+requesterID] = h
}

// Trigger looks up the handler registered for (behavior, requesterID).
func (m *Manager) Trigger(behavior, requesterID string) (TriggerHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.triggers[behavior+":"+requesterID]
	return h, ok
}
