// Package dhtnet is the concrete DHT/transport adapter: a libp2p host with
// gossipsub, mDNS discovery, UPnP/NAT-PMP traversal and a Kademlia-flavored
// peer table, wired to satisfy protocol.NodeView, protocol.Sender and the
// nodeclient.Publisher/Subscriber collaborator interfaces named by the
// rest of the peer core.
package dhtnet

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"shardpeer/identity"
	"shardpeer/perr"
	"shardpeer/protocol"
)

// RPCProtocolID is the libp2p stream protocol carrying JSON-RPC-framed
// method calls between peers.
const RPCProtocolID = libp2pprotocol.ID("/shardpeer/rpc/1.0.0")

// Config configures a Node's transport.
type Config struct {
	ListenAddr     string
	DiscoveryTag   string
	BootstrapPeers []string
}

// Plugin lets an external component attach additional RPC methods or
// behavior to a Node at construction time, without Node needing to know
// about it.
type Plugin interface {
	Register(n *Node) error
}

// Node is the libp2p-backed implementation of protocol.NodeView,
// protocol.Sender, nodeclient.Publisher and nodeclient.Subscriber.
type Node struct {
	cfg  Config
	id   *identity.Identity
	self protocol.Contact

	host   libp2phost.Host
	ps     *pubsub.PubSub
	topics *topicSet
	table  *Table

	dispatcher *protocol.Dispatcher
	manager    *protocol.Manager
	tunnel     protocol.TunnelProvider

	nat *natManager
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode constructs and starts a peer-core node: it opens a libp2p host,
// joins gossipsub, starts mDNS discovery, attempts NAT traversal, dials any
// configured bootstrap peers, and registers the protocol handlers on the
// RPC stream protocol.
func NewNode(cfg Config, id *identity.Identity, mgr *protocol.Manager, tun protocol.TunnelProvider, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "dhtnet")

	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: create host: "+err.Error())
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: create pubsub: "+err.Error())
	}

	n := &Node{
		cfg:        cfg,
		id:         id,
		host:       h,
		ps:         ps,
		topics:     newTopicSet(ps),
		table:      NewTable(id.NodeID().String()),
		dispatcher: protocol.NewDispatcher(),
		manager:    mgr,
		tunnel:     tun,
		log:        entry,
		ctx:        ctx,
		cancel:     cancel,
	}
	n.self = protocol.Contact{Identity: id.NodeID().String(), Address: n.advertisedAddr()}

	if nat, err := newNATManager(entry); err == nil {
		n.nat = nat
		if port, err := parseTCPPort(cfg.ListenAddr); err == nil {
			if err := nat.mapPort(port); err != nil {
				entry.WithError(err).Warn("dhtnet: NAT port mapping failed")
			}
		}
	} else {
		entry.WithError(err).Debug("dhtnet: NAT discovery unavailable")
	}

	h.SetStreamHandler(RPCProtocolID, n.handleStream)

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		entry.WithError(err).Warn("dhtnet: bootstrap dial warning")
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	return n, nil
}

// advertisedAddr builds the full dialable multiaddr ("<listen>/p2p/<id>")
// other peers should use to reach this host, or "" if the host has no
// listen addresses yet.
func (n *Node) advertisedAddr() string {
	addrs := n.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].String() + "/p2p/" + n.host.ID().String()
}

// Use registers an additional RPC method handler, e.g. from a Plugin.
func (n *Node) Use(method string, h protocol.Handler) { n.dispatcher.Register(method, h) }

// Plugin lets p attach itself to this node (extra RPC methods, background
// loops, etc).
func (n *Node) Plugin(p Plugin) error { return p.Register(n) }

// Keypair satisfies protocol.NodeView.
func (n *Node) Keypair() *identity.Identity { return n.id }

// Manager satisfies protocol.NodeView.
func (n *Node) Manager() *protocol.Manager { return n.manager }

// TunServer satisfies protocol.NodeView.
func (n *Node) TunServer() protocol.TunnelProvider { return n.tunnel }

// Contact satisfies protocol.NodeView: this node's own identity/address.
func (n *Node) Contact() protocol.Contact { return n.self }

// Sender satisfies protocol.NodeView: this node is its own RPC sender.
func (n *Node) Sender() protocol.Sender { return n }

// Table exposes the peer table backing FIND_TUNNEL volunteer discovery and
// general peer lookups.
func (n *Node) Table() *Table { return n.table }

var _ mdns.Notifee = (*Node)(nil)
var _ protocol.NodeView = (*Node)(nil)
var _ protocol.Sender = (*Node)(nil)
var _ protocol.ShardFetcher = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: dial a locally-discovered peer
// and add it to the peer table.
func (n *Node) HandlePeerFound(info libp2ppeer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if _, ok := n.table.Lookup(info.ID.String()); ok {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).WithField("peer", info.ID.String()).Debug("dhtnet: mDNS connect failed")
		return
	}
	n.table.Add(protocol.Contact{Identity: info.ID.String(), Address: info.String()})
	n.log.WithField("peer", info.ID.String()).Info("dhtnet: connected via mDNS")
}

// DialSeed connects to each bootstrap address and records it in the peer
// table, collecting (not failing fast on) per-seed errors.
func (n *Node) DialSeed(seeds []string) error {
	var failed []string
	for _, addr := range seeds {
		info, err := libp2ppeer.AddrInfoFromString(addr)
		if err != nil {
			failed = append(failed, addr)
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			failed = append(failed, addr)
			continue
		}
		n.table.Add(protocol.Contact{Identity: info.ID.String(), Address: addr})
	}
	if len(failed) > 0 {
		return perr.Wrap(perr.ErrUnexpected, "dhtnet: failed to dial seeds")
	}
	return nil
}

// Close tears down pubsub, cancels background subscriptions, releases any
// NAT mapping and closes the libp2p host.
func (n *Node) Close() error {
	n.cancel()
	if n.nat != nil {
		_ = n.nat.unmap()
	}
	return n.host.Close()
}

// Send satisfies protocol.Sender: open an RPC stream to peer, write the
// request, and wait for the matching response.
func (n *Node) Send(ctx context.Context, peer protocol.Contact, method string, params interface{}) (json.RawMessage, error) {
	info, err := n.resolve(peer)
	if err != nil {
		return nil, err
	}
	if err := n.host.Connect(ctx, info); err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: connect "+peer.Identity+": "+err.Error())
	}
	s, err := n.host.NewStream(ctx, info.ID, RPCProtocolID)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: open stream "+peer.Identity+": "+err.Error())
	}
	defer s.Close()

	req, err := protocol.EncodeRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(req); err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: write request: "+err.Error())
	}
	if cw, ok := s.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	raw, err := io.ReadAll(s)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: read response: "+err.Error())
	}
	return protocol.DecodeResponse(raw)
}

// resolve turns a Contact's Address (a full "<multiaddr>/p2p/<id>" string,
// this adapter's dial-address convention) into a libp2p AddrInfo, falling
// back to a peer-table lookup by identity if Address is empty.
func (n *Node) resolve(peer protocol.Contact) (libp2ppeer.AddrInfo, error) {
	if peer.Address != "" {
		info, err := libp2ppeer.AddrInfoFromString(peer.Address)
		if err == nil {
			return *info, nil
		}
	}
	if known, ok := n.table.Lookup(peer.Identity); ok && known.Address != "" {
		info, err := libp2ppeer.AddrInfoFromString(known.Address)
		if err == nil {
			return *info, nil
		}
	}
	return libp2ppeer.AddrInfo{}, perr.Wrap(perr.ErrInvalidOperation, "dhtnet: cannot resolve dial address for "+peer.Identity)
}

// handleStream answers one inbound RPC stream: decode the request, dispatch
// it through the shared handler table against this node as NodeView, and
// write back the encoded result or error.
func (n *Node) handleStream(s libp2pnetwork.Stream) {
	defer s.Close()
	raw, err := io.ReadAll(s)
	if err != nil {
		return
	}
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		return
	}
	remote := s.Conn().RemotePeer()
	caller := protocol.Contact{Identity: remote.String(), Address: s.Conn().RemoteMultiaddr().String() + "/p2p/" + remote.String()}

	result, handleErr := n.dispatcher.Dispatch(n.ctx, req.Method, n, caller, req.Params)

	var resp []byte
	if handleErr != nil {
		resp, err = protocol.EncodeError(req.ID, handleErr)
	} else {
		resp, err = protocol.EncodeResult(req.ID, result)
	}
	if err != nil {
		return
	}
	_, _ = s.Write(resp)
}
