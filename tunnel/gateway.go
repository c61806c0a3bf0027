package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shardpeer/perr"
)

// entranceTokenBytes is the width of a gateway's entrance token.
const entranceTokenBytes = 32

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", perr.Wrap(perr.ErrUnexpected, "tunnel: random token: "+err.Error())
	}
	return hex.EncodeToString(b), nil
}

func randomQUID() (QUID, error) {
	var q QUID
	if _, err := rand.Read(q[:]); err != nil {
		return q, perr.Wrap(perr.ErrUnexpected, "tunnel: random quid: "+err.Error())
	}
	return q, nil
}

// Gateway is a virtual HTTP+WS endpoint standing in for a NATed peer: an
// HTTP server and a WebSocket server sharing one listener. It accepts at
// most one tunnel client connection at a time, authorized by a 32-byte
// entrance token, and relays RPC calls and datachannel sockets to that
// client over a single muxed connection. The token is not consumed: it is
// checked on every /tun upgrade and stays valid after a client detaches.
type Gateway struct {
	log   *logrus.Entry
	token string

	upgrader websocket.Upgrader
	mux      Muxer
	demux    Demuxer

	httpSrv *http.Server
	addr    string

	rpcTimeout time.Duration

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan rpcReply

	sockMu sync.Mutex
	socks  map[QUID]*websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

type rpcReply struct {
	body []byte
	err  error
}

// NewGateway builds a gateway with a fresh entrance token. It does not bind
// a listener until Listen is called; Server decides which port to use.
func NewGateway(log *logrus.Logger, rpcTimeout time.Duration) (*Gateway, error) {
	if log == nil {
		log = logrus.New()
	}
	token, err := randomHex(entranceTokenBytes)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		log:        log.WithField("component", "tunnel-gateway"),
		token:      token,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		rpcTimeout: rpcTimeout,
		pending:    make(map[string]chan rpcReply),
		socks:      make(map[QUID]*websocket.Conn),
		closed:     make(chan struct{}),
	}, nil
}

// Token returns the gateway's entrance token, which every /tun WS upgrade
// must present.
func (g *Gateway) Token() string { return g.token }

// Addr returns the bound host:port once Listen has succeeded.
func (g *Gateway) Addr() string { return g.addr }

// Listen binds addr ("host:port", or "host:0" for an OS-assigned port) and
// serves the /tun (tunnel client attach), /rpc (entrance RPC), and /ws
// (entrance datachannel) routes in the background.
func (g *Gateway) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return perr.Wrap(perr.ErrUnexpected, "tunnel: listen: "+err.Error())
	}
	g.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/tun", g.handleTunnelAttach)
	mux.HandleFunc("/rpc", g.handleEntranceRPC)
	mux.HandleFunc("/ws", g.handleEntranceWS)
	g.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := g.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.WithError(err).Warn("tunnel: gateway server exited")
		}
	}()
	return nil
}

// Close shuts down the gateway's listener and tunnel connection.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.closed)
		g.connMu.Lock()
		if g.conn != nil {
			_ = g.conn.Close()
		}
		g.connMu.Unlock()
		if g.httpSrv != nil {
			err = g.httpSrv.Close()
		}
	})
	return err
}

// handleTunnelAttach upgrades the single tunnel client connection after
// checking the entrance token (the token is left in place). A bad token
// closes with 401; a gateway
// already attached (or already closed) closes with 404.
func (g *Gateway) handleTunnelAttach(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != g.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	select {
	case <-g.closed:
		http.Error(w, "not found", http.StatusNotFound)
		return
	default:
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.connMu.Lock()
	if g.conn != nil {
		g.connMu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(http.StatusNotFound, "gateway already attached"))
		_ = conn.Close()
		return
	}
	g.conn = conn
	g.connMu.Unlock()

	g.log.Info("tunnel: client attached")
	go g.readLoop(conn)
}

// readLoop demuxes frames from the attached tunnel client and dispatches
// RPC replies by message id and datachannel frames by quid.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		g.connMu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.connMu.Unlock()
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := g.demux.Demux(raw)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(http.StatusBadRequest, err.Error()))
			return
		}
		if msg.IsDataChannel {
			g.dispatchDataChannel(msg.DataChannel)
			continue
		}
		g.dispatchRPCReply(msg.RPC)
	}
}

func (g *Gateway) dispatchRPCReply(body []byte) {
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}
	g.pendingMu.Lock()
	ch, ok := g.pending[env.ID]
	if ok {
		delete(g.pending, env.ID)
	}
	g.pendingMu.Unlock()
	if ok {
		ch <- rpcReply{body: body}
	}
}

func (g *Gateway) dispatchDataChannel(f DataChannelFrame) {
	g.sockMu.Lock()
	sock, ok := g.socks[f.QUID]
	g.sockMu.Unlock()
	if !ok {
		return
	}
	if len(f.Payload) == 0 {
		_ = sock.Close()
		return
	}
	wsType := websocket.BinaryMessage
	if f.Type == FrameText {
		wsType = websocket.TextMessage
	}
	_ = sock.WriteMessage(wsType, f.Payload)
}

// handleEntranceRPC accepts a JSON-RPC body on the public entrance, frames
// it as an RPC tunnel message, waits (up to rpcTimeout) for the matching
// reply, and writes that reply back as the HTTP response body.
func (g *Gateway) handleEntranceRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	reply := make(chan rpcReply, 1)
	g.pendingMu.Lock()
	g.pending[env.ID] = reply
	g.pendingMu.Unlock()

	g.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, g.mux.MuxRPC(body))
	g.writeMu.Unlock()
	if err != nil {
		g.pendingMu.Lock()
		delete(g.pending, env.ID)
		g.pendingMu.Unlock()
		http.Error(w, "gateway write failed", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.rpcTimeout)
	defer cancel()
	select {
	case rep := <-reply:
		if rep.err != nil {
			http.Error(w, rep.err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(rep.body)
	case <-ctx.Done():
		g.pendingMu.Lock()
		delete(g.pending, env.ID)
		g.pendingMu.Unlock()
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}
}

// handleEntranceWS accepts an external caller's WS connection as a
// datachannel, assigns it a random quid, and relays frames between it and
// the attached tunnel client until either side closes.
func (g *Gateway) handleEntranceWS(w http.ResponseWriter, r *http.Request) {
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	quid, err := randomQUID()
	if err != nil {
		_ = sock.Close()
		return
	}
	g.sockMu.Lock()
	g.socks[quid] = sock
	g.sockMu.Unlock()
	defer func() {
		g.sockMu.Lock()
		delete(g.socks, quid)
		g.sockMu.Unlock()
	}()

	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			g.writeMu.Lock()
			_ = conn.WriteMessage(websocket.BinaryMessage, g.mux.MuxDataChannel(FrameBinary, quid, nil))
			g.writeMu.Unlock()
			return
		}
		ft := FrameBinary
		if msgType == websocket.TextMessage {
			ft = FrameText
		}
		g.writeMu.Lock()
		err = conn.WriteMessage(websocket.BinaryMessage, g.mux.MuxDataChannel(ft, quid, data))
		g.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
