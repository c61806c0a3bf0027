package tunnel

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shardpeer/perr"
)

// Client is the tunnel client: it opens the outer WS to a gateway's
// entrance, pipes incoming frames through a Demuxer, forwards RPC bodies
// to a local target URL via POST, forwards datachannel frames to a local
// WS target (one local connection per quid), and muxes their replies back
// onto the outer connection.
type Client struct {
	log *logrus.Entry

	conn    *websocket.Conn
	mux     Muxer
	demux   Demuxer
	writeMu sync.Mutex

	localRPCURL string
	localWSURL  string

	sockMu sync.Mutex
	socks  map[QUID]*websocket.Conn

	httpClient *http.Client
}

// Dial opens the outer WS connection to wsURL (as returned by
// Server.OpenGateway / OPEN_TUNNEL) and starts relaying traffic to
// localRPCURL (an HTTP endpoint accepting POSTed JSON-RPC bodies) and
// localWSURL (a WS endpoint accepting datachannel payloads).
func Dial(log *logrus.Logger, wsURL, localRPCURL, localWSURL string) (*Client, error) {
	if log == nil {
		log = logrus.New()
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "tunnel: dial entrance: "+err.Error())
	}
	c := &Client{
		log:         log.WithField("component", "tunnel-client"),
		conn:        conn,
		localRPCURL: localRPCURL,
		localWSURL:  localWSURL,
		socks:       make(map[QUID]*websocket.Conn),
		httpClient:  &http.Client{},
	}
	go c.readLoop()
	return c, nil
}

// Close ends the outer connection and every per-quid local socket it
// opened on the client's behalf.
func (c *Client) Close() error {
	c.sockMu.Lock()
	for quid, sock := range c.socks {
		_ = sock.Close()
		delete(c.socks, quid)
	}
	c.sockMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := c.demux.Demux(raw)
		if err != nil {
			c.log.WithError(err).Warn("tunnel: client demux failed")
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(http.StatusBadRequest, err.Error()))
			return
		}
		if msg.IsDataChannel {
			go c.handleDataChannel(msg.DataChannel)
			continue
		}
		go c.handleRPC(msg.RPC)
	}
}

// handleRPC forwards an RPC body to localRPCURL over HTTP POST and muxes
// the response back onto the outer connection.
func (c *Client) handleRPC(body []byte) {
	resp, err := c.httpClient.Post(c.localRPCURL, "application/json", bytes.NewReader(body))
	if err != nil {
		c.log.WithError(err).Warn("tunnel: local rpc target unreachable")
		return
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.BinaryMessage, c.mux.MuxRPC(reply))
	c.writeMu.Unlock()
}

// handleDataChannel relays a datachannel frame to the per-quid local WS
// socket, dialing it lazily on first use. An empty-payload frame is the
// terminator: it closes the local socket and forgets the quid.
func (c *Client) handleDataChannel(f DataChannelFrame) {
	if len(f.Payload) == 0 {
		c.sockMu.Lock()
		sock, ok := c.socks[f.QUID]
		delete(c.socks, f.QUID)
		c.sockMu.Unlock()
		if ok {
			_ = sock.Close()
		}
		return
	}

	sock, err := c.socketFor(f.QUID)
	if err != nil {
		c.log.WithError(err).Warn("tunnel: local datachannel target unreachable")
		return
	}
	wsType := websocket.BinaryMessage
	if f.Type == FrameText {
		wsType = websocket.TextMessage
	}
	_ = sock.WriteMessage(wsType, f.Payload)
}

func (c *Client) socketFor(quid QUID) (*websocket.Conn, error) {
	c.sockMu.Lock()
	if sock, ok := c.socks[quid]; ok {
		c.sockMu.Unlock()
		return sock, nil
	}
	c.sockMu.Unlock()

	sock, _, err := websocket.DefaultDialer.Dial(c.localWSURL, nil)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "tunnel: dial local ws: "+err.Error())
	}
	c.sockMu.Lock()
	c.socks[quid] = sock
	c.sockMu.Unlock()
	go c.pumpLocal(quid, sock)
	return sock, nil
}

// pumpLocal reads the local target's replies on one quid's socket and
// muxes them back onto the outer connection, writing a terminator frame
// when the local socket closes so the gateway can clean up its own side.
func (c *Client) pumpLocal(quid QUID, sock *websocket.Conn) {
	defer func() {
		c.sockMu.Lock()
		delete(c.socks, quid)
		c.sockMu.Unlock()
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.BinaryMessage, c.mux.MuxDataChannel(FrameBinary, quid, nil))
		c.writeMu.Unlock()
	}()
	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		ft := FrameBinary
		if msgType == websocket.TextMessage {
			ft = FrameText
		}
		c.writeMu.Lock()
		err = c.conn.WriteMessage(websocket.BinaryMessage, c.mux.MuxDataChannel(ft, quid, data))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
