package tunnel

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shardpeer/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	var mux Muxer
	var demux Demuxer

	rpcBody := []byte(`{"id":"1","method":"PING","params":{}}`)
	framed := mux.MuxRPC(rpcBody)
	if framed[0] != OpcodeRPC {
		t.Fatalf("expected RPC opcode, got %x", framed[0])
	}
	msg, err := demux.Demux(framed)
	if err != nil {
		t.Fatalf("demux rpc: %v", err)
	}
	if msg.IsDataChannel || !bytes.Equal(msg.RPC, rpcBody) {
		t.Fatalf("rpc round trip mismatch: %+v", msg)
	}

	quid := QUID{1, 2, 3, 4, 5, 6}
	payload := []byte("hello")
	dcFramed := mux.MuxDataChannel(FrameBinary, quid, payload)
	if dcFramed[0] != OpcodeDataChannel {
		t.Fatalf("expected datachannel opcode, got %x", dcFramed[0])
	}
	dcMsg, err := demux.Demux(dcFramed)
	if err != nil {
		t.Fatalf("demux datachannel: %v", err)
	}
	if !dcMsg.IsDataChannel || dcMsg.DataChannel.QUID != quid || !bytes.Equal(dcMsg.DataChannel.Payload, payload) {
		t.Fatalf("datachannel round trip mismatch: %+v", dcMsg)
	}
}

func TestDecodeFrameInvalidOpcode(t *testing.T) {
	if _, err := DecodeFrame([]byte{0xff, 1, 2, 3}); err == nil {
		t.Fatal("expected error on unknown opcode")
	}
	if _, err := DecodeFrame(nil); err == nil {
		t.Fatal("expected error on empty frame")
	}
}

// TestTunnelRPCRoundTrip drives the full relay path: a Server with
// maxTunnels=1 opens a gateway, a Client attaches to it, and a JSON-RPC
// request POSTed at the entrance is relayed to a local HTTP handler whose
// reply comes back out the entrance with the same body.
func TestTunnelRPCRoundTrip(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("local handler: bad body: %v", err)
		}
		if req.Method != "TEST" {
			t.Fatalf("local handler: unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + req.ID + `","result":{"text":"greetings comrade!"}}`))
	}))
	defer local.Close()

	srv := NewServer(nil, "127.0.0.1", 1, PortRange{}, 5*time.Second)
	wsURL, alias, err := srv.OpenGateway()
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	if alias.Port == 0 {
		t.Fatal("expected a bound port")
	}
	if _, _, err := srv.OpenGateway(); err == nil {
		t.Fatal("expected maxTunnels=1 to refuse a second gateway")
	}

	client, err := Dial(nil, wsURL, local.URL, "")
	if err != nil {
		t.Fatalf("dial tunnel client: %v", err)
	}
	defer client.Close()

	// Give the client's WS handshake a moment to register with the gateway.
	time.Sleep(50 * time.Millisecond)

	entranceURL := "http://" + trimWS(wsURL) + "/rpc"
	reqBody := []byte(`{"id":"1234567890","method":"TEST","params":{}}`)
	resp, err := http.Post(entranceURL, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("post entrance: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("entrance status = %d", resp.StatusCode)
	}
	respBody, _ := io.ReadAll(resp.Body)
	want := `{"id":"1234567890","result":{"text":"greetings comrade!"}}`
	if string(respBody) != want {
		t.Fatalf("entrance reply = %s, want %s", respBody, want)
	}
}

func TestServerLockedUnlocked(t *testing.T) {
	srv := NewServer(nil, "127.0.0.1", 1, PortRange{}, time.Second)
	if !srv.HasFreeGateway() {
		t.Fatal("expected free gateway before opening any")
	}
	wsURL, _, err := srv.OpenGateway()
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	select {
	case <-srv.Locked():
	case <-time.After(time.Second):
		t.Fatal("expected Locked to fire at capacity")
	}
	if srv.HasFreeGateway() {
		t.Fatal("expected no free gateway at capacity")
	}

	srv.CloseGateway(wsURL[strings.Index(wsURL, "token=")+len("token="):])
	select {
	case <-srv.Unlocked():
	case <-time.After(time.Second):
		t.Fatal("expected Unlocked to fire when capacity frees up")
	}
	if !srv.HasFreeGateway() {
		t.Fatal("expected a free gateway after closing one")
	}
}

func TestKnownVolunteers(t *testing.T) {
	srv := NewServer(nil, "127.0.0.1", 3, PortRange{}, time.Second)
	srv.AddVolunteer(protocol.Contact{Identity: "a", Address: "1.2.3.4:1"})
	srv.AddVolunteer(protocol.Contact{Identity: "b", Address: "1.2.3.4:2"})
	srv.AddVolunteer(protocol.Contact{Identity: "a", Address: "1.2.3.4:1"}) // duplicate ignored

	got := srv.KnownVolunteers(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 volunteers, got %d", len(got))
	}
	srv.RemoveVolunteer("a")
	if got := srv.KnownVolunteers(10); len(got) != 1 {
		t.Fatalf("expected 1 volunteer after removal, got %d", len(got))
	}
}

// trimWS strips the ws:// scheme and path/query from a gateway wsURL,
// leaving "host:port" for building a plain http:// entrance URL in tests.
func trimWS(wsURL string) string {
	s := strings.TrimPrefix(wsURL, "ws://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}
