package protocol

import (
	"encoding/json"

	"shardpeer/perr"
)

// Request is a minimal JSON-RPC 2.0 request envelope, the framing every
// RPC method travels in over the DHT transport.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is the matching reply envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EncodeRequest marshals method/id/params into a Request envelope.
func EncodeRequest(id, method string, params interface{}) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "protocol: encode params: "+err.Error())
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	return json.Marshal(req)
}

// DecodeRequest parses a Request envelope.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "protocol: decode request: "+err.Error())
	}
	return &req, nil
}

// EncodeResult wraps a successful handler result in a Response envelope.
func EncodeResult(id string, result interface{}) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "protocol: encode result: "+err.Error())
	}
	resp := Response{JSONRPC: "2.0", ID: id, Result: raw}
	return json.Marshal(resp)
}

// EncodeError wraps a handler error in a Response envelope.
func EncodeError(id string, err error) ([]byte, error) {
	resp := Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: -32000, Message: err.Error()}}
	return json.Marshal(resp)
}

// DecodeResponse parses a Response envelope, returning the carried error
// (if any) as a Go error.
func DecodeResponse(data []byte) (json.RawMessage, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "protocol: decode response: "+err.Error())
	}
	if resp.Error != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, resp.Error.Message)
	}
	return resp.Result, nil
}
