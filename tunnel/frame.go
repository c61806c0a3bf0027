// Package tunnel implements the binary frame format, gateway/server pool,
// and client multiplexer that carry RPC and datachannel traffic between a
// volunteer's gateway and a NATed peer's tunnel client.
package tunnel

import (
	"shardpeer/perr"
)

// Outer frame opcodes.
const (
	OpcodeRPC         byte = 0x0c
	OpcodeDataChannel byte = 0x0d
)

// Datachannel inner frame types.
const (
	FrameText   byte = 0x01
	FrameBinary byte = 0x02
)

// QUIDSize is the length in bytes of a per-socket datachannel identifier.
const QUIDSize = 6

// QUID is a random per-socket identifier scoping a datachannel's frames.
type QUID [QUIDSize]byte

// Frame is one outer frame: opcode || body.
type Frame struct {
	Opcode byte
	Body   []byte
}

// DataChannelFrame is the inner structure carried by an OpcodeDataChannel
// frame's body: frametype(1) || quid(6) || payload.
type DataChannelFrame struct {
	Type    byte
	QUID    QUID
	Payload []byte
}

// EncodeFrame serializes an outer frame for emission over the wire.
func EncodeFrame(f Frame) []byte {
	out := make([]byte, 1+len(f.Body))
	out[0] = f.Opcode
	copy(out[1:], f.Body)
	return out
}

// DecodeFrame parses raw bytes received off the wire into an outer frame.
// An empty buffer or an opcode outside {RPC, DataChannel} is invalid input.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < 1 {
		return Frame{}, perr.Wrap(perr.ErrInvalidMessage, "tunnel: empty frame")
	}
	op := raw[0]
	if op != OpcodeRPC && op != OpcodeDataChannel {
		return Frame{}, perr.Wrap(perr.ErrInvalidMessage, "tunnel: invalid input")
	}
	body := make([]byte, len(raw)-1)
	copy(body, raw[1:])
	return Frame{Opcode: op, Body: body}, nil
}

// EncodeDataChannel serializes a datachannel inner frame.
func EncodeDataChannel(d DataChannelFrame) []byte {
	out := make([]byte, 1+QUIDSize+len(d.Payload))
	out[0] = d.Type
	copy(out[1:1+QUIDSize], d.QUID[:])
	copy(out[1+QUIDSize:], d.Payload)
	return out
}

// DecodeDataChannel parses a datachannel inner frame body.
func DecodeDataChannel(body []byte) (DataChannelFrame, error) {
	if len(body) < 1+QUIDSize {
		return DataChannelFrame{}, perr.Wrap(perr.ErrInvalidMessage, "tunnel: short datachannel frame")
	}
	t := body[0]
	if t != FrameText && t != FrameBinary {
		return DataChannelFrame{}, perr.Wrap(perr.ErrInvalidMessage, "tunnel: invalid input")
	}
	var q QUID
	copy(q[:], body[1:1+QUIDSize])
	payload := make([]byte, len(body)-1-QUIDSize)
	copy(payload, body[1+QUIDSize:])
	return DataChannelFrame{Type: t, QUID: q, Payload: payload}, nil
}

// Message is the demultiplexed, tagged-union result of reading one outer
// frame: either a raw RPC body or a parsed datachannel frame.
type Message struct {
	IsDataChannel bool
	RPC           []byte
	DataChannel   DataChannelFrame
}

// Muxer turns logical messages into outer frame bytes. It holds no state;
// it exists as the named encode transform mirrored by Demuxer below.
type Muxer struct{}

// MuxRPC frames a raw JSON-RPC body as an OpcodeRPC frame.
func (Muxer) MuxRPC(body []byte) []byte {
	return EncodeFrame(Frame{Opcode: OpcodeRPC, Body: body})
}

// MuxDataChannel frames a datachannel payload as an OpcodeDataChannel frame.
func (Muxer) MuxDataChannel(frameType byte, quid QUID, payload []byte) []byte {
	return EncodeFrame(Frame{Opcode: OpcodeDataChannel, Body: EncodeDataChannel(DataChannelFrame{
		Type: frameType, QUID: quid, Payload: payload,
	})})
}

// Demuxer parses outer frame bytes back into a tagged Message, validating
// the opcode and (for datachannel frames) the inner frame type.
type Demuxer struct{}

// Demux validates the outer opcode and, for a datachannel frame, the inner
// frame type, returning InvalidMessage ("invalid input") on either failure.
func (Demuxer) Demux(raw []byte) (Message, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return Message{}, err
	}
	switch f.Opcode {
	case OpcodeRPC:
		return Message{RPC: f.Body}, nil
	case OpcodeDataChannel:
		dc, err := DecodeDataChannel(f.Body)
		if err != nil {
			return Message{}, err
		}
		return Message{IsDataChannel: true, DataChannel: dc}, nil
	default:
		return Message{}, perr.Wrap(perr.ErrInvalidMessage, "tunnel: invalid input")
	}
}
