package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	RequestHeaderLen  = 8
	ResponseHeaderLen = 8

	MaxRequestPayload = math.MaxUint16
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrTruncated       = errors.New("frame: payload truncated")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrUnknownCommand  = errors.New("frame: unknown command")
)

// Headers travel in the host's native byte order; both ends share one machine.
var order = binary.NativeEndian

// Command is the request tag carried in every request header.
type Command uint16

const (
	CmdAlive      Command = 0x00
	CmdRegister   Command = 0x01
	CmdUnregister Command = 0x02
	CmdCall       Command = 0x03
	CmdOneWay     Command = 0x04
	CmdChainCall  Command = 0x05
)

func (c Command) Valid() bool {
	return c <= CmdChainCall
}

func (c Command) String() string {
	switch c {
	case CmdAlive:
		return "alive"
	case CmdRegister:
		return "register"
	case CmdUnregister:
		return "unregister"
	case CmdCall:
		return "call"
	case CmdOneWay:
		return "one_way"
	case CmdChainCall:
		return "chain_call"
	default:
		return fmt.Sprintf("command(%d)", uint16(c))
	}
}

// RequestHeader is the fixed client->daemon header.
type RequestHeader struct {
	Seq     uint32
	Command Command
	Size    uint16
}

// ResponseHeader is the fixed daemon->client header.
type ResponseHeader struct {
	Seq  uint32
	Size uint32
}

func EncodeRequestHeader(dst []byte, h RequestHeader) error {
	if len(dst) < RequestHeaderLen {
		return ErrShortHeader
	}
	order.PutUint32(dst[0:4], h.Seq)
	order.PutUint16(dst[4:6], uint16(h.Command))
	order.PutUint16(dst[6:8], h.Size)
	return nil
}

func DecodeRequestHeader(src []byte) (RequestHeader, error) {
	if len(src) < RequestHeaderLen {
		return RequestHeader{}, ErrShortHeader
	}
	return RequestHeader{
		Seq:     order.Uint32(src[0:4]),
		Command: Command(order.Uint16(src[4:6])),
		Size:    order.Uint16(src[6:8]),
	}, nil
}

func EncodeResponseHeader(dst []byte, h ResponseHeader) error {
	if len(dst) < ResponseHeaderLen {
		return ErrShortHeader
	}
	order.PutUint32(dst[0:4], h.Seq)
	order.PutUint32(dst[4:8], h.Size)
	return nil
}

func DecodeResponseHeader(src []byte) (ResponseHeader, error) {
	if len(src) < ResponseHeaderLen {
		return ResponseHeader{}, ErrShortHeader
	}
	return ResponseHeader{
		Seq:  order.Uint32(src[0:4]),
		Size: order.Uint32(src[4:8]),
	}, nil
}

// EncodeRequest writes header and payload into dst. Nothing is written when
// the frame does not fit.
func EncodeRequest(dst []byte, seq uint32, cmd Command, payload []byte) (int, error) {
	if len(payload) > MaxRequestPayload || RequestHeaderLen+len(payload) > len(dst) {
		return 0, ErrPayloadTooLarge
	}
	h := RequestHeader{Seq: seq, Command: cmd, Size: uint16(len(payload))}
	if err := EncodeRequestHeader(dst, h); err != nil {
		return 0, err
	}
	n := copy(dst[RequestHeaderLen:], payload)
	return RequestHeaderLen + n, nil
}

// DecodeRequest reads one request frame from src. The payload is copied out so
// the caller may hand the slot back to the writer immediately.
func DecodeRequest(src []byte) (RequestHeader, []byte, error) {
	h, err := DecodeRequestHeader(src)
	if err != nil {
		return RequestHeader{}, nil, err
	}
	end := RequestHeaderLen + int(h.Size)
	if end > len(src) {
		return RequestHeader{}, nil, ErrTruncated
	}
	if !h.Command.Valid() {
		return h, nil, fmt.Errorf("%w: %d", ErrUnknownCommand, uint16(h.Command))
	}
	payload := make([]byte, h.Size)
	copy(payload, src[RequestHeaderLen:end])
	return h, payload, nil
}

// EncodeResponse writes header and payload into dst. Nothing is written when
// the frame does not fit.
func EncodeResponse(dst []byte, seq uint32, payload []byte) (int, error) {
	if uint64(len(payload)) > math.MaxUint32 || ResponseHeaderLen+len(payload) > len(dst) {
		return 0, ErrPayloadTooLarge
	}
	h := ResponseHeader{Seq: seq, Size: uint32(len(payload))}
	if err := EncodeResponseHeader(dst, h); err != nil {
		return 0, err
	}
	n := copy(dst[ResponseHeaderLen:], payload)
	return ResponseHeaderLen + n, nil
}

func DecodeResponse(src []byte) (ResponseHeader, []byte, error) {
	h, err := DecodeResponseHeader(src)
	if err != nil {
		return ResponseHeader{}, nil, err
	}
	end := uint64(ResponseHeaderLen) + uint64(h.Size)
	if end > uint64(len(src)) {
		return ResponseHeader{}, nil, ErrTruncated
	}
	payload := make([]byte, h.Size)
	copy(payload, src[ResponseHeaderLen:end])
	return h, payload, nil
}
