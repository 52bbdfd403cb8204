// Package wire implements the TFTP datagram codec: parsing RRQ and
// ACK/ERROR datagrams received from a client, and serializing DATA, ACK,
// OACK and ERROR datagrams sent to one. All fields are big-endian, per
// RFC 1350 and the option extensions in RFC 2347/2348/2349/7440.
//
// This mirrors the opcode switch in the teacher's tftp.TftpNode.handleClient
// (wjholden/GoTFTPd), generalized so the RRQ parse returns a structured
// ReadRequest/ProtocolError pair instead of writing straight to a socket.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies a TFTP datagram type.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

// Error codes from RFC 1350 §5 that this server actually emits.
const (
	ErrUndefined       uint16 = 0
	ErrFileNotFound    uint16 = 1
	ErrAccessViolation uint16 = 2
	ErrIllegalOp       uint16 = 4
)

// ProtocolError is a malformed-request or unsupported-request condition
// that must be reported to the client as an ERROR datagram rather than
// silently dropped.
type ProtocolError struct {
	Code    uint16
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tftp error %d: %s", e.Code, e.Message)
}

func newProtoErr(code uint16, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Message: msg}
}

// ReadRequest is a parsed RRQ: the requested filename (leading "/" already
// stripped) and the option map exactly as sent by the client, before
// negotiation/clamping.
type ReadRequest struct {
	Filename string
	Options  map[string]string
}

// ParseRRQ parses a datagram believed to be an RRQ. Per spec.md §4.1: only
// opcode 1 is accepted, mode must be exactly "octet", and option pairs are
// parsed until the buffer is exhausted.
func ParseRRQ(buf []byte) (*ReadRequest, *ProtocolError) {
	if len(buf) < 2 {
		return nil, newProtoErr(ErrIllegalOp, "Only RRQ is supported")
	}
	opcode := Opcode(binary.BigEndian.Uint16(buf[0:2]))
	if opcode != OpRRQ {
		return nil, newProtoErr(ErrIllegalOp, "Only RRQ is supported")
	}

	fields := bytes.Split(buf[2:], []byte{0})
	// A well-formed request always ends on a NUL, which leaves one empty
	// trailing field after the split; drop it.
	if len(fields) > 0 && len(fields[len(fields)-1]) == 0 {
		fields = fields[:len(fields)-1]
	} else {
		return nil, newProtoErr(ErrIllegalOp, "Bad format")
	}
	if len(fields) < 2 {
		return nil, newProtoErr(ErrIllegalOp, "Bad format")
	}

	filename := string(fields[0])
	for len(filename) > 0 && filename[0] == '/' {
		filename = filename[1:]
	}

	mode := string(fields[1])
	if mode != "octet" {
		return nil, newProtoErr(ErrUndefined, "Only octet mode is supported")
	}

	rest := fields[2:]
	if len(rest)%2 != 0 {
		return nil, newProtoErr(ErrUndefined, "Bad format")
	}
	options := make(map[string]string, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		name, value := string(rest[i]), string(rest[i+1])
		if name == "" {
			return nil, newProtoErr(ErrUndefined, "Bad format")
		}
		if _, dup := options[name]; dup {
			return nil, newProtoErr(ErrUndefined, "Bad format")
		}
		options[name] = value
	}

	return &ReadRequest{Filename: filename, Options: options}, nil
}

// AckOrError is the decoded result of a datagram received on a session
// socket while awaiting an ACK: exactly one of the three is populated.
type AckOrError struct {
	Ack          bool
	Block        uint16
	IsError      bool
	ErrCode      uint16
	ErrMessage   string
	IsMalformed  bool
}

// ParseAckOrError decodes a datagram expected to be an ACK or ERROR.
// Datagrams shorter than 4 bytes are the "runt" case from spec.md §9 and
// are reported as malformed so the caller can drop them.
func ParseAckOrError(buf []byte) AckOrError {
	if len(buf) < 4 {
		return AckOrError{IsMalformed: true}
	}
	switch Opcode(binary.BigEndian.Uint16(buf[0:2])) {
	case OpACK:
		return AckOrError{Ack: true, Block: binary.BigEndian.Uint16(buf[2:4])}
	case OpERROR:
		msg := buf[4:]
		if i := bytes.IndexByte(msg, 0); i >= 0 {
			msg = msg[:i]
		}
		return AckOrError{
			IsError:    true,
			ErrCode:    binary.BigEndian.Uint16(buf[2:4]),
			ErrMessage: string(msg),
		}
	default:
		return AckOrError{IsMalformed: true}
	}
}

// SerializeError builds an ERROR datagram: [0x0005][code][msg\0].
func SerializeError(code uint16, msg string) []byte {
	buf := make([]byte, 0, 4+len(msg)+1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(OpERROR))
	buf = binary.BigEndian.AppendUint16(buf, code)
	buf = append(buf, msg...)
	buf = append(buf, 0)
	return buf
}

// SerializeOACK builds an OACK datagram from an ordered option list:
// [0x0006](name\0value\0)+. Order is preserved so tests can assert on the
// exact accepted-option set.
func SerializeOACK(options [][2]string) []byte {
	buf := make([]byte, 0, 2)
	buf = binary.BigEndian.AppendUint16(buf, uint16(OpOACK))
	for _, kv := range options {
		buf = append(buf, kv[0]...)
		buf = append(buf, 0)
		buf = append(buf, kv[1]...)
		buf = append(buf, 0)
	}
	return buf
}

// SerializeDataHeader writes the 4-byte DATA header ([0x0003][block]) into
// dst[0:4]. Callers own the payload placement into dst[4:] — this mirrors
// the pre-built-slot design of the session package's window type (spec.md
// §3 "Window").
func SerializeDataHeader(dst []byte, block uint16) {
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(dst[2:4], block)
}

// SerializeAck builds an ACK datagram: [0x0004][block].
func SerializeAck(block uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], block)
	return buf
}

// DataHeaderSize is the fixed 4-byte opcode+block prefix of a DATA datagram.
const DataHeaderSize = 4
