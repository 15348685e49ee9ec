package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for any datagram that does not parse
// as a TFTP packet. Callers drop the datagram; decoding never panics.
var ErrMalformed = errors.New("malformed packet")

// Encode serializes a packet into a fresh UDP payload. Inputs are
// well-formed by construction, so encoding cannot fail.
func Encode(p Packet) []byte {
	var buf bytes.Buffer

	writeOp := func(op Opcode) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(op))
		buf.Write(b[:])
	}
	writeU16 := func(v uint16) {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	writeStr := func(s string) {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	writeOpts := func(opts Options) {
		for _, o := range opts {
			writeStr(o.Name)
			writeStr(o.Value)
		}
	}

	switch p := p.(type) {
	case *ReadReq:
		writeOp(OpRRQ)
		writeStr(p.Filename)
		writeStr(p.Mode)
		writeOpts(p.Options)
	case *WriteReq:
		writeOp(OpWRQ)
		writeStr(p.Filename)
		writeStr(p.Mode)
		writeOpts(p.Options)
	case *Data:
		writeOp(OpDATA)
		writeU16(p.Block)
		buf.Write(p.Payload)
	case *Ack:
		writeOp(OpACK)
		writeU16(p.Block)
	case *Error:
		writeOp(OpERROR)
		writeU16(uint16(p.Code))
		writeStr(p.Message)
	case *OAck:
		writeOp(OpOACK)
		writeOpts(p.Options)
	default:
		panic(fmt.Sprintf("packet: unknown type %T", p))
	}

	return buf.Bytes()
}

// Decode parses a raw UDP payload. Any structural problem yields an error
// wrapping ErrMalformed.
func Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	op := Opcode(binary.BigEndian.Uint16(b))
	rest := b[2:]

	switch op {
	case OpRRQ, OpWRQ:
		filename, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		mode, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		opts, err := readOptions(rest)
		if err != nil {
			return nil, err
		}
		if op == OpRRQ {
			return &ReadReq{Filename: filename, Mode: mode, Options: opts}, nil
		}
		return &WriteReq{Filename: filename, Mode: mode, Options: opts}, nil

	case OpDATA:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: truncated DATA", ErrMalformed)
		}
		payload := make([]byte, len(rest)-2)
		copy(payload, rest[2:])
		return &Data{Block: binary.BigEndian.Uint16(rest), Payload: payload}, nil

	case OpACK:
		if len(rest) != 2 {
			return nil, fmt.Errorf("%w: ACK length %d", ErrMalformed, len(b))
		}
		return &Ack{Block: binary.BigEndian.Uint16(rest)}, nil

	case OpERROR:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: truncated ERROR", ErrMalformed)
		}
		msg, rest, err := readString(rest[2:])
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: trailing bytes after ERROR", ErrMalformed)
		}
		return &Error{Code: ErrorCode(binary.BigEndian.Uint16(b[2:])), Message: msg}, nil

	case OpOACK:
		opts, err := readOptions(rest)
		if err != nil {
			return nil, err
		}
		return &OAck{Options: opts}, nil

	default:
		return nil, fmt.Errorf("%w: opcode %d", ErrMalformed, uint16(op))
	}
}

// readString consumes one NUL-terminated string. The terminator is the only
// NUL allowed; a missing terminator is a malformed packet.
func readString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: unterminated string", ErrMalformed)
	}
	return string(b[:i]), b[i+1:], nil
}

func readOptions(b []byte) (Options, error) {
	var opts Options
	for len(b) > 0 {
		name, rest, err := readString(b)
		if err != nil {
			return nil, err
		}
		value, rest, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: option %q has no value", ErrMalformed, name)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty option name", ErrMalformed)
		}
		opts = append(opts, Option{Name: name, Value: value})
		b = rest
	}
	return opts, nil
}
