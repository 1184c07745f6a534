package tftpwire

import (
	"encoding/binary"
	"errors"
)

type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpData  Opcode = 3
	OpAck   Opcode = 4
	OpError Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	}
	return "UNKNOWN"
}

const (
	BlockSize      = 512
	DataHeaderLen  = 4
	AckLen         = 4
	ErrorHeaderLen = 4
)

var ErrMalformedPacket = errors.New("malformed packet")

// ReadUint16 reads a big-endian uint16 at offset.
func ReadUint16(buf []byte, offset int) (uint16, error) {
	if offset < 0 || len(buf)-offset < 2 {
		return 0, ErrMalformedPacket
	}
	return binary.BigEndian.Uint16(buf[offset : offset+2]), nil
}

// Reader is a forward-only cursor over a received datagram.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Uint16() (uint16, error) {
	v, err := ReadUint16(r.buf, r.pos)
	if err != nil {
		return 0, err
	}
	r.pos += 2
	return v, nil
}

// CString returns the bytes up to the next zero byte and moves the cursor past
// the terminator. A string running into the end of the buffer is malformed and
// leaves the cursor untouched.
func (r *Reader) CString() (string, error) {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", ErrMalformedPacket
}

func (r *Reader) Offset() int {
	return r.pos
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func PeekOpcode(src []byte) (Opcode, bool) {
	v, err := ReadUint16(src, 0)
	if err != nil {
		return 0, false
	}
	return Opcode(v), true
}

// BuildData returns opcode 3, the wire block number and the payload.
func BuildData(block uint16, payload []byte) []byte {
	dst := make([]byte, DataHeaderLen+len(payload))
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpData))
	binary.BigEndian.PutUint16(dst[2:4], block)
	copy(dst[DataHeaderLen:], payload)
	return dst
}

// DataPayloadLen is the payload length of a DATA packet built by BuildData.
func DataPayloadLen(pkt []byte) int {
	if len(pkt) < DataHeaderLen {
		return 0
	}
	return len(pkt) - DataHeaderLen
}

// BuildError returns opcode 5, the error code, the message and a trailing zero.
// The message is cut at the first embedded NUL so the packet stays parseable.
func BuildError(code ErrorCode, msg string) []byte {
	for i := 0; i < len(msg); i++ {
		if msg[i] == 0 {
			msg = msg[:i]
			break
		}
	}
	dst := make([]byte, ErrorHeaderLen+len(msg)+1)
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpError))
	binary.BigEndian.PutUint16(dst[2:4], uint16(code))
	copy(dst[ErrorHeaderLen:], msg)
	return dst
}

func BuildAck(block uint16) []byte {
	dst := make([]byte, AckLen)
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpAck))
	binary.BigEndian.PutUint16(dst[2:4], block)
	return dst
}

func BuildReadRequest(filename, mode string) []byte {
	dst := make([]byte, 0, 2+len(filename)+1+len(mode)+1)
	dst = binary.BigEndian.AppendUint16(dst, uint16(OpRRQ))
	dst = append(dst, filename...)
	dst = append(dst, 0)
	dst = append(dst, mode...)
	dst = append(dst, 0)
	return dst
}

// ParseAck returns the block number of an ACK packet. Anything that is not a
// complete ACK reports ok == false.
func ParseAck(src []byte) (block uint16, ok bool) {
	op, ok := PeekOpcode(src)
	if !ok || op != OpAck {
		return 0, false
	}
	block, err := ReadUint16(src, 2)
	if err != nil {
		return 0, false
	}
	return block, true
}

type ReadRequest struct {
	Filename string
	Mode     string
}

// ParseReadRequest decodes an RRQ. Trailing option pairs are ignored.
func ParseReadRequest(src []byte) (*ReadRequest, error) {
	r := NewReader(src)
	op, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if Opcode(op) != OpRRQ {
		return nil, ErrIllegalOperation
	}
	filename, err := r.CString()
	if err != nil {
		return nil, err
	}
	mode, err := r.CString()
	if err != nil {
		return nil, err
	}
	return &ReadRequest{Filename: filename, Mode: mode}, nil
}
