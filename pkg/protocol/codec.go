package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the fixed frame header size: command byte, big-endian
// message id, big-endian body length.
const HeaderLen = 5

// MaxBodyLen bounds the declared body length of a single frame. A
// frame declaring more is a protocol violation, not a large message.
const MaxBodyLen = 32 * 1024

// ErrIncomplete signals that the decoder buffer does not yet hold a
// full frame; feed more bytes and retry.
var ErrIncomplete = errors.New("protocol: incomplete frame")

// ErrFrameTooLarge is connection-fatal: the peer declared a body
// larger than MaxBodyLen.
var ErrFrameTooLarge = errors.New("protocol: declared body exceeds limit")

// Encode frames a message for the wire.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg.Body))
	}
	buf := make([]byte, HeaderLen+len(msg.Body))
	buf[0] = byte(msg.Command)
	binary.BigEndian.PutUint16(buf[1:3], msg.ID)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(msg.Body)))
	copy(buf[HeaderLen:], msg.Body)
	return buf, nil
}

// EncodeResponse builds the 5-byte bare response frame: a CmdResponse
// header whose length field carries the status instead of a body.
func EncodeResponse(id uint16, status Status) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(CmdResponse)
	binary.BigEndian.PutUint16(buf[1:3], id)
	binary.BigEndian.PutUint16(buf[3:5], uint16(status))
	return buf
}

// EncodeString frames a UTF-8 payload under the given command.
func EncodeString(cmd Command, id uint16, body string) ([]byte, error) {
	return Encode(Message{Command: cmd, ID: id, Body: []byte(body)})
}

// Decoder accumulates bytes from a stream and yields complete frames.
// It carries no state beyond the unconsumed bytes, so chunk boundaries
// never affect the decoded message sequence.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, ErrIncomplete if more bytes
// are needed, or a fatal error on a malformed frame. After a fatal
// error the caller must close the connection; the decoder makes no
// attempt to resynchronize.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) < HeaderLen {
		return Message{}, ErrIncomplete
	}
	cmd := Command(d.buf[0])
	id := binary.BigEndian.Uint16(d.buf[1:3])
	bodyLen := int(binary.BigEndian.Uint16(d.buf[3:5]))
	if bodyLen > MaxBodyLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}
	// A bare response frame carries its status in the length field and
	// has no body bytes on the wire.
	if cmd == CmdResponse {
		d.buf = d.buf[HeaderLen:]
		return Message{Command: cmd, ID: id, Body: statusBody(Status(bodyLen))}, nil
	}
	if len(d.buf) < HeaderLen+bodyLen {
		return Message{}, ErrIncomplete
	}
	// A zero-length frame decodes with a nil body, same as it was
	// encoded from.
	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		copy(body, d.buf[HeaderLen:HeaderLen+bodyLen])
	}
	d.buf = d.buf[HeaderLen+bodyLen:]
	return Message{Command: cmd, ID: id, Body: body}, nil
}

func statusBody(s Status) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(s))
	return b
}

// ResponseStatus extracts the status from a decoded bare response.
func ResponseStatus(msg Message) (Status, bool) {
	if msg.Command != CmdResponse || len(msg.Body) != 2 {
		return 0, false
	}
	return Status(binary.BigEndian.Uint16(msg.Body)), true
}
