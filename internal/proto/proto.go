// Package proto implements the framed master/worker wire protocol.
//
// Every message travels as
//
//	[magic:4 BE][length:4 BE][kind:1][body:length-1]
//
// The header is validated before any payload byte is read.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic opens every frame.
	Magic uint32 = 0x104F4C7
	// MaxMessageSize bounds the payload of a frame.
	MaxMessageSize uint32 = 512 << 20

	headerSize = 8
)

var (
	ErrInvalidMagic    = errors.New("proto: invalid magic")
	ErrMessageTooLarge = errors.New("proto: message too large")
	ErrEmptyMessage    = errors.New("proto: empty message")
	ErrUnknownKind     = errors.New("proto: unknown message kind")
	ErrMalformed       = errors.New("proto: malformed message")
)

// Kind tags the payload of a frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindWorkerInfo
	KindForwardBatch
	KindTensor
	KindError
	KindGoodbye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindWorkerInfo:
		return "worker-info"
	case KindForwardBatch:
		return "forward-batch"
	case KindTensor:
		return "tensor"
	case KindError:
		return "error"
	case KindGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is any value that can be framed.
type Message interface {
	Kind() Kind
	appendBody(dst []byte) ([]byte, error)
}

// Encode returns the complete frame for m.
func Encode(m Message) ([]byte, error) {
	frame := make([]byte, headerSize, headerSize+64)
	frame = append(frame, byte(m.Kind()))
	frame, err := m.appendBody(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	size := len(frame) - headerSize
	if uint64(size) > uint64(MaxMessageSize) {
		return nil, fmt.Errorf("encode %s: %w: %d bytes", m.Kind(), ErrMessageTooLarge, size)
	}
	binary.BigEndian.PutUint32(frame[0:4], Magic)
	binary.BigEndian.PutUint32(frame[4:8], uint32(size))
	return frame, nil
}

// WriteMessage frames m and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind(), err)
	}
	return nil
}

// ReadHeader reads and validates a frame header, returning the payload length.
func ReadHeader(r io.Reader) (uint32, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != Magic {
		return 0, fmt.Errorf("%w: 0x%x", ErrInvalidMagic, magic)
	}
	size := binary.BigEndian.Uint32(hdr[4:8])
	if size == 0 {
		return 0, ErrEmptyMessage
	}
	if size > MaxMessageSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, MaxMessageSize)
	}
	return size, nil
}

// ReadMessage reads one frame and decodes its payload.
func ReadMessage(r io.Reader) (Message, error) {
	size, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return Decode(payload)
}

// Decode decodes a payload (kind byte plus body) without the frame header.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyMessage
	}
	kind, body := Kind(payload[0]), payload[1:]
	var (
		m   Message
		err error
	)
	switch kind {
	case KindHello:
		var h Hello
		err = decodeJSON(body, &h)
		m = &h
	case KindWorkerInfo:
		var wi WorkerInfo
		err = decodeJSON(body, &wi)
		m = &wi
	case KindForwardBatch:
		m, err = decodeForwardBatch(body)
	case KindTensor:
		m, err = decodeTensorMessage(body)
	case KindError:
		var e Error
		err = decodeJSON(body, &e)
		m = &e
	case KindGoodbye:
		if len(body) != 0 {
			err = fmt.Errorf("%w: goodbye carries %d bytes", ErrMalformed, len(body))
		}
		m = &Goodbye{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return m, nil
}
