package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	ErrArity         = errors.New("wrong number of fields")
	ErrFieldLength   = errors.New("wrong field length")
	ErrTrailingBytes = errors.New("trailing bytes after message")
	ErrNilValue      = errors.New("nil where a number is required")
)

// DecodeError reports a datagram that could not be turned into a message.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "decode telemetry: " + e.Err.Error()
	}
	return fmt.Sprintf("decode telemetry field %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeCommand packs cmd as [opcode, timestamp, [payload...]]. Payload values
// are written single precision; the timestamp keeps double precision.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(cmd.Opcode)); err != nil {
		return nil, err
	}
	if err := enc.EncodeFloat64(cmd.Timestamp); err != nil {
		return nil, err
	}
	if err := encodeFloat32s(enc, cmd.Payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Command{}, &DecodeError{Err: err}
	}
	if n != 3 {
		return Command{}, &DecodeError{Err: fmt.Errorf("%w: got %d want 3", ErrArity, n)}
	}
	op, err := decodeInt(dec)
	if err != nil {
		return Command{}, &DecodeError{Field: "opcode", Err: err}
	}
	ts, err := decodeFloat(dec)
	if err != nil {
		return Command{}, &DecodeError{Field: "timestamp", Err: err}
	}
	payload, err := decodeFloats(dec, r, -1)
	if err != nil {
		return Command{}, &DecodeError{Field: "payload", Err: err}
	}
	if r.Len() != 0 {
		return Command{}, &DecodeError{Err: fmt.Errorf("%w: %d", ErrTrailingBytes, r.Len())}
	}
	return Command{Opcode: Opcode(op), Timestamp: ts, Payload: payload}, nil
}

// EncodeFrame packs a telemetry frame in wire order.
func EncodeFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(FrameFields); err != nil {
		return nil, err
	}
	for _, spec := range frameLayout {
		var err error
		switch spec.name {
		case FieldHeader:
			err = enc.EncodeInt(f.Header)
		case FieldSimTime:
			err = enc.EncodeFloat64(f.SimTime)
		default:
			err = encodeFloat32s(enc, *spec.ref(&f))
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", spec.name, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeFrame decodes one telemetry datagram. Every field must be present with
// the length implied by dof; anything else is a *DecodeError.
func DecodeFrame(data []byte, dof int) (Frame, error) {
	if dof <= 0 {
		return Frame{}, &DecodeError{Err: fmt.Errorf("invalid dof %d", dof)}
	}
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Frame{}, &DecodeError{Err: err}
	}
	if n != FrameFields {
		return Frame{}, &DecodeError{Err: fmt.Errorf("%w: got %d want %d", ErrArity, n, FrameFields)}
	}

	var f Frame
	for _, spec := range frameLayout {
		switch spec.name {
		case FieldHeader:
			f.Header, err = decodeInt(dec)
		case FieldSimTime:
			f.SimTime, err = decodeFloat(dec)
		default:
			*spec.ref(&f), err = decodeFloats(dec, r, spec.size(dof))
		}
		if err != nil {
			return Frame{}, &DecodeError{Field: spec.name, Err: err}
		}
	}
	if r.Len() != 0 {
		return Frame{}, &DecodeError{Err: fmt.Errorf("%w: %d", ErrTrailingBytes, r.Len())}
	}
	return f, nil
}

func encodeFloat32s(enc *msgpack.Encoder, values []float64) error {
	if err := enc.EncodeArrayLen(len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if err := enc.EncodeFloat32(float32(v)); err != nil {
			return err
		}
	}
	return nil
}

// decodeFloats reads a numeric array. want < 0 accepts any length. The
// declared length is checked against the bytes left in r before allocating;
// every element takes at least one byte.
func decodeFloats(dec *msgpack.Decoder, r *bytes.Reader, want int) ([]float64, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrNilValue
	}
	if want >= 0 && n != want {
		return nil, fmt.Errorf("%w: got %d want %d", ErrFieldLength, n, want)
	}
	if n > r.Len() {
		return nil, fmt.Errorf("%w: %d elements declared, %d bytes left", ErrFieldLength, n, r.Len())
	}
	out := make([]float64, n)
	for i := range out {
		if out[i], err = decodeFloat(dec); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// msgpack decodes nil as zero; telemetry must not.
func rejectNil(dec *msgpack.Decoder) error {
	c, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if c == msgpcode.Nil {
		return ErrNilValue
	}
	return nil
}

func decodeInt(dec *msgpack.Decoder) (int64, error) {
	if err := rejectNil(dec); err != nil {
		return 0, err
	}
	return dec.DecodeInt64()
}

func decodeFloat(dec *msgpack.Decoder) (float64, error) {
	if err := rejectNil(dec); err != nil {
		return 0, err
	}
	return dec.DecodeFloat64()
}
