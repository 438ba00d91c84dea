// Package protocol defines the wire envelope exchanged with clients and the
// payloads carried inside it.
package protocol

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedEnvelope is returned when a datagram cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the framed unit of data sent over the transport. The payload is
// opaque to the codec.
type Envelope struct {
	Type        Tag
	Payload     []byte
	Sequence    uint32
	AckRequired bool
}

// Equal reports whether two envelopes carry the same fields. Nil and empty
// payloads compare equal.
func (e Envelope) Equal(o Envelope) bool {
	return e.Type == o.Type &&
		e.Sequence == o.Sequence &&
		e.AckRequired == o.AckRequired &&
		bytes.Equal(e.Payload, o.Payload)
}

// wireEnvelope is the msgpack map layout: {t, p, s, a, z}.
type wireEnvelope struct {
	T *uint8 `msgpack:"t"`
	P []byte `msgpack:"p"`
	S uint32 `msgpack:"s"`
	A uint8  `msgpack:"a,omitempty"`
	Z bool   `msgpack:"z,omitempty"`
}

// Codec converts envelopes to and from their binary form.
type Codec struct {
	// CompressAbove enables LZ4 compression for payloads longer than this many
	// bytes. Zero disables compression.
	CompressAbove int
}

// NewCodec returns a codec that compresses payloads above compressAbove bytes.
func NewCodec(compressAbove int) *Codec {
	return &Codec{CompressAbove: compressAbove}
}

// Encode serializes env.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	t := uint8(env.Type)
	w := wireEnvelope{T: &t, S: env.Sequence}
	if env.AckRequired {
		w.A = 1
	}
	if len(env.Payload) > 0 {
		w.P = env.Payload
		if c != nil && c.CompressAbove > 0 && len(env.Payload) > c.CompressAbove {
			z, err := compress(env.Payload)
			if err != nil {
				return nil, errors.Wrap(err, "compress payload")
			}
			w.P = z
			w.Z = true
		}
	}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return b, nil
}

// Decode parses data into an envelope. Any failure wraps ErrMalformedEnvelope.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "empty datagram")
	}
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if w.T == nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "missing type")
	}
	env := Envelope{
		Type:        Tag(*w.T),
		Sequence:    w.S,
		AckRequired: w.A != 0,
	}
	if len(w.P) > 0 {
		env.Payload = w.P
		if w.Z {
			p, err := decompress(w.P)
			if err != nil {
				return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "corrupt compressed payload")
			}
			env.Payload = p
		}
	}
	return env, nil
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zr := lz4.NewReader(bytes.NewReader(src))
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}
