package wire

import (
	"encoding/binary"
	"errors"

	sherrors "github.com/odvcencio/stagehand/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Transcript framing: [flags:1][length:4 big-endian][payload].
const (
	frameHeaderLen  = 5
	FlagEndOfStream = byte(0x02)
	MaxFramePayload = 4 << 20
)

const (
	envFieldOpID    protowire.Number = 1
	envFieldKind    protowire.Number = 2
	envFieldPayload protowire.Number = 3
)

// EncodeFrame serializes an Envelope as one length-prefixed frame.
func EncodeFrame(env Envelope) []byte {
	var payload []byte
	if env.OpID != "" {
		payload = protowire.AppendTag(payload, envFieldOpID, protowire.BytesType)
		payload = protowire.AppendString(payload, env.OpID)
	}
	if env.Kind != "" {
		payload = protowire.AppendTag(payload, envFieldKind, protowire.BytesType)
		payload = protowire.AppendString(payload, string(env.Kind))
	}
	if len(env.Payload) > 0 {
		payload = protowire.AppendTag(payload, envFieldPayload, protowire.BytesType)
		payload = protowire.AppendBytes(payload, env.Payload)
	}

	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	if env.EndOfStream {
		frame[0] = FlagEndOfStream
	}
	binary.BigEndian.PutUint32(frame[1:], uint32(len(payload)))
	return append(frame, payload...)
}

// FrameDecoder reassembles frames split across reads.
type FrameDecoder struct {
	buf []byte
	err error
}

// NewFrameDecoder returns an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends chunk and returns the envelopes completed so far. A frame
// with unknown flags or an undecodable payload is skipped and reported; the
// decoder keeps going on the next call. An oversized length prefix leaves
// no frame boundary to resume from and poisons the decoder.
func (d *FrameDecoder) Feed(chunk []byte) ([]Envelope, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var out []Envelope
	for len(d.buf) >= frameHeaderLen {
		flags := d.buf[0]
		length := binary.BigEndian.Uint32(d.buf[1:frameHeaderLen])
		if length > MaxFramePayload {
			d.err = sherrors.NewFatalMalformed(d.buf[:frameHeaderLen], "frame length exceeds limit", nil)
			return out, d.err
		}
		total := frameHeaderLen + int(length)
		if len(d.buf) < total {
			break
		}
		raw := d.buf[:total]
		payload := d.buf[frameHeaderLen:total]
		d.buf = d.buf[total:]

		if flags&^FlagEndOfStream != 0 {
			return out, sherrors.NewMalformed(raw, "unknown frame flags", nil)
		}
		env, err := decodeEnvelopePayload(payload)
		if err != nil {
			return out, sherrors.NewMalformed(raw, "frame payload", err)
		}
		env.EndOfStream = flags&FlagEndOfStream != 0
		out = append(out, env)
	}
	return out, nil
}

// Close reports a truncated trailing frame.
func (d *FrameDecoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		d.err = sherrors.NewFatalMalformed(d.buf, "truncated frame", nil)
		return d.err
	}
	return nil
}

func decodeEnvelopePayload(b []byte) (Envelope, error) {
	var env Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return env, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return env, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return env, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case envFieldOpID:
			env.OpID = string(v)
		case envFieldKind:
			env.Kind = Kind(v)
		case envFieldPayload:
			env.Payload = append([]byte(nil), v...)
		}
	}
	if env.Kind == "" && len(env.Payload) > 0 {
		return env, errors.New("payload without kind")
	}
	return env, nil
}
