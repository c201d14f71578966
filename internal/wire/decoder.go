package wire

import (
	"encoding/binary"

	"github.com/lvbealr/leech/internal/torrentlog"
)

// --------------------------------------------------------------------------------------------- //

// Decoder accepts arbitrary byte chunks (as they arrive off a TCP
// connection) and yields zero or more complete messages, buffering any
// partial trailing frame across calls (spec §4.C, P2).
type Decoder struct {
	buf []byte
}

// --------------------------------------------------------------------------------------------- //

/*
Feed appends chunk to the decoder's internal buffer and decodes as many
complete frames as are available.

Known message ids whose declared length is inconsistent with their
fixed payload size (Have, Request, Cancel, or a zero-payload id with a
nonzero length) are reported as a MalformedFrameError and the decoder
stops at that frame — the caller should treat the connection as
protocol-broken. An unknown id is consumed and logged, not treated as
an error (spec §4.C).

Parameters:
  - chunk: newly received bytes, possibly spanning partial frames.

Returns:
  - []Message: zero or more complete messages decoded from the buffer.
  - error: a *MalformedFrameError if a known-id frame violates its fixed payload size.
*/
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	d.buf = append(d.buf, chunk...)

	var out []Message

	for {
		if len(d.buf) < 4 {
			break
		}

		length := binary.BigEndian.Uint32(d.buf[0:4])
		if uint32(len(d.buf)-4) < length {
			break // partial frame, wait for more bytes
		}

		frame := d.buf[4 : 4+length]
		d.buf = d.buf[4+length:]

		if length == 0 {
			out = append(out, KeepAlive())
			continue
		}

		id := ID(frame[0])
		payload := frame[1:]

		if want := fixedPayloadLen(id); want >= 0 && len(payload) != want {
			return out, &MalformedFrameError{
				Reason: "id " + id.String() + " payload length mismatch",
			}
		}

		if !knownID(id) {
			torrentlog.Info("wire: skipping unknown message id %d (payload length %d)", id, len(payload))
			continue
		}

		out = append(out, Message{ID: id, Payload: payload})
	}

	return out, nil
}

func knownID(id ID) bool {
	switch id {
	case Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request, Piece, Cancel:
		return true
	default:
		return false
	}
}
