package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameLength bounds a single frame: piece header plus the largest
// block any sane peer sends (128 KiB), with headroom for bitfields of
// very large torrents.
const MaxFrameLength = 1<<17 + 9

var ErrProtocol = errors.New("wire: protocol error")

// Decode parses one frame from the front of buf. It returns the decoded
// message and the number of bytes consumed. consumed == 0 means more
// bytes are needed; a non-nil error is a protocol violation and the
// connection must be dropped.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return Message{}, 0, nil
	}
	length := int(binary.BigEndian.Uint32(buf))
	if length == 0 {
		return NewKeepAlive(), 4, nil
	}
	if length > MaxFrameLength {
		return Message{}, 0, fmt.Errorf("%w: frame length %d", ErrProtocol, length)
	}
	if len(buf) < 4+length {
		return Message{}, 0, nil
	}
	typ := MessageType(buf[4])
	payload := buf[5 : 4+length]
	consumed := 4 + length

	msg, err := decodePayload(typ, payload)
	if err != nil {
		return Message{}, 0, err
	}
	return msg, consumed, nil
}

func decodePayload(typ MessageType, payload []byte) (Message, error) {
	switch typ {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("%w: type %d with payload", ErrProtocol, typ)
		}
		return Message{Type: typ}, nil
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("%w: have payload length %d", ErrProtocol, len(payload))
		}
		return NewHave(int(binary.BigEndian.Uint32(payload))), nil
	case Bitfield:
		if len(payload) == 0 {
			return Message{}, fmt.Errorf("%w: empty bitfield", ErrProtocol)
		}
		return NewBitfield(append([]byte(nil), payload...)), nil
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("%w: type %d payload length %d", ErrProtocol, typ, len(payload))
		}
		return Message{
			Type:    typ,
			PieceNo: int(binary.BigEndian.Uint32(payload)),
			Offset:  int(binary.BigEndian.Uint32(payload[4:])),
			Length:  int(binary.BigEndian.Uint32(payload[8:])),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("%w: piece payload length %d", ErrProtocol, len(payload))
		}
		return NewPiece(
			int(binary.BigEndian.Uint32(payload)),
			int(binary.BigEndian.Uint32(payload[4:])),
			append([]byte(nil), payload[8:]...),
		), nil
	case Port:
		if len(payload) != 2 {
			return Message{}, fmt.Errorf("%w: port payload length %d", ErrProtocol, len(payload))
		}
		return NewPort(binary.BigEndian.Uint16(payload)), nil
	case Extended:
		if len(payload) < 1 {
			return Message{}, fmt.Errorf("%w: empty extended payload", ErrProtocol)
		}
		return NewExtended(payload[0], append([]byte(nil), payload[1:]...)), nil
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrProtocol, typ)
	}
}

// Encode renders a message as a length-prefixed frame.
func Encode(m Message) []byte {
	payload := encodePayload(m)
	if m.Type == KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out, uint32(1+len(payload)))
	out[4] = byte(m.Type)
	copy(out[5:], payload)
	return out
}

func encodePayload(m Message) []byte {
	switch m.Type {
	case Have:
		return beUint32(uint32(m.PieceNo))
	case Bitfield:
		return m.BitfieldData
	case Request, Cancel:
		out := make([]byte, 12)
		binary.BigEndian.PutUint32(out, uint32(m.PieceNo))
		binary.BigEndian.PutUint32(out[4:], uint32(m.Offset))
		binary.BigEndian.PutUint32(out[8:], uint32(m.Length))
		return out
	case Piece:
		out := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(out, uint32(m.PieceNo))
		binary.BigEndian.PutUint32(out[4:], uint32(m.Offset))
		copy(out[8:], m.Block)
		return out
	case Port:
		return []byte{byte(m.ListenPort >> 8), byte(m.ListenPort)}
	case Extended:
		out := make([]byte, 1+len(m.ExtendedPayload))
		out[0] = m.ExtendedId
		copy(out[1:], m.ExtendedPayload)
		return out
	default:
		return nil
	}
}

func beUint32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
