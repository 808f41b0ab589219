package wire

import (
	"encoding/binary"
	"fmt"

	"example.com/btengine/lib/core/domain"
)

const protoBitTorrent = "BitTorrent protocol"

// HandshakeLength is fixed: 1 + 19 + 8 + 20 + 20.
const HandshakeLength = 68

// extendedProtocolBit is bit 20 of the reserved field (byte 5, 0x10),
// advertising BEP-10 extended messages.
const extendedProtocolBit = 0x0000000000100000

type Handshake struct {
	Reserved uint64
	InfoHash domain.TorrentId
	PeerId   [20]byte
}

func NewHandshake(infoHash domain.TorrentId, peerId [20]byte) Handshake {
	return Handshake{
		Reserved: extendedProtocolBit,
		InfoHash: infoHash,
		PeerId:   peerId,
	}
}

func (h Handshake) SupportsExtendedProtocol() bool {
	return h.Reserved&extendedProtocolBit != 0
}

func (h Handshake) Encode() []byte {
	out := make([]byte, 0, HandshakeLength)
	out = append(out, byte(len(protoBitTorrent)))
	out = append(out, protoBitTorrent...)

	reserved := make([]byte, 8)
	binary.BigEndian.PutUint64(reserved, h.Reserved)
	out = append(out, reserved...)

	out = append(out, h.InfoHash[:]...)
	out = append(out, h.PeerId[:]...)
	return out
}

func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) != HandshakeLength {
		return h, fmt.Errorf("%w: handshake length %d", ErrProtocol, len(b))
	}
	if int(b[0]) != len(protoBitTorrent) || string(b[1:20]) != protoBitTorrent {
		return h, fmt.Errorf("%w: unexpected protocol string", ErrProtocol)
	}
	h.Reserved = binary.BigEndian.Uint64(b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerId[:], b[48:68])
	return h, nil
}
