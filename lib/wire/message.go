package wire

import "fmt"

type MessageType byte

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
	Extended      MessageType = 20

	// KeepAlive frames carry no type byte on the wire; the sentinel
	// only exists on the decoded message.
	KeepAlive MessageType = 0xFF
)

// Message is the decoded form of a single wire frame. Only the fields
// belonging to Type are meaningful.
type Message struct {
	Type MessageType

	PieceNo int
	Offset  int
	Length  int

	BitfieldData []byte
	Block        []byte

	ListenPort uint16

	ExtendedId      byte
	ExtendedPayload []byte
}

func NewKeepAlive() Message        { return Message{Type: KeepAlive} }
func NewChoke() Message            { return Message{Type: Choke} }
func NewUnchoke() Message          { return Message{Type: Unchoke} }
func NewInterested() Message       { return Message{Type: Interested} }
func NewNotInterested() Message    { return Message{Type: NotInterested} }
func NewHave(pieceNo int) Message  { return Message{Type: Have, PieceNo: pieceNo} }
func NewBitfield(b []byte) Message { return Message{Type: Bitfield, BitfieldData: b} }
func NewPort(port uint16) Message  { return Message{Type: Port, ListenPort: port} }

func NewRequest(pieceNo, offset, length int) Message {
	return Message{Type: Request, PieceNo: pieceNo, Offset: offset, Length: length}
}

func NewPiece(pieceNo, offset int, block []byte) Message {
	return Message{Type: Piece, PieceNo: pieceNo, Offset: offset, Length: len(block), Block: block}
}

func NewCancel(pieceNo, offset, length int) Message {
	return Message{Type: Cancel, PieceNo: pieceNo, Offset: offset, Length: length}
}

func NewExtended(id byte, payload []byte) Message {
	return Message{Type: Extended, ExtendedId: id, ExtendedPayload: payload}
}

func (m Message) String() string {
	switch m.Type {
	case KeepAlive:
		return "keep-alive"
	case Have:
		return fmt.Sprintf("have{%d}", m.PieceNo)
	case Request, Cancel:
		return fmt.Sprintf("type%d{%d,%d,%d}", m.Type, m.PieceNo, m.Offset, m.Length)
	case Piece:
		return fmt.Sprintf("piece{%d,%d,len %d}", m.PieceNo, m.Offset, len(m.Block))
	case Extended:
		return fmt.Sprintf("extended{%d,len %d}", m.ExtendedId, len(m.ExtendedPayload))
	default:
		return fmt.Sprintf("type%d", m.Type)
	}
}

// BlockKey identifies one (piece, offset, length) block exchange; used
// for pending-request and cancelled sets.
type BlockKey struct {
	PieceNo int
	Offset  int
	Length  int
}

func (m Message) Key() BlockKey {
	return BlockKey{PieceNo: m.PieceNo, Offset: m.Offset, Length: m.Length}
}
