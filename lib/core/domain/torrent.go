package domain

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// TorrentId is the 20-byte SHA-1 of the bencoded info dictionary.
type TorrentId [20]byte

func TorrentIdFromBytes(b []byte) (TorrentId, error) {
	var id TorrentId
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid torrent id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id TorrentId) Bytes() []byte {
	return id[:]
}

func (id TorrentId) String() string {
	return hex.EncodeToString(id[:])
}

// Metadata is the raw bencoded info dictionary as exchanged on the wire.
type Metadata []byte

func (m Metadata) InfoHash() TorrentId {
	s := sha1.New()
	s.Write(m)
	var id TorrentId
	copy(id[:], s.Sum(nil))
	return id
}

func (m Metadata) Parse() (Torrent, error) {
	var t Torrent
	reader := bytes.NewReader(m)
	if err := bencode.Unmarshal(reader, &t); err != nil {
		return Torrent{}, err
	}
	if t.PieceLength <= 0 {
		return Torrent{}, errors.New("metadata: non-positive piece length")
	}
	if len(t.Pieces)%sha1.Size != 0 {
		return Torrent{}, errors.New("metadata: piece digest table not a multiple of 20")
	}
	return t, nil
}

func (m Metadata) MustParse() Torrent {
	t, err := m.Parse()
	if err != nil {
		panic(err)
	}
	return t
}

type Torrent struct {
	Name        string
	PieceLength int `bencode:"piece length"`
	Pieces      string

	Files  []FileInfo
	Length int
	Path   []string
}

type FileInfo struct {
	Length int
	Path   []string
}

// AllFiles returns the file list in both single- and multi-file mode.
func (t Torrent) AllFiles() []FileInfo {
	if len(t.Files) > 0 {
		return t.Files
	}
	return []FileInfo{{Length: t.Length, Path: []string{t.Name}}}
}

func (t Torrent) TorrentLength() int {
	if len(t.Files) == 0 {
		return t.Length
	}
	var total int
	for _, f := range t.Files {
		total += f.Length
	}
	return total
}

func (t Torrent) PiecesCount() int {
	return len(t.Pieces) / sha1.Size
}

// PieceDigest returns the expected SHA-1 of the given piece.
func (t Torrent) PieceDigest(pieceNo int) []byte {
	return []byte(t.Pieces[pieceNo*sha1.Size : (pieceNo+1)*sha1.Size])
}

// PieceSize accounts for the shorter last piece.
func (t Torrent) PieceSize(pieceNo int) int {
	if pieceNo == t.PiecesCount()-1 {
		if rem := t.TorrentLength() % t.PieceLength; rem != 0 {
			return rem
		}
	}
	return t.PieceLength
}
