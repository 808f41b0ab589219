package pex

import (
	"bytes"

	"example.com/btengine/lib/core/domain"

	"github.com/jackpal/bencode-go"
)

// Message is a ut_pex payload: compact added/dropped lists with one
// flag byte per added peer, IPv6 variants alongside.
type Message struct {
	Added   []domain.Host
	Dropped []domain.Host
}

func (m Message) Encode() ([]byte, error) {
	dict := map[string]interface{}{
		"added":    string(domain.PackCompact(m.Added, false)),
		"added.f":  string(domain.PackCompactFlags(m.Added, false)),
		"dropped":  string(domain.PackCompact(m.Dropped, false)),
		"added6":   string(domain.PackCompact(m.Added, true)),
		"added6.f": string(domain.PackCompactFlags(m.Added, true)),
		"dropped6": string(domain.PackCompact(m.Dropped, true)),
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeMessage(payload []byte) (Message, error) {
	v, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return Message{}, err
	}
	dict, _ := v.(map[string]interface{})

	str := func(key string) []byte {
		if s, ok := dict[key].(string); ok {
			return []byte(s)
		}
		return nil
	}

	var m Message
	if added, err := domain.UnpackCompact(str("added"), flagsFor(str("added"), str("added.f"), false), false); err == nil {
		m.Added = append(m.Added, added...)
	}
	if added6, err := domain.UnpackCompact(str("added6"), flagsFor(str("added6"), str("added6.f"), true), true); err == nil {
		m.Added = append(m.Added, added6...)
	}
	if dropped, err := domain.UnpackCompact(str("dropped"), nil, false); err == nil {
		m.Dropped = append(m.Dropped, dropped...)
	}
	if dropped6, err := domain.UnpackCompact(str("dropped6"), nil, true); err == nil {
		m.Dropped = append(m.Dropped, dropped6...)
	}
	return m, nil
}

// flagsFor drops a malformed flag list rather than the peer list.
func flagsFor(compact, flags []byte, v6 bool) []byte {
	per := 6
	if v6 {
		per = 18
	}
	if len(compact) == 0 || len(flags) != len(compact)/per {
		return nil
	}
	return flags
}
