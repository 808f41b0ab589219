package extensions

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/jackpal/bencode-go"
)

// Extended-message subtype ids. Zero is the extended handshake itself;
// local ids for concrete extensions are what we advertise in "m".
const (
	HandshakeId byte = 0
	UtPexId     byte = 1
)

const (
	UtPexName = "ut_pex"

	keyMessageTypes = "m"
	keyPort         = "p"
	keyVersion      = "v"
	keyMetadataSize = "metadata_size"
	keyEncryption   = "e"
)

// Handshake is a BEP-10 extended handshake. Keys we do not understand
// are kept verbatim in Unknown so that an echo reproduces them.
type Handshake struct {
	MessageTypes map[string]int64
	Port         int64
	Version      string
	MetadataSize int64
	Encryption   int64

	Unknown map[string]interface{}
}

// Supports reports whether the peer advertised the named extension.
// The mapping is additive over a connection's lifetime: once a name has
// been seen with a non-zero id, the peer cannot be assumed to have
// turned it off by a later handshake.
func (h Handshake) Supports(name string) bool {
	id, ok := h.MessageTypes[name]
	return ok && id != 0
}

func (h Handshake) RemoteId(name string) (byte, bool) {
	id, ok := h.MessageTypes[name]
	if !ok || id <= 0 || id > 255 {
		return 0, false
	}
	return byte(id), true
}

func (h Handshake) Encode() ([]byte, error) {
	dict := make(map[string]interface{})
	for k, v := range h.Unknown {
		dict[k] = v
	}
	m := make(map[string]interface{}, len(h.MessageTypes))
	for name, id := range h.MessageTypes {
		m[name] = id
	}
	dict[keyMessageTypes] = m
	dict[keyPort] = h.Port
	dict[keyVersion] = h.Version
	dict[keyMetadataSize] = h.MetadataSize
	dict[keyEncryption] = h.Encryption

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeHandshake(payload []byte) (Handshake, error) {
	v, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return Handshake{}, err
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return Handshake{}, errors.New("extensions: handshake is not a dictionary")
	}

	h := Handshake{
		MessageTypes: make(map[string]int64),
		Unknown:      make(map[string]interface{}),
	}
	for k, val := range dict {
		switch k {
		case keyMessageTypes:
			mm, ok := val.(map[string]interface{})
			if !ok {
				return Handshake{}, errors.New("extensions: m is not a dictionary")
			}
			for name, idv := range mm {
				id, ok := idv.(int64)
				if !ok {
					return Handshake{}, fmt.Errorf("extensions: id for %q is not an integer", name)
				}
				h.MessageTypes[name] = id
			}
		case keyPort:
			h.Port, _ = val.(int64)
		case keyVersion:
			h.Version, _ = val.(string)
		case keyMetadataSize:
			h.MetadataSize, _ = val.(int64)
		case keyEncryption:
			h.Encryption, _ = val.(int64)
		default:
			h.Unknown[k] = val
		}
	}
	return h, nil
}

// Names returns the advertised extension names, sorted for stable logs.
func (h Handshake) Names() []string {
	names := make([]string, 0, len(h.MessageTypes))
	for name := range h.MessageTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
