package extensions

import (
	"testing"

	"example.com/btengine/lib/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Handshake_RoundTrip(t *testing.T) {
	h := Handshake{
		MessageTypes: map[string]int64{UtPexName: 1, "ut_metadata": 3},
		Port:         6891,
		Version:      "btengine 1.0",
		MetadataSize: 12345,
		Encryption:   1,
	}
	payload, err := h.Encode()
	require.NoError(t, err)

	decoded, err := DecodeHandshake(payload)
	require.NoError(t, err)
	assert.Equal(t, h.MessageTypes, decoded.MessageTypes)
	assert.Equal(t, h.Port, decoded.Port)
	assert.Equal(t, h.Version, decoded.Version)
	assert.Equal(t, h.MetadataSize, decoded.MetadataSize)
	assert.Equal(t, h.Encryption, decoded.Encryption)
}

// Keys we do not understand survive a decode/encode cycle for echo.
func Test_Handshake_PreservesUnknownKeys(t *testing.T) {
	h := Handshake{
		MessageTypes: map[string]int64{UtPexName: 1},
		Unknown:      map[string]interface{}{"yourip": "abcd", "reqq": int64(250)},
	}
	payload, err := h.Encode()
	require.NoError(t, err)

	decoded, err := DecodeHandshake(payload)
	require.NoError(t, err)
	assert.Equal(t, "abcd", decoded.Unknown["yourip"])
	assert.Equal(t, int64(250), decoded.Unknown["reqq"])

	reencoded, err := decoded.Encode()
	require.NoError(t, err)
	redecoded, err := DecodeHandshake(reencoded)
	require.NoError(t, err)
	assert.Equal(t, decoded.Unknown, redecoded.Unknown)
}

func Test_Handshake_Supports(t *testing.T) {
	h := Handshake{MessageTypes: map[string]int64{UtPexName: 2, "ut_metadata": 0}}
	assert.True(t, h.Supports(UtPexName))
	// id zero means disabled
	assert.False(t, h.Supports("ut_metadata"))
	assert.False(t, h.Supports("lt_donthave"))

	id, ok := h.RemoteId(UtPexName)
	require.True(t, ok)
	assert.Equal(t, byte(2), id)
}

func Test_DecodeHandshake_Malformed(t *testing.T) {
	_, err := DecodeHandshake([]byte("le"))
	assert.Error(t, err)

	_, err = DecodeHandshake([]byte("d1:mi3ee"))
	assert.Error(t, err)
}

// The encryption-policy switch falls through the plaintext cases into
// the encrypted ones; the flag it wrote is overwritten and every
// policy ends up with e=1. Pinned on purpose.
func Test_Factory_EncryptionFlagLastWins(t *testing.T) {
	policies := []domain.EncryptionPolicy{
		domain.RequirePlaintext,
		domain.PreferPlaintext,
		domain.PreferEncrypted,
		domain.RequireEncrypted,
	}
	for _, policy := range policies {
		cfg := domain.DefaultConfig()
		cfg.EncryptionPolicy = policy
		f := &HandshakeFactory{Config: cfg}
		h := f.Handshake(domain.TorrentId{})
		assert.Equal(t, int64(1), h.Encryption, "policy %d", policy)
	}
}

func Test_Factory_CachesUntilStopped(t *testing.T) {
	cfg := domain.DefaultConfig()
	calls := 0
	f := &HandshakeFactory{
		Config: cfg,
		MetadataSize: func(domain.TorrentId) int {
			calls++
			return 100
		},
	}
	var id domain.TorrentId
	h1 := f.Handshake(id)
	h2 := f.Handshake(id)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(100), h1.MetadataSize)
	assert.Equal(t, int64(cfg.AcceptorPort), h1.Port)
	assert.Equal(t, int64(UtPexId), h1.MessageTypes[UtPexName])

	f.OnTorrentStopped(id)
	f.Handshake(id)
	assert.Equal(t, 2, calls)
}
