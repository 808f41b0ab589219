package domain

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PackCompact_RoundTrip(t *testing.T) {
	hosts := []Host{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881, Options: HostSupportsEncryption},
		{IP: net.IPv4(192, 168, 1, 2), Port: 51413, Options: HostIsSeed},
	}
	packed := PackCompact(hosts, false)
	require.Equal(t, 12, len(packed))
	flags := PackCompactFlags(hosts, false)
	require.Equal(t, 2, len(flags))

	unpacked, err := UnpackCompact(packed, flags, false)
	require.NoError(t, err)
	require.Equal(t, 2, len(unpacked))
	for i := range hosts {
		assert.True(t, hosts[i].Equal(unpacked[i]))
		assert.Equal(t, hosts[i].Options, unpacked[i].Options)
	}
}

func Test_PackCompact_V6(t *testing.T) {
	hosts := []Host{
		{IP: net.ParseIP("2001:db8::1"), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881}, // filtered out of the v6 list
	}
	packed := PackCompact(hosts, true)
	require.Equal(t, 18, len(packed))

	unpacked, err := UnpackCompact(packed, nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, len(unpacked))
	assert.True(t, unpacked[0].IP.Equal(net.ParseIP("2001:db8::1")))
	assert.Equal(t, uint16(6881), unpacked[0].Port)
}

func Test_UnpackCompact_Malformed(t *testing.T) {
	_, err := UnpackCompact([]byte{1, 2, 3}, nil, false)
	assert.Error(t, err)

	_, err = UnpackCompact(make([]byte, 12), []byte{1}, false)
	assert.Error(t, err)
}

func Test_ConnectionKey(t *testing.T) {
	var id TorrentId
	a := NewConnectionKey(id, Host{IP: net.IPv4(10, 0, 0, 1), Port: 6881})
	b := NewConnectionKey(id, Host{IP: net.IPv4(10, 0, 0, 1), Port: 6881})
	c := NewConnectionKey(id, Host{IP: net.IPv4(10, 0, 0, 1), Port: 6882})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
