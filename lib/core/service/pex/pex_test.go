package pex

import (
	"net"
	"testing"
	"time"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/extensions"
	"example.com/btengine/lib/platform/fakeclock"
	"example.com/btengine/lib/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pexConfig() domain.Config {
	cfg := domain.DefaultConfig()
	cfg.PexMinMessageInterval = 60 * time.Second
	cfg.PexMaxMessageInterval = 120 * time.Second
	cfg.PexMinEventsPerMessage = 1
	cfg.PexMaxEventsPerMessage = 50
	return cfg
}

func host(lastOctet byte, port uint16) domain.Host {
	return domain.Host{IP: net.IPv4(10, 0, 0, lastOctet), Port: port}
}

// capableConn registers the connection as PEX-capable the way a real
// extended handshake would.
func capableConn(t *testing.T, s *Source, h domain.Host) *connection.Conn {
	t.Helper()
	c := connection.NewDetachedConn(domain.NewConnectionKey(domain.TorrentId{}, h), h)
	payload, err := extensions.Handshake{
		MessageTypes: map[string]int64{extensions.UtPexName: 2},
	}.Encode()
	require.NoError(t, err)
	msg := wire.NewExtended(extensions.HandshakeId, payload)
	c.State.MergeRemoteExtensions(map[string]int64{extensions.UtPexName: 2})
	s.Consume(c, msg)
	return c
}

func producedPex(t *testing.T, c *connection.Conn) []Message {
	t.Helper()
	var out []Message
	for _, msg := range c.Outbox() {
		if msg.Type == wire.Extended && msg.ExtendedId == 2 {
			m, err := DecodeMessage(msg.ExtendedPayload)
			require.NoError(t, err)
			out = append(out, m)
		}
	}
	return out
}

// Rate limit: no message before minMessageInterval, one message after.
func Test_Produce_RateLimit(t *testing.T) {
	clk := fakeclock.At(time.Unix(0, 0))
	s := NewSource(pexConfig(), clk)

	a := capableConn(t, s, host(1, 6881))
	b := host(2, 6882)

	clk.Advance(time.Second) // t=1
	s.OnPeerConnected(domain.TorrentId{}, domain.NewConnectionKey(domain.TorrentId{}, b), b)

	clk.Advance(29 * time.Second) // t=30
	s.Produce(a)
	assert.Empty(t, producedPex(t, a), "60s have not elapsed")

	clk.Advance(31 * time.Second) // t=61
	s.Produce(a)
	messages := producedPex(t, a)
	require.Equal(t, 1, len(messages))
	require.Equal(t, 1, len(messages[0].Added))
	assert.True(t, messages[0].Added[0].Equal(b))

	// a second produce right away stays quiet
	s.Produce(a)
	assert.Equal(t, 1, len(producedPex(t, a)))
}

// Self-exclusion: a peer is never gossiped back to itself.
func Test_Produce_SelfExclude(t *testing.T) {
	clk := fakeclock.At(time.Unix(0, 0))
	s := NewSource(pexConfig(), clk)

	x := host(1, 6881)
	c := capableConn(t, s, x)
	s.OnPeerConnected(domain.TorrentId{}, c.Key, x)

	clk.Advance(61 * time.Second)
	s.Produce(c)
	assert.Empty(t, producedPex(t, c))
}

func Test_Produce_NotCapable(t *testing.T) {
	clk := fakeclock.At(time.Unix(0, 0))
	s := NewSource(pexConfig(), clk)

	h := host(1, 6881)
	c := connection.NewDetachedConn(domain.NewConnectionKey(domain.TorrentId{}, h), h)
	b := host(2, 6882)
	s.OnPeerConnected(domain.TorrentId{}, domain.NewConnectionKey(domain.TorrentId{}, b), b)

	clk.Advance(61 * time.Second)
	s.Produce(c)
	assert.Empty(t, c.Outbox())
}

// The cleaner trims with <=, so an event stamped at exactly the most
// recent send is dropped even though a produce would still pick it up.
// Known race, pinned here.
func Test_Clean_TrimBoundary(t *testing.T) {
	clk := fakeclock.At(time.Unix(0, 0))
	s := NewSource(pexConfig(), clk)

	a := capableConn(t, s, host(1, 6881))
	b := host(2, 6882)

	clk.Advance(time.Second)
	s.OnPeerConnected(domain.TorrentId{}, domain.NewConnectionKey(domain.TorrentId{}, b), b)

	clk.Advance(60 * time.Second) // t=61
	s.Produce(a)
	require.Equal(t, 1, len(producedPex(t, a)))

	// injected at the same instant as the send
	c := host(3, 6883)
	s.OnPeerConnected(domain.TorrentId{}, domain.NewConnectionKey(domain.TorrentId{}, c), c)

	s.Clean()

	clk.Advance(70 * time.Second) // t=131, min interval elapsed again
	s.Produce(a)
	assert.Equal(t, 1, len(producedPex(t, a)), "the boundary event was trimmed")
}

func Test_Message_RoundTrip(t *testing.T) {
	m := Message{
		Added: []domain.Host{
			{IP: net.IPv4(10, 0, 0, 1), Port: 6881, Options: domain.HostSupportsEncryption},
			{IP: net.ParseIP("2001:db8::7"), Port: 6882},
		},
		Dropped: []domain.Host{
			{IP: net.IPv4(10, 0, 0, 3), Port: 6883},
		},
	}
	payload, err := m.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, 2, len(decoded.Added))
	require.Equal(t, 1, len(decoded.Dropped))
	assert.True(t, decoded.Added[0].Equal(m.Added[0]))
	assert.Equal(t, domain.HostSupportsEncryption, decoded.Added[0].Options)
	assert.True(t, decoded.Added[1].Equal(m.Added[1]))
	assert.True(t, decoded.Dropped[0].Equal(m.Dropped[0]))
}

// Inbound PEX feeds the torrent's peer source.
func Test_Consume_FeedsPeerSource(t *testing.T) {
	clk := fakeclock.At(time.Unix(0, 0))
	s := NewSource(pexConfig(), clk)

	h := host(1, 6881)
	c := connection.NewDetachedConn(domain.NewConnectionKey(domain.TorrentId{}, h), h)
	payload, err := Message{Added: []domain.Host{host(9, 7000)}}.Encode()
	require.NoError(t, err)

	s.Consume(c, wire.NewExtended(extensions.UtPexId, payload))

	hosts := s.PeerSource(domain.TorrentId{}).CollectHosts()
	require.Equal(t, 1, len(hosts))
	assert.True(t, hosts[0].Equal(host(9, 7000)))
	assert.Empty(t, s.PeerSource(domain.TorrentId{}).CollectHosts(), "drained")
}
