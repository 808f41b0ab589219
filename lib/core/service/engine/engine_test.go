package engine

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"
	"time"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/platform/filestore"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() domain.Metadata {
	payload := bytes.Repeat([]byte{'A'}, 1<<14)
	digest := sha1.Sum(payload)
	// info dictionary with keys in bencode order
	return domain.Metadata(fmt.Sprintf(
		"d6:lengthi%de4:name8:file.bin12:piece lengthi%de6:pieces20:%se",
		1<<14, 1<<14, digest[:]))
}

func testFactory() filestore.Factory {
	return filestore.Factory{Fs: afero.NewMemMapFs(), BasePath: "/data"}
}

func Test_New_FailsFastOnMisconfiguration(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.PexMinMessageInterval = 2 * time.Minute
	cfg.PexMaxMessageInterval = time.Minute
	_, err := New(cfg, testFactory(), nil)
	assert.Error(t, err)

	_, err = New(domain.DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func Test_AddTorrent_Registers(t *testing.T) {
	eng, err := New(domain.DefaultConfig(), testFactory(), nil)
	require.NoError(t, err)

	meta := testMetadata()
	session, err := eng.AddTorrent(meta, nil)
	require.NoError(t, err)
	assert.Equal(t, meta.InfoHash(), session.TorrentId)

	tor, ok := eng.Registry.Torrent(meta.InfoHash())
	require.True(t, ok)
	assert.Equal(t, "file.bin", tor.Name)
	assert.Equal(t, 1, tor.PiecesCount())
	assert.True(t, eng.Registry.IsSupportedAndActive(meta.InfoHash()))
}

func Test_AddMagnet_RequiresMetadataSource(t *testing.T) {
	eng, err := New(domain.DefaultConfig(), testFactory(), nil)
	require.NoError(t, err)

	m, err := domain.ParseMagnet("magnet:?xt=urn:btih:a4ef8a65e78a69eedf588cb87e382d382a37baab")
	require.NoError(t, err)
	_, err = eng.AddMagnet(m)
	assert.Error(t, err)
}

func Test_AddTorrent_RejectsGarbage(t *testing.T) {
	eng, err := New(domain.DefaultConfig(), testFactory(), nil)
	require.NoError(t, err)

	_, err = eng.AddTorrent(domain.Metadata("not bencode"), nil)
	assert.Error(t, err)
}
