package metadatasource

import (
	"context"

	"example.com/btengine/lib/core/domain"
)

// Source yields the parsed torrent metadata for an id; how it is
// fetched (ut_metadata, file, cache) is not the engine's concern.
type Source interface {
	Fetch(ctx context.Context, id domain.TorrentId) (domain.Metadata, error)
}
