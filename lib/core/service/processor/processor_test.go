package processor

import (
	"errors"
	"testing"

	"example.com/btengine/lib/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthroughStages(p *Pipeline, visited *[]StageId) {
	record := func(id StageId, next StageId) StageFn {
		return func(ctx *Context) (StageId, error) {
			*visited = append(*visited, id)
			return next, nil
		}
	}
	p.Stage(StageFetchMetadata, record(StageFetchMetadata, StageChooseFiles))
	p.Stage(StageChooseFiles, record(StageChooseFiles, StageDownload))
	p.Stage(StageDownload, record(StageDownload, StageSeed))
	p.Stage(StageSeed, record(StageSeed, StageStop))
}

func Test_Run_FullChain(t *testing.T) {
	events := domain.NewEventBus()
	var fired []domain.EventKind
	events.SubscribeAll(func(e domain.Event) { fired = append(fired, e.Kind) })

	p := NewPipeline(events)
	var visited []StageId
	passthroughStages(p, &visited)

	err := p.Run(&Context{}, StageFetchMetadata)
	require.NoError(t, err)
	assert.Equal(t, []StageId{StageFetchMetadata, StageChooseFiles, StageDownload, StageSeed}, visited)
	assert.Equal(t, []domain.EventKind{
		domain.EventTorrentFetched,
		domain.EventFilesChosen,
		domain.EventDownloadComplete,
		domain.EventTorrentStopped,
	}, fired)
}

// Stop-when-downloaded: the listener returns StageNone on
// DOWNLOAD_COMPLETE, the flush side effect runs exactly once and the
// chain never seeds.
func Test_Run_StopWhenDownloaded(t *testing.T) {
	events := domain.NewEventBus()
	p := NewPipeline(events)
	var visited []StageId
	passthroughStages(p, &visited)

	flushes := 0
	p.OnEvent(domain.EventDownloadComplete, func(ctx *Context, next StageId) StageId {
		flushes++
		return StageNone
	})

	err := p.Run(&Context{}, StageDownload)
	require.NoError(t, err)
	assert.Equal(t, []StageId{StageDownload}, visited)
	assert.Equal(t, 1, flushes)
}

// Listeners compose in registration order; StageNone short-circuits.
func Test_Run_ListenerComposition(t *testing.T) {
	p := NewPipeline(nil)
	var visited []StageId
	passthroughStages(p, &visited)

	var order []string
	p.OnEvent(domain.EventDownloadComplete, func(ctx *Context, next StageId) StageId {
		order = append(order, "first")
		assert.Equal(t, StageSeed, next)
		return StageNone
	})
	p.OnEvent(domain.EventDownloadComplete, func(ctx *Context, next StageId) StageId {
		order = append(order, "second")
		return next
	})

	require.NoError(t, p.Run(&Context{}, StageDownload))
	assert.Equal(t, []string{"first"}, order)
}

func Test_Run_ListenerRedirects(t *testing.T) {
	p := NewPipeline(nil)
	var visited []StageId
	passthroughStages(p, &visited)

	p.OnEvent(domain.EventTorrentFetched, func(ctx *Context, next StageId) StageId {
		// skip straight to download
		return StageDownload
	})
	p.OnEvent(domain.EventDownloadComplete, func(ctx *Context, next StageId) StageId {
		return StageNone
	})

	require.NoError(t, p.Run(&Context{}, StageFetchMetadata))
	assert.Equal(t, []StageId{StageFetchMetadata, StageDownload}, visited)
}

// A stage error terminates processing and still fires TORRENT_STOPPED.
func Test_Run_StageError(t *testing.T) {
	events := domain.NewEventBus()
	var fired []domain.EventKind
	events.SubscribeAll(func(e domain.Event) { fired = append(fired, e.Kind) })

	p := NewPipeline(events)
	boom := errors.New("boom")
	p.Stage(StageDownload, func(ctx *Context) (StageId, error) {
		return StageNone, boom
	})

	err := p.Run(&Context{}, StageDownload)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []domain.EventKind{domain.EventTorrentStopped}, fired)
}

func Test_FirstStage(t *testing.T) {
	withMeta := &Context{Torrent: domain.Torrent{PieceLength: 1, Pieces: string(make([]byte, 20))}}
	first, err := FirstStage(withMeta)
	require.NoError(t, err)
	assert.Equal(t, StageChooseFiles, first)

	m := domain.Magnet{}
	first, err = FirstStage(&Context{Magnet: &m})
	require.NoError(t, err)
	assert.Equal(t, StageFetchMetadata, first)

	_, err = FirstStage(&Context{})
	assert.Error(t, err)
}
