package processor

import (
	"errors"
	"fmt"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/logger"
)

var l_processor = logger.Named("processor")

type StageId int

const (
	// StageNone terminates the chain.
	StageNone StageId = iota
	StageFetchMetadata
	StageChooseFiles
	StageDownload
	StageSeed
	StageStop
)

func (s StageId) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageFetchMetadata:
		return "fetch-metadata"
	case StageChooseFiles:
		return "choose-files"
	case StageDownload:
		return "download"
	case StageSeed:
		return "seed"
	case StageStop:
		return "stop"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Context travels down the stage chain for one torrent.
type Context struct {
	TorrentId domain.TorrentId
	Magnet    *domain.Magnet
	Torrent   domain.Torrent

	// ChosenFiles indexes into Torrent.AllFiles(). The engine's
	// ChooseFiles stage does not read it and opens every file.
	ChosenFiles []int
}

// StageFn processes one stage and names the default successor.
type StageFn func(ctx *Context) (StageId, error)

// Listener receives the context and the would-be-next stage and
// returns the actual next stage. Returning StageNone terminates the
// chain; composition short-circuits there.
type Listener func(ctx *Context, next StageId) StageId

// Pipeline drives a torrent through fetch-metadata, choose-files,
// download, seed and stop, dispatching domain events between stages.
type Pipeline struct {
	Events *domain.EventBus

	stages    map[StageId]StageFn
	listeners map[domain.EventKind][]Listener
}

func NewPipeline(events *domain.EventBus) *Pipeline {
	return &Pipeline{
		Events:    events,
		stages:    make(map[StageId]StageFn),
		listeners: make(map[domain.EventKind][]Listener),
	}
}

func (p *Pipeline) Stage(id StageId, fn StageFn) {
	p.stages[id] = fn
}

// OnEvent splices a listener into the transition that fires the event.
// Listeners run in registration order.
func (p *Pipeline) OnEvent(kind domain.EventKind, fn Listener) {
	p.listeners[kind] = append(p.listeners[kind], fn)
}

var stageEvents = map[StageId]domain.EventKind{
	StageFetchMetadata: domain.EventTorrentFetched,
	StageChooseFiles:   domain.EventFilesChosen,
	StageDownload:      domain.EventDownloadComplete,
}

// Run executes the chain starting at first. A stage error terminates
// the torrent's processing and still fires TORRENT_STOPPED.
func (p *Pipeline) Run(ctx *Context, first StageId) error {
	stage := first
	var runErr error
	for stage != StageNone && stage != StageStop {
		fn, ok := p.stages[stage]
		if !ok {
			runErr = fmt.Errorf("processor: stage %s not wired", stage)
			break
		}
		l_processor.Sugar().Infow("stage", "torrent", ctx.TorrentId.String(), "stage", stage.String())
		next, err := fn(ctx)
		if err != nil {
			runErr = fmt.Errorf("processor: stage %s: %w", stage, err)
			break
		}
		if kind, fires := stageEvents[stage]; fires {
			if p.Events != nil {
				p.Events.Publish(domain.Event{Kind: kind, TorrentId: ctx.TorrentId})
			}
			for _, listener := range p.listeners[kind] {
				next = listener(ctx, next)
				if next == StageNone {
					break
				}
			}
		}
		stage = next
	}

	if p.Events != nil {
		p.Events.Publish(domain.Event{Kind: domain.EventTorrentStopped, TorrentId: ctx.TorrentId})
	}
	return runErr
}

// FirstStage picks the entry point: magnets still need metadata.
func FirstStage(ctx *Context) (StageId, error) {
	if ctx.Torrent.PiecesCount() > 0 {
		return StageChooseFiles, nil
	}
	if ctx.Magnet != nil {
		return StageFetchMetadata, nil
	}
	return StageNone, errors.New("processor: neither metadata nor magnet")
}
