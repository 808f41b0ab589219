package main

import (
	"fmt"
	"os"

	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/engine"
	"example.com/btengine/lib/logger"
	"example.com/btengine/lib/platform/filestore"

	"github.com/rapidloop/skv"
)

// The engine consumes metadata from an external source; this runner
// reads a previously exchanged info dictionary out of the local store,
// the same way a magnet fetch would have produced it.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: btengine <target-dir>")
		os.Exit(1)
	}
	location := os.Args[1]

	skvStore, err := skv.Open(location + "/.btengine.db")
	if err != nil {
		panic(err)
	}
	defer skvStore.Close()

	var metadata domain.Metadata
	if err := skvStore.Get("metadata", &metadata); err != nil {
		panic(err)
	}
	logger.Log.Sugar().Infow("loaded metadata", "infohash", metadata.InfoHash().String())

	cfg := domain.DefaultConfig()
	eng, err := engine.New(cfg, filestore.New(location), skvStore)
	if err != nil {
		panic(err)
	}
	if err := eng.Start(); err != nil {
		panic(err)
	}
	defer eng.Stop()

	var hints []domain.Host
	session, err := eng.AddTorrent(metadata, hints)
	if err != nil {
		panic(err)
	}
	session.StopWhenDownloaded = true
	session.Start()
	session.Wait()

	fmt.Println("done")
}
