package choker

import (
	"math/rand"
	"sort"
	"time"

	"example.com/btengine/lib/core/adapter/clock"
	"example.com/btengine/lib/core/domain"
	"example.com/btengine/lib/core/service/connection"
	"example.com/btengine/lib/logger"
)

var l_choker = logger.Named("choker")

// Choker periodically proposes which interested peers to unchoke: the
// top few by recent throughput, plus a random optimistic pick every
// few rounds. Proposals are materialized into CHOKE/UNCHOKE by the
// outbound producer.
type Choker struct {
	// Conns snapshots the connections to rank on each round.
	Conns           func() []*connection.Conn
	Clock           clock.Clock
	Interval        time.Duration
	MaxUnchoked     int
	OptimisticEvery int

	// Seeding selects the throughput direction used for ranking:
	// upload delta while seeding, download delta while leeching.
	Seeding func() bool

	Random *rand.Rand

	lastBytes map[domain.ConnectionKey]int64
	round     int
	quit      chan struct{}
}

func (c *Choker) Start() {
	c.lastBytes = make(map[domain.ConnectionKey]int64)
	c.quit = make(chan struct{})
	go func() {
		for {
			select {
			case <-c.quit:
				return
			case <-c.Clock.After(c.Interval):
				c.Tick()
			}
		}
	}()
}

func (c *Choker) Stop() {
	close(c.quit)
}

type ranked struct {
	conn  *connection.Conn
	delta int64
}

// Tick runs one choking round.
func (c *Choker) Tick() {
	c.round++
	conns := c.Conns()
	seeding := c.Seeding != nil && c.Seeding()

	var interested []ranked
	seen := make(map[domain.ConnectionKey]int64, len(conns))
	for _, conn := range conns {
		var total int64
		if seeding {
			total = conn.State.Uploaded()
		} else {
			total = conn.State.Downloaded()
		}
		seen[conn.Key] = total
		if conn.State.PeerInterested() {
			interested = append(interested, ranked{conn: conn, delta: total - c.lastBytes[conn.Key]})
		} else {
			// uninterested peers stay choked; nothing to rank
			conn.State.ProposeChoke(true)
		}
	}
	c.lastBytes = seen

	sort.Slice(interested, func(i, j int) bool {
		return interested[i].delta > interested[j].delta
	})

	unchoked := 0
	for _, r := range interested {
		if unchoked < c.MaxUnchoked {
			r.conn.State.ProposeChoke(false)
			unchoked++
		} else {
			r.conn.State.ProposeChoke(true)
		}
	}

	if c.OptimisticEvery > 0 && c.round%c.OptimisticEvery == 0 && len(interested) > c.MaxUnchoked {
		rest := interested[c.MaxUnchoked:]
		pick := rest[c.Random.Intn(len(rest))]
		pick.conn.State.ProposeChoke(false)
		l_choker.Sugar().Debugw("optimistic unchoke", "host", pick.conn.Host.String())
	}
}
