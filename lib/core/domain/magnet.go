package domain

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Magnet is a lazily-parsed magnet link. Unknown params are ignored,
// repeated params accumulate.
type Magnet struct{ Url *url.URL }

func ParseMagnet(s string) (Magnet, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Magnet{}, err
	}
	if u.Scheme != "magnet" {
		return Magnet{}, errors.New("not a magnet URI")
	}
	return Magnet{Url: u}, nil
}

func (m Magnet) InfoHash() (TorrentId, error) {
	var id TorrentId
	for _, xt := range m.Url.Query()["xt"] {
		if !strings.HasPrefix(xt, "urn:btih:") {
			continue
		}
		encoded := xt[len("urn:btih:"):]
		switch len(encoded) {
		case 40:
			b, err := hex.DecodeString(encoded)
			if err != nil {
				continue
			}
			copy(id[:], b)
			return id, nil
		case 32:
			b, err := base32.StdEncoding.DecodeString(strings.ToUpper(encoded))
			if err != nil {
				continue
			}
			copy(id[:], b)
			return id, nil
		}
	}
	return id, errors.New("magnet: no btih exact topic")
}

func (m Magnet) DisplayName() string {
	return m.Url.Query().Get("dn")
}

func (m Magnet) Trackers() []*url.URL {
	trackers := m.Url.Query()["tr"]
	var resp []*url.URL
	for _, t := range trackers {
		trackerU, err := url.Parse(t)
		if err != nil {
			continue
		}
		resp = append(resp, trackerU)
	}
	return resp
}

// PeerAddrs returns the x.pe peer hints.
func (m Magnet) PeerAddrs() []Host {
	var hosts []Host
	for _, pe := range m.Url.Query()["x.pe"] {
		hostStr, portStr, err := net.SplitHostPort(pe)
		if err != nil {
			continue
		}
		ip := net.ParseIP(hostStr)
		if ip == nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		hosts = append(hosts, Host{IP: ip, Port: uint16(port)})
	}
	return hosts
}
