package domain

import (
	"fmt"
	"net"
)

// PortUnknown marks an inbound peer whose listening port has not been
// learned yet (it only becomes known from the extended handshake).
const PortUnknown uint16 = 0

// HostOptions is the PEX flag byte for a peer (BEP-11 added.f).
type HostOptions byte

const (
	HostSupportsEncryption HostOptions = 1 << 0
	HostIsSeed             HostOptions = 1 << 1
)

type Host struct {
	IP      net.IP
	Port    uint16
	Options HostOptions
}

func (h Host) Equal(another Host) bool {
	return h.Port == another.Port && h.IP.Equal(another.IP)
}

func (h Host) PortIsUnknown() bool {
	return h.Port == PortUnknown
}

func (h Host) String() string {
	return net.JoinHostPort(h.IP.String(), fmt.Sprintf("%d", h.Port))
}

// ConnectionKey identifies a peer connection within a torrent.
type ConnectionKey struct {
	TorrentId TorrentId
	Host      string
}

func NewConnectionKey(id TorrentId, h Host) ConnectionKey {
	return ConnectionKey{TorrentId: id, Host: h.String()}
}

const compactV4Length = 6
const compactV6Length = 18

// PackCompact encodes hosts in the compact form shared by trackers and
// PEX: 4 or 16 address bytes followed by a big-endian port.
func PackCompact(hosts []Host, v6 bool) []byte {
	var out []byte
	for _, h := range hosts {
		var addr []byte
		if v6 {
			if h.IP.To4() != nil {
				continue
			}
			addr = h.IP.To16()
		} else {
			addr = h.IP.To4()
		}
		if addr == nil {
			continue
		}
		out = append(out, addr...)
		out = append(out, byte(h.Port>>8), byte(h.Port))
	}
	return out
}

// PackCompactFlags returns one HostOptions byte per packed host.
func PackCompactFlags(hosts []Host, v6 bool) []byte {
	var out []byte
	for _, h := range hosts {
		if v6 == (h.IP.To4() != nil) {
			continue
		}
		out = append(out, byte(h.Options))
	}
	return out
}

// UnpackCompact decodes a compact host list. Flags may be nil.
func UnpackCompact(b []byte, flags []byte, v6 bool) ([]Host, error) {
	addrLen := compactV4Length
	if v6 {
		addrLen = compactV6Length
	}
	if len(b)%addrLen != 0 {
		return nil, fmt.Errorf("compact host list length %d is not a multiple of %d", len(b), addrLen)
	}
	n := len(b) / addrLen
	if flags != nil && len(flags) != n {
		return nil, fmt.Errorf("%d hosts but %d flag bytes", n, len(flags))
	}
	hosts := make([]Host, 0, n)
	for i := 0; i < n; i++ {
		chunk := b[i*addrLen : (i+1)*addrLen]
		h := Host{
			IP:   net.IP(append([]byte(nil), chunk[:addrLen-2]...)),
			Port: uint16(chunk[addrLen-2])<<8 | uint16(chunk[addrLen-1]),
		}
		if flags != nil {
			h.Options = HostOptions(flags[i])
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}
