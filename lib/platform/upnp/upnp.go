package upnp

import (
	"errors"
	"net"

	"example.com/btengine/lib/core/adapter/portexposer"
	"example.com/btengine/lib/logger"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

var l_upnp = logger.Named("upnp")

func New(localPort uint16) portexposer.PortExposer {
	return &impl{
		localPort:    localPort,
		startExtPort: localPort,
	}
}

type impl struct {
	localPort    uint16
	startExtPort uint16
	extPort      uint16
	client       *internetgateway2.WANIPConnection1
}

func (i *impl) Start() {
	clients, errs, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil || len(errs) != 0 || len(clients) == 0 {
		l_upnp.Sugar().Infow("no internet gateway found, accepting on local port only", "port", i.localPort)
		i.extPort = i.localPort
		return
	}

	// Assume first IGD client is ours
	client := clients[0]

	myIP, err := findMyLocalIP(client.Location.Host)
	if err != nil {
		l_upnp.Sugar().Warnw("cannot resolve local address", "err", err.Error())
		i.extPort = i.localPort
		return
	}

	for {
		internalPort, internalClient, _, _, _, err :=
			client.GetSpecificPortMappingEntry("", i.startExtPort, "TCP")
		if err != nil {
			break
		}
		if net.ParseIP(internalClient).Equal(myIP) && internalPort == i.localPort {
			break
		}
		i.startExtPort++
	}

	if err := client.AddPortMapping("", i.startExtPort, "TCP", i.localPort, myIP.String(), false, "btengine", 0); err != nil {
		l_upnp.Sugar().Warnw("port mapping failed", "err", err.Error())
	}
	i.client = client
	i.extPort = i.startExtPort

	l_upnp.Sugar().Infow("mapped", "ip", myIP.String(), "local", i.localPort, "external", i.startExtPort)
}

func (i *impl) Port() uint16 {
	return i.extPort
}

func (i *impl) Stop() {
	if i.client == nil {
		return
	}
	i.client.DeletePortMapping("", i.startExtPort, "TCP")
}

func findMyLocalIP(igdHostname string) (net.IP, error) {
	gwIps, _, err := net.SplitHostPort(igdHostname)
	if err != nil {
		return nil, err
	}
	gwIP := net.ParseIP(gwIps)

	// Find our IP based on interface that shares IGD IP
	nwIfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, nwIf := range nwIfs {
		addresses, err := nwIf.Addrs()
		if err != nil {
			return nil, err
		}
		for _, addr := range addresses {
			ip, ipNet, err := net.ParseCIDR(addr.String())
			if err != nil {
				return nil, err
			}
			if ipNet.Contains(gwIP) {
				return ip, nil
			}
		}
	}
	return nil, errors.New("no interface matches given IGD")
}
