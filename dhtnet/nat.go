package dhtnet

import (
	"net"
	"strconv"
	"strings"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"

	"shardpeer/perr"
)

// natManager discovers the LAN gateway and maps a single TCP port on it,
// trying NAT-PMP before falling back to UPnP IGDv1. Every discovery and
// mapping branch reports its failure path through the injected logger
// before the next transport is tried.
type natManager struct {
	log        *logrus.Entry
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

func newNATManager(log *logrus.Entry) (*natManager, error) {
	m := &natManager{log: log}
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		m.log.WithError(err).Debug("dhtnet: nat: no LAN gateway discovered")
	} else {
		m.pmp = natpmp.NewClient(gw)
		res, err := m.pmp.GetExternalAddress()
		if err != nil {
			m.log.WithError(err).Debug("dhtnet: nat: NAT-PMP external address query failed")
		} else {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		clients, _, err := internetgateway1.NewWANIPConnection1Clients()
		if err != nil || len(clients) == 0 {
			m.log.WithError(err).Debug("dhtnet: nat: no UPnP IGDv1 WANIPConnection client found")
		} else {
			m.upnp = clients[0]
			ipStr, err := m.upnp.GetExternalIPAddress()
			if err != nil {
				m.log.WithError(err).Debug("dhtnet: nat: UPnP external IP query failed")
			} else {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "dhtnet: gateway not found")
	}
	m.log.WithField("external_ip", m.ip.String()).Debug("dhtnet: nat: external address discovered")
	return m, nil
}

// externalIP returns the detected public IP address.
func (m *natManager) externalIP() net.IP { return m.ip }

// mapPort opens port on the gateway, NAT-PMP first, then UPnP.
func (m *natManager) mapPort(port int) error {
	if m.pmp != nil {
		_, err := m.pmp.AddPortMapping("tcp", port, port, 3600)
		if err == nil {
			m.mappedPort = port
			m.log.WithField("port", port).Debug("dhtnet: nat: port mapped via NAT-PMP")
			return nil
		}
		m.log.WithError(err).WithField("port", port).Debug("dhtnet: nat: NAT-PMP mapping failed, trying UPnP")
	}
	if m.upnp != nil {
		err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.ip.String(), true, "shardpeer", 3600)
		if err == nil {
			m.mappedPort = port
			m.log.WithField("port", port).Debug("dhtnet: nat: port mapped via UPnP")
			return nil
		}
		m.log.WithError(err).WithField("port", port).Debug("dhtnet: nat: UPnP mapping failed")
	}
	return perr.Wrap(perr.ErrUnexpected, "dhtnet: port mapping failed")
}

// unmap removes the previously mapped port, if any.
func (m *natManager) unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0); err != nil {
			m.log.WithError(err).WithField("port", m.mappedPort).Warn("dhtnet: nat: NAT-PMP unmap failed")
			return err
		}
		m.log.WithField("port", m.mappedPort).Debug("dhtnet: nat: port unmapped via NAT-PMP")
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP"); err != nil {
			m.log.WithError(err).WithField("port", m.mappedPort).Warn("dhtnet: nat: UPnP unmap failed")
			return err
		}
		m.log.WithField("port", m.mappedPort).Debug("dhtnet: nat: port unmapped via UPnP")
		m.mappedPort = 0
	}
	return nil
}

// parseTCPPort extracts the TCP port from a libp2p multiaddress string
// such as "/ip4/0.0.0.0/tcp/4001".
func parseTCPPort(addr string) (int, error) {
	parts := strings.Split(addr, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "tcp" {
			return strconv.Atoi(parts[i+1])
		}
	}
	return 0, perr.Wrap(perr.ErrInvalidMessage, "dhtnet: no tcp port in "+addr)
}
