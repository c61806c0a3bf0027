package tunnel

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardpeer/metrics"
	"shardpeer/perr"
	"shardpeer/protocol"
)

// PortRange bounds the TCP ports a Server may hand out to gateways. A zero
// value (Low == High == 0) means unrestricted: gateways bind OS-assigned
// ports.
type PortRange struct {
	Low, High int
}

func (r PortRange) restricted() bool { return r.Low != 0 || r.High != 0 }

// Server is the tunnel server: it maintains the live gateways keyed by
// entrance token, the ports currently handed out, and a registry of other
// peers known to volunteer as tunnel relays, enforcing maxTunnels open at
// once. It implements protocol.TunnelProvider.
type Server struct {
	log *logrus.Entry

	mu         sync.Mutex
	gateways   map[string]*Gateway // entrance token -> gateway
	usedPorts  map[int]bool
	volunteers []protocol.Contact
	maxTunnels int
	portRange  PortRange
	rpcTimeout time.Duration
	host       string

	lockedCh   chan struct{}
	unlockedCh chan struct{}

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink, used for the tunnels-open gauge.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

var _ protocol.TunnelProvider = (*Server)(nil)

// NewServer builds a tunnel server bound to host (used to construct each
// gateway's listen address), enforcing maxTunnels concurrently open
// gateways within portRange.
func NewServer(log *logrus.Logger, host string, maxTunnels int, portRange PortRange, rpcTimeout time.Duration) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		log:        log.WithField("component", "tunnel-server"),
		gateways:   make(map[string]*Gateway),
		usedPorts:  make(map[int]bool),
		maxTunnels: maxTunnels,
		portRange:  portRange,
		rpcTimeout: rpcTimeout,
		host:       host,
		lockedCh:   make(chan struct{}, 1),
		unlockedCh: make(chan struct{}, 1),
	}
}

// HasFreeGateway reports whether a new gateway could currently be opened.
func (s *Server) HasFreeGateway() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gateways) < s.maxTunnels
}

// Locked fires (non-blocking, best-effort) whenever the pool transitions
// from having free capacity to being fully occupied.
func (s *Server) Locked() <-chan struct{} { return s.lockedCh }

// Unlocked fires whenever the pool transitions from fully occupied back to
// having free capacity.
func (s *Server) Unlocked() <-chan struct{} { return s.unlockedCh }

// AddVolunteer registers a peer this server has learned (via the DHT
// adapter's gossip/discovery) offers itself as a tunnel relay.
func (s *Server) AddVolunteer(c protocol.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.volunteers {
		if v.Identity == c.Identity {
			return
		}
	}
	s.volunteers = append(s.volunteers, c)
}

// RemoveVolunteer drops a peer from the volunteer registry.
func (s *Server) RemoveVolunteer(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.volunteers {
		if v.Identity == identity {
			s.volunteers = append(s.volunteers[:i], s.volunteers[i+1:]...)
			return
		}
	}
}

// KnownVolunteers returns up to max registered volunteer contacts,
// satisfying protocol.TunnelProvider for FIND_TUNNEL.
func (s *Server) KnownVolunteers(max int) []protocol.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > len(s.volunteers) {
		max = len(s.volunteers)
	}
	out := make([]protocol.Contact, max)
	copy(out, s.volunteers[:max])
	return out
}

// OpenGateway allocates a gateway from the pool: a fresh entrance token, a
// port drawn from the unused subset of portRange (or an OS-assigned port
// if portRange is unrestricted), and a bound HTTP+WS listener. Returns
// ErrTunnelsExhausted if maxTunnels are already open.
func (s *Server) OpenGateway() (string, protocol.TunnelAlias, error) {
	s.mu.Lock()
	if len(s.gateways) >= s.maxTunnels {
		s.mu.Unlock()
		return "", protocol.TunnelAlias{}, protocol.ErrTunnelsExhausted
	}
	port, err := s.pickPortLocked()
	if err != nil {
		s.mu.Unlock()
		return "", protocol.TunnelAlias{}, err
	}
	s.mu.Unlock()

	gw, err := NewGateway(s.log.Logger, s.rpcTimeout)
	if err != nil {
		s.releasePort(port)
		return "", protocol.TunnelAlias{}, err
	}
	if err := gw.Listen(s.host + ":" + strconv.Itoa(port)); err != nil {
		s.releasePort(port)
		return "", protocol.TunnelAlias{}, err
	}

	s.mu.Lock()
	wasFree := len(s.gateways) < s.maxTunnels
	s.gateways[gw.Token()] = gw
	locked := len(s.gateways) >= s.maxTunnels
	s.mu.Unlock()
	if wasFree && locked {
		select {
		case s.lockedCh <- struct{}{}:
		default:
		}
	}

	wsURL := "ws://" + gw.Addr() + "/tun?token=" + gw.Token()
	alias := protocol.TunnelAlias{Address: s.host, Port: boundPort(gw.Addr())}
	s.log.WithField("token", gw.Token()).Info("tunnel: gateway opened")
	if s.metrics != nil {
		s.metrics.TunnelsOpen.Inc()
	}
	return wsURL, alias, nil
}

// CloseGateway tears down the gateway identified by token, freeing its
// port and, if the pool had been at capacity, emitting Unlocked.
func (s *Server) CloseGateway(token string) {
	s.mu.Lock()
	gw, ok := s.gateways[token]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.gateways, token)
	wasLocked := len(s.gateways)+1 >= s.maxTunnels
	port := boundPort(gw.Addr())
	delete(s.usedPorts, port)
	unlocked := len(s.gateways) < s.maxTunnels
	s.mu.Unlock()
	_ = gw.Close()
	if s.metrics != nil {
		s.metrics.TunnelsOpen.Dec()
	}
	if wasLocked && unlocked {
		select {
		case s.unlockedCh <- struct{}{}:
		default:
		}
	}
}

func (s *Server) pickPortLocked() (int, error) {
	if !s.portRange.restricted() {
		return 0, nil
	}
	span := s.portRange.High - s.portRange.Low + 1
	if span <= 0 {
		return 0, perr.Wrap(perr.ErrUnexpected, "tunnel: empty port range")
	}
	for attempt := 0; attempt < span; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err != nil {
			return 0, perr.Wrap(perr.ErrUnexpected, "tunnel: random port: "+err.Error())
		}
		port := s.portRange.Low + int(n.Int64())
		if !s.usedPorts[port] {
			s.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, perr.Wrap(perr.ErrInvalidOperation, "tunnel: no free port in range")
}

func (s *Server) releasePort(port int) {
	if port == 0 {
		return
	}
	s.mu.Lock()
	delete(s.usedPorts, port)
	s.mu.Unlock()
}

// boundPort extracts the numeric port from a net.Listener-reported address
// of the form "host:port" (works for both IPv4 and the "[::]:port" form
// net.Listen returns for an OS-assigned port).
func boundPort(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			n, err := strconv.Atoi(addr[i+1:])
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
