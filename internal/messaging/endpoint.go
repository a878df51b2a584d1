package messaging

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Mode selects which side of a transport a socket plays.
type Mode int

const (
	// ModeBind is the receiving side.
	ModeBind Mode = iota
	// ModeConnect is the sending side.
	ModeConnect
)

func (m Mode) String() string {
	switch m {
	case ModeBind:
		return "bind"
	case ModeConnect:
		return "connect"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Endpoint schemes.
const (
	SchemeUDP  = "udp"
	SchemeNATS = "nats"
	SchemePCAP = "pcap"
)

// NATS messaging patterns.
const (
	PatternPubSub = "pubsub"
	PatternReqRep = "reqrep"
)

// Endpoint is a parsed transport address.
//
//	udp://host:port[?rcvbuf=N]
//	nats://host:port/subject[?mode=pubsub|reqrep&queue=group&timeout_ms=N]
//	pcap:///path/to/file.pcap?port=N
type Endpoint struct {
	Raw    string
	Scheme string
	Host   string
	Port   int

	// UDP receive buffer size; 0 leaves the OS default.
	RcvBuf int

	Subject        string
	Pattern        string
	Queue          string
	RequestTimeout time.Duration

	Path string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses and validates an endpoint URL.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "parse endpoint %q", raw)
	}
	ep := Endpoint{Raw: raw, Scheme: strings.ToLower(u.Scheme)}
	q := u.Query()

	switch ep.Scheme {
	case SchemeUDP, SchemeNATS:
		if err := ep.parseHostPort(u); err != nil {
			return Endpoint{}, err
		}
	case SchemePCAP:
		ep.Path = u.Path
		if ep.Path == "" {
			ep.Path = u.Opaque
		}
		if ep.Path == "" {
			return Endpoint{}, errors.Newf("endpoint %q: pcap file path is required", raw)
		}
		port, err := strconv.Atoi(q.Get("port"))
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, errors.Newf("endpoint %q: pcap endpoint needs ?port=1..65535", raw)
		}
		ep.Port = port
		return ep, nil
	case "":
		return Endpoint{}, errors.Newf("endpoint %q: missing scheme", raw)
	default:
		return Endpoint{}, errors.Newf("endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	if ep.Scheme == SchemeUDP {
		if v := q.Get("rcvbuf"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return Endpoint{}, errors.Newf("endpoint %q: bad rcvbuf %q", raw, v)
			}
			ep.RcvBuf = n
		}
		return ep, nil
	}

	ep.Subject = strings.Trim(u.Path, "/")
	if ep.Subject == "" {
		return Endpoint{}, errors.Newf("endpoint %q: nats subject is required", raw)
	}
	ep.Pattern = strings.ToLower(q.Get("mode"))
	if ep.Pattern == "" {
		ep.Pattern = PatternPubSub
	}
	if ep.Pattern != PatternPubSub && ep.Pattern != PatternReqRep {
		return Endpoint{}, errors.Newf("endpoint %q: unknown nats mode %q", raw, ep.Pattern)
	}
	ep.Queue = q.Get("queue")
	ep.RequestTimeout = time.Second
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Endpoint{}, errors.Newf("endpoint %q: bad timeout_ms %q", raw, v)
		}
		ep.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	return ep, nil
}

func (ep *Endpoint) parseHostPort(u *url.URL) error {
	ep.Host = u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		return errors.Newf("endpoint %q: port is required", ep.Raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return errors.Newf("endpoint %q: bad port %q", ep.Raw, portStr)
	}
	ep.Port = port
	return nil
}

// NewSocket returns an unopened socket for the endpoint's scheme. A nil
// logger discards output.
func NewSocket(endpoint string, mode Mode, log *zap.SugaredLogger) (MessageSocket, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	switch ep.Scheme {
	case SchemeUDP:
		return NewUDPSocket(mode, log), nil
	case SchemeNATS:
		return NewNATSSocket(mode, log), nil
	default:
		if mode != ModeBind {
			return nil, errors.Newf("endpoint %q: pcap replay is receive only", endpoint)
		}
		return NewPCAPSocket(log), nil
	}
}

// parseFor parses endpoint and checks it carries the expected scheme.
func parseFor(scheme, endpoint string) (Endpoint, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return Endpoint{}, err
	}
	if ep.Scheme != scheme {
		return Endpoint{}, errors.Newf("endpoint %q: %s socket cannot open scheme %q", endpoint, scheme, ep.Scheme)
	}
	return ep, nil
}
