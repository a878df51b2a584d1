package messaging

import (
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// maxDatagram is the largest UDP payload we accept.
const maxDatagram = 64 * 1024

// UDPSocket carries one message per datagram. In bind mode it listens on the
// endpoint address, joining the group when the address is multicast. In
// connect mode it sends to the endpoint address.
type UDPSocket struct {
	mode Mode
	log  *zap.SugaredLogger

	mu       sync.Mutex
	conn     *net.UDPConn
	endpoint string
	closed   bool
	buf      []byte
}

var _ MessageSocket = (*UDPSocket)(nil)

// NewUDPSocket returns an unopened UDP socket.
func NewUDPSocket(mode Mode, log *zap.SugaredLogger) *UDPSocket {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UDPSocket{mode: mode, log: log.Named("udp")}
}

// Open binds or connects to endpoint.
func (s *UDPSocket) Open(endpoint string) error {
	ep, err := parseFor(SchemeUDP, endpoint)
	if err != nil {
		return transportError("open", endpoint, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return transportError("open", endpoint, errors.New("already open"))
	}

	addr, err := net.ResolveUDPAddr("udp", ep.Address())
	if err != nil {
		return transportError("open", endpoint, errors.Wrap(err, "resolve"))
	}

	var conn *net.UDPConn
	switch {
	case s.mode == ModeConnect:
		conn, err = net.DialUDP("udp", nil, addr)
	case addr.IP != nil && addr.IP.IsMulticast():
		conn, err = net.ListenMulticastUDP("udp", nil, addr)
	default:
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return transportError("open", endpoint, err)
	}

	if ep.RcvBuf > 0 {
		if err := conn.SetReadBuffer(ep.RcvBuf); err != nil {
			s.log.Warnw("failed to set receive buffer", "endpoint", endpoint, "bytes", ep.RcvBuf, "error", err)
		}
	}

	s.conn = conn
	s.endpoint = endpoint
	s.buf = make([]byte, maxDatagram)
	s.log.Infow("socket open", "endpoint", endpoint, "mode", s.mode, "local", conn.LocalAddr().String())
	return nil
}

func (s *UDPSocket) current() (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn == nil {
		return nil, ErrNotOpen
	}
	return s.conn, nil
}

// Send writes payload as a single datagram.
func (s *UDPSocket) Send(payload []byte) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	if s.mode != ModeConnect {
		return transportError("send", s.endpoint, errors.New("socket is bound for receiving"))
	}
	n, err := conn.Write(payload)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return transportError("send", s.endpoint, err)
	}
	if n != len(payload) {
		return transportError("send", s.endpoint, errors.Newf("short write %d of %d bytes", n, len(payload)))
	}
	return nil
}

// Receive waits up to timeout for one datagram. The returned slice is owned
// by the caller.
func (s *UDPSocket) Receive(timeout time.Duration) ([]byte, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, transportError("receive", s.endpoint, err)
	}
	n, _, err := conn.ReadFromUDP(s.buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrWouldBlock
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, transportError("receive", s.endpoint, err)
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

// Close releases the socket. Calling it more than once is safe.
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return transportError("close", s.endpoint, err)
	}
	s.log.Infow("socket closed", "endpoint", s.endpoint)
	return nil
}

// LocalAddr returns the bound or source address, or nil before Open.
func (s *UDPSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
