package messaging

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// packetDataReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PCAPSocket replays UDP payloads from a capture file. Only datagrams whose
// source or destination port equals the endpoint port are delivered, in file
// order. Once the file is exhausted every Receive waits out its timeout and
// returns ErrWouldBlock, so a replay behaves like a quiet live feed.
type PCAPSocket struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	file     *os.File
	src      packetDataReader
	port     layers.UDPPort
	endpoint string
	eof      bool
	closed   bool
	done     chan struct{}

	packets   int
	delivered int
}

var _ MessageSocket = (*PCAPSocket)(nil)

// NewPCAPSocket returns an unopened replay socket.
func NewPCAPSocket(log *zap.SugaredLogger) *PCAPSocket {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PCAPSocket{log: log.Named("pcap"), done: make(chan struct{})}
}

// Open opens the capture file. Both classic pcap and pcapng are accepted.
func (s *PCAPSocket) Open(endpoint string) error {
	ep, err := parseFor(SchemePCAP, endpoint)
	if err != nil {
		return transportError("open", endpoint, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.file != nil {
		return transportError("open", endpoint, errors.New("already open"))
	}

	f, err := os.Open(ep.Path)
	if err != nil {
		return transportError("open", endpoint, err)
	}
	src, err := newPacketDataReader(f)
	if err != nil {
		f.Close()
		return transportError("open", endpoint, err)
	}

	s.file = f
	s.src = src
	s.port = layers.UDPPort(ep.Port)
	s.endpoint = endpoint
	s.log.Infow("replay open", "file", ep.Path, "udp_port", ep.Port, "link_type", src.LinkType().String())
	return nil
}

func newPacketDataReader(f *os.File) (packetDataReader, error) {
	r, err := pcapgo.NewReader(bufio.NewReader(f))
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, errors.Wrap(serr, "rewind capture")
	}
	ng, ngErr := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, errors.Wrapf(ngErr, "not a pcap (%v) or pcapng file", err)
	}
	return ng, nil
}

// Send is not supported by a replay socket.
func (s *PCAPSocket) Send([]byte) error {
	return transportError("send", s.endpoint, errors.New("pcap replay is receive only"))
}

// Receive returns the next matching UDP payload from the capture.
func (s *PCAPSocket) Receive(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.src == nil {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	if !s.eof {
		payload, err := s.nextLocked()
		if err != nil || payload != nil {
			s.mu.Unlock()
			return payload, err
		}
	}
	done := s.done
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, ErrWouldBlock
	case <-done:
		return nil, ErrClosed
	}
}

// nextLocked returns nil, nil once the file is exhausted.
func (s *PCAPSocket) nextLocked() ([]byte, error) {
	for {
		data, _, err := s.src.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.eof = true
			s.log.Infow("replay complete", "file_packets", s.packets, "delivered", s.delivered)
			return nil, nil
		}
		if err != nil {
			return nil, transportError("receive", s.endpoint, err)
		}
		s.packets++

		pkt := gopacket.NewPacket(data, s.src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || (udp.DstPort != s.port && udp.SrcPort != s.port) || len(udp.Payload) == 0 {
			continue
		}
		s.delivered++
		out := make([]byte, len(udp.Payload))
		copy(out, udp.Payload)
		return out, nil
	}
}

// Close closes the capture file. Calling it more than once is safe.
func (s *PCAPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.src = nil
	if err != nil {
		return transportError("close", s.endpoint, err)
	}
	return nil
}

// Delivered returns how many payloads have been handed out.
func (s *PCAPSocket) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}
