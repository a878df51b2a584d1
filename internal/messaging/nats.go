package messaging

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSocket moves messages over a NATS subject.
//
// In pubsub mode the connect side publishes and the bind side holds a
// synchronous subscription. In reqrep mode the connect side sends requests
// and requires a reply; the bind side acknowledges each request with an empty
// reply once it has been received.
type NATSSocket struct {
	mode Mode
	log  *zap.SugaredLogger

	mu     sync.Mutex
	nc     *nats.Conn
	sub    *nats.Subscription
	ep     Endpoint
	closed bool
}

var _ MessageSocket = (*NATSSocket)(nil)

// NewNATSSocket returns an unopened NATS socket.
func NewNATSSocket(mode Mode, log *zap.SugaredLogger) *NATSSocket {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &NATSSocket{mode: mode, log: log.Named("nats")}
}

// Open connects to the server and, in bind mode, subscribes to the subject.
func (s *NATSSocket) Open(endpoint string) error {
	ep, err := parseFor(SchemeNATS, endpoint)
	if err != nil {
		return transportError("open", endpoint, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.nc != nil {
		return transportError("open", endpoint, errors.New("already open"))
	}

	log := s.log
	nc, err := nats.Connect("nats://"+ep.Address(),
		nats.Name("trackpipe-"+s.mode.String()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(2*time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return transportError("open", endpoint, err)
	}

	if s.mode == ModeBind {
		var sub *nats.Subscription
		if ep.Queue != "" {
			sub, err = nc.QueueSubscribeSync(ep.Subject, ep.Queue)
		} else {
			sub, err = nc.SubscribeSync(ep.Subject)
		}
		if err == nil {
			// the subscription must be registered before a publisher can rely on it
			err = nc.Flush()
		}
		if err != nil {
			nc.Close()
			return transportError("subscribe", endpoint, err)
		}
		s.sub = sub
	}

	s.nc = nc
	s.ep = ep
	s.log.Infow("socket open", "endpoint", endpoint, "mode", s.mode, "pattern", ep.Pattern, "queue", ep.Queue)
	return nil
}

func (s *NATSSocket) current() (*nats.Conn, *nats.Subscription, Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, Endpoint{}, ErrClosed
	}
	if s.nc == nil {
		return nil, nil, Endpoint{}, ErrNotOpen
	}
	return s.nc, s.sub, s.ep, nil
}

// Send publishes payload, or in reqrep mode waits for the reply.
func (s *NATSSocket) Send(payload []byte) error {
	nc, _, ep, err := s.current()
	if err != nil {
		return err
	}
	if s.mode != ModeConnect {
		return transportError("send", ep.Raw, errors.New("socket is bound for receiving"))
	}

	if ep.Pattern == PatternReqRep {
		if _, err := nc.Request(ep.Subject, payload, ep.RequestTimeout); err != nil {
			return transportError("request", ep.Raw, err)
		}
		return nil
	}
	if err := nc.Publish(ep.Subject, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return transportError("publish", ep.Raw, err)
	}
	return nil
}

// Receive waits up to timeout for the next message on the subject.
func (s *NATSSocket) Receive(timeout time.Duration) ([]byte, error) {
	_, sub, ep, err := s.current()
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, transportError("receive", ep.Raw, errors.New("socket is connected for sending"))
	}

	msg, err := sub.NextMsg(timeout)
	switch {
	case errors.Is(err, nats.ErrTimeout):
		return nil, ErrWouldBlock
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
		return nil, ErrClosed
	case err != nil:
		return nil, transportError("receive", ep.Raw, err)
	}

	if msg.Reply != "" {
		if err := msg.Respond(nil); err != nil {
			s.log.Warnw("failed to acknowledge request", "subject", ep.Subject, "error", err)
		}
	}
	return msg.Data, nil
}

// Close unsubscribes and closes the connection. Calling it more than once is safe.
func (s *NATSSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.nc == nil {
		return nil
	}
	var err error
	if s.sub != nil {
		if uerr := s.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = transportError("unsubscribe", s.ep.Raw, uerr)
		}
		s.sub = nil
	}
	if s.mode == ModeConnect {
		if ferr := s.nc.FlushTimeout(time.Second); ferr != nil {
			s.log.Warnw("flush on close failed", "endpoint", s.ep.Raw, "error", ferr)
		}
	}
	s.nc.Close()
	s.nc = nil
	s.log.Infow("socket closed", "endpoint", s.ep.Raw)
	return err
}
