// Package monitoring holds the process logger and the per-pipeline message
// counters.
package monitoring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats counts messages through one pipeline. All methods are safe for
// concurrent use; the incoming and outgoing adapter goroutines share it.
type Stats struct {
	received     atomic.Int64
	receivedByte atomic.Int64
	decodeErrors atomic.Int64
	accepted     atomic.Int64
	rejected     atomic.Int64
	acceptErrors atomic.Int64
	panics       atomic.Int64
	queued       atomic.Int64
	queueFull    atomic.Int64
	sent         atomic.Int64
	sentBytes    atomic.Int64
	retries      atomic.Int64
	dropped      atomic.Int64

	mu        sync.Mutex
	startTime time.Time
	last      Snapshot
	lastAt    time.Time
}

// NewStats creates a Stats instance.
func NewStats() *Stats {
	now := time.Now()
	return &Stats{startTime: now, lastAt: now}
}

func (s *Stats) AddReceived(bytes int) {
	s.received.Add(1)
	s.receivedByte.Add(int64(bytes))
}

func (s *Stats) AddDecodeError() { s.decodeErrors.Add(1) }
func (s *Stats) AddAccepted()    { s.accepted.Add(1) }
func (s *Stats) AddRejected()    { s.rejected.Add(1) }
func (s *Stats) AddAcceptError() { s.acceptErrors.Add(1) }
func (s *Stats) AddPanic()       { s.panics.Add(1) }
func (s *Stats) AddQueued()      { s.queued.Add(1) }
func (s *Stats) AddQueueFull()   { s.queueFull.Add(1) }
func (s *Stats) AddRetry()       { s.retries.Add(1) }
func (s *Stats) AddDropped()     { s.dropped.Add(1) }

func (s *Stats) AddSent(bytes int) {
	s.sent.Add(1)
	s.sentBytes.Add(int64(bytes))
}

// Snapshot is a point-in-time copy of the counters. Totals are cumulative.
type Snapshot struct {
	Received     int64         `json:"received"`
	ReceivedByte int64         `json:"received_bytes"`
	DecodeErrors int64         `json:"decode_errors"`
	Accepted     int64         `json:"accepted"`
	Rejected     int64         `json:"rejected"`
	AcceptErrors int64         `json:"accept_errors"`
	Panics       int64         `json:"panics"`
	Queued       int64         `json:"queued"`
	QueueFull    int64         `json:"queue_full"`
	Sent         int64         `json:"sent"`
	SentBytes    int64         `json:"sent_bytes"`
	Retries      int64         `json:"retries"`
	Dropped      int64         `json:"dropped"`
	Uptime       time.Duration `json:"uptime_ns"`
}

// Snapshot returns the current totals.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Received:     s.received.Load(),
		ReceivedByte: s.receivedByte.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Accepted:     s.accepted.Load(),
		Rejected:     s.rejected.Load(),
		AcceptErrors: s.acceptErrors.Load(),
		Panics:       s.panics.Load(),
		Queued:       s.queued.Load(),
		QueueFull:    s.queueFull.Load(),
		Sent:         s.sent.Load(),
		SentBytes:    s.sentBytes.Load(),
		Retries:      s.retries.Load(),
		Dropped:      s.dropped.Load(),
		Uptime:       time.Since(s.startTime),
	}
}

// LogStats logs throughput since the previous call plus any error totals.
// Nothing is logged when the pipeline was idle and error free.
func (s *Stats) LogStats(log *zap.SugaredLogger, name string) {
	cur := s.Snapshot()

	s.mu.Lock()
	prev, prevAt := s.last, s.lastAt
	now := time.Now()
	s.last, s.lastAt = cur, now
	s.mu.Unlock()

	received := cur.Received - prev.Received
	sent := cur.Sent - prev.Sent
	failures := (cur.DecodeErrors + cur.Rejected + cur.AcceptErrors + cur.QueueFull + cur.Dropped) -
		(prev.DecodeErrors + prev.Rejected + prev.AcceptErrors + prev.QueueFull + prev.Dropped)
	if received == 0 && sent == 0 && failures == 0 {
		return
	}

	secs := now.Sub(prevAt).Seconds()
	if secs <= 0 {
		secs = 1
	}
	log.Infow("pipeline stats",
		"pipeline", name,
		"received_per_sec", fmt.Sprintf("%.1f", float64(received)/secs),
		"sent_per_sec", fmt.Sprintf("%.1f", float64(sent)/secs),
		"received_total", FormatWithCommas(cur.Received),
		"sent_total", FormatWithCommas(cur.Sent),
		"decode_errors", cur.DecodeErrors,
		"rejected", cur.Rejected,
		"accept_errors", cur.AcceptErrors,
		"queue_full", cur.QueueFull,
		"retries", cur.Retries,
		"dropped", cur.Dropped,
	)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := false
	if n < 0 {
		neg = true
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	if neg {
		return "-" + result
	}
	return result
}
