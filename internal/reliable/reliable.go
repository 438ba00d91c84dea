// Package reliable implements selective, acknowledgment-based delivery on top
// of the unreliable transport. Only envelopes sent through SendReliable are
// tracked; delivery is at-least-once.
package reliable

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"statesync/internal/protocol"
	"statesync/internal/transport"
)

const (
	DefaultResendAfter = 2 * time.Second
	DefaultMaxSequence = 10000
)

// Sender is the transport primitive the layer transmits through.
type Sender interface {
	SendEnvelope(client netip.AddrPort, env protocol.Envelope) error
}

// Config tunes the layer.
type Config struct {
	ResendAfter time.Duration
	MaxSequence uint32
}

// pending is a reliable send awaiting acknowledgment. The payload is kept
// verbatim so it can be retransmitted exactly.
type pending struct {
	seq     uint32
	sentAt  time.Time
	target  netip.AddrPort
	tag     protocol.Tag
	payload []byte
}

// Stats is a point-in-time view of the layer's counters.
type Stats struct {
	Pending       int    `json:"pending"`
	Sent          uint64 `json:"sent"`
	Acknowledged  uint64 `json:"acknowledged"`
	Retransmitted uint64 `json:"retransmitted"`
	Dropped       uint64 `json:"dropped"`
	SendErrors    uint64 `json:"send_errors"`
	Wraps         uint64 `json:"wraps"`
	StaleAcks     uint64 `json:"stale_acks"`
}

// Layer issues sequence numbers and tracks unacknowledged reliable sends.
type Layer struct {
	sender Sender
	cfg    Config
	log    *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	next    uint32
	issued  bool
	last    uint32
	queue   *list.List // of *pending, oldest first
	stats   Stats
	onWrap  func()
	onRetry func(seq uint32, target netip.AddrPort)
}

// New creates a Layer that sends through sender.
func New(sender Sender, cfg Config, log *zap.SugaredLogger) *Layer {
	if cfg.ResendAfter <= 0 {
		cfg.ResendAfter = DefaultResendAfter
	}
	if cfg.MaxSequence < 2 {
		cfg.MaxSequence = DefaultMaxSequence
	}
	return &Layer{
		sender: sender,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		queue:  list.New(),
	}
}

// SetClock replaces the time source used to stamp sends.
func (l *Layer) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// OnWrap registers a callback invoked each time the sequence counter wraps.
func (l *Layer) OnWrap(fn func()) {
	l.mu.Lock()
	l.onWrap = fn
	l.mu.Unlock()
}

// OnRetransmit registers a callback invoked for each retransmitted sequence.
func (l *Layer) OnRetransmit(fn func(seq uint32, target netip.AddrPort)) {
	l.mu.Lock()
	l.onRetry = fn
	l.mu.Unlock()
}

// NextSequence returns the next sequence number in [0, MaxSequence).
func (l *Layer) NextSequence() uint32 {
	l.mu.Lock()
	seq, wrapped := l.nextSequenceLocked()
	fn := l.onWrap
	l.mu.Unlock()
	if wrapped && fn != nil {
		fn()
	}
	return seq
}

func (l *Layer) nextSequenceLocked() (uint32, bool) {
	seq := l.next
	l.last = seq
	l.issued = true
	l.next++
	if l.next < l.cfg.MaxSequence {
		return seq, false
	}
	l.next = 0
	l.stats.Wraps++
	l.log.Warnw("sequence number wrapped", "max", l.cfg.MaxSequence, "wraps", l.stats.Wraps)
	return seq, true
}

// SendReliable sends payload to client with ack_required set and records it
// until acknowledged.
func (l *Layer) SendReliable(client netip.AddrPort, tag protocol.Tag, payload []byte) (uint32, error) {
	l.mu.Lock()
	seq, wrapped := l.nextSequenceLocked()
	at := l.now()
	fn := l.onWrap
	l.mu.Unlock()
	if wrapped && fn != nil {
		fn()
	}
	return seq, l.send(&pending{seq: seq, target: client, tag: tag, payload: payload}, at)
}

// send transmits p and appends it to the queue stamped with at. A record is
// queued even when the write fails, so a transient socket error only delays
// delivery until the next sweep. Only a client the transport no longer knows
// drops the record.
func (l *Layer) send(p *pending, at time.Time) error {
	env := protocol.Envelope{Type: p.tag, Payload: p.payload, Sequence: p.seq, AckRequired: true}
	err := l.sender.SendEnvelope(p.target, env)

	l.mu.Lock()
	defer l.mu.Unlock()
	if errors.Is(err, transport.ErrUnknownClient) {
		l.stats.Dropped++
		return errors.Wrapf(err, "reliable send seq %d", p.seq)
	}
	p.sentAt = at
	l.queue.PushBack(p)
	if err != nil {
		l.stats.SendErrors++
		return errors.Wrapf(err, "reliable send seq %d", p.seq)
	}
	l.stats.Sent++
	return nil
}

// Acknowledge removes the first pending record with sequence seq. Unknown
// sequences are ignored.
func (l *Layer) Acknowledge(seq uint32) bool {
	return l.acknowledge(seq, netip.AddrPort{}, false)
}

// AcknowledgeFrom is Acknowledge restricted to records sent to client.
func (l *Layer) AcknowledgeFrom(client netip.AddrPort, seq uint32) bool {
	return l.acknowledge(seq, client, true)
}

func (l *Layer) acknowledge(seq uint32, client netip.AddrPort, matchClient bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for e := l.queue.Front(); e != nil; e = e.Next() {
		p := e.Value.(*pending)
		if p.seq != seq || (matchClient && p.target != client) {
			continue
		}
		l.queue.Remove(e)
		l.stats.Acknowledged++
		return true
	}
	// A sequence ahead of anything issued cannot refer to a pending send.
	if !l.issued || seq >= l.cfg.MaxSequence || (seq != l.last && MoreRecent(seq, l.last, l.cfg.MaxSequence)) {
		l.stats.StaleAcks++
	}
	return false
}

// Sweep retransmits every pending send older than the resend threshold. The
// queue is ordered by send time, so the scan stops at the first young entry.
func (l *Layer) Sweep(now time.Time) int {
	var expired []*pending
	l.mu.Lock()
	for e := l.queue.Front(); e != nil; e = l.queue.Front() {
		p := e.Value.(*pending)
		if now.Sub(p.sentAt) < l.cfg.ResendAfter {
			break
		}
		l.queue.Remove(e)
		expired = append(expired, p)
	}
	onRetry := l.onRetry
	l.mu.Unlock()

	resent := 0
	for _, p := range expired {
		if err := l.send(p, now); err != nil {
			if errors.Is(err, transport.ErrUnknownClient) {
				l.log.Debugw("dropping pending send", "seq", p.seq, "client", p.target, "error", err)
			} else {
				l.log.Warnw("retransmit failed", "seq", p.seq, "client", p.target, "error", err)
			}
			continue
		}
		resent++
		l.log.Debugw("retransmitted", "seq", p.seq, "tag", p.tag, "client", p.target)
		if onRetry != nil {
			onRetry(p.seq, p.target)
		}
	}
	if resent > 0 {
		l.mu.Lock()
		l.stats.Retransmitted += uint64(resent)
		l.mu.Unlock()
	}
	return resent
}

// Forget drops every pending send addressed to client.
func (l *Layer) Forget(client netip.AddrPort) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for e := l.queue.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*pending).target == client {
			l.queue.Remove(e)
			n++
		}
		e = next
	}
	l.stats.Dropped += uint64(n)
	return n
}

// Pending returns the number of unacknowledged sends.
func (l *Layer) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Stats returns a copy of the layer's counters.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Pending = l.queue.Len()
	return s
}
