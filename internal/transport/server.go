// Package transport implements a connectionless UDP event server. It tracks
// live clients through a heartbeat, synthesizes connected/disconnected events,
// and dispatches incoming envelopes to handlers registered per tag.
package transport

import (
	"context"
	"hash/fnv"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"statesync/internal/protocol"
)

var (
	// ErrUnknownClient is returned when sending to an address that is not in
	// the registry (never connected, or already evicted).
	ErrUnknownClient = errors.New("unknown client")
	// ErrClosed is returned once the server has shut down.
	ErrClosed = errors.New("transport closed")
	// ErrNotListening is returned by Run when Listen was not called.
	ErrNotListening = errors.New("transport not listening")
)

// HandlerFunc handles one event. payload is nil for synthesized events.
type HandlerFunc func(payload []byte, client netip.AddrPort)

// Config holds transport configuration.
type Config struct {
	Addr             string
	HeartbeatTimeout time.Duration // <= 0 disables eviction
	ServiceInterval  time.Duration
	Workers          int
	QueueSize        int
	MaxDatagram      int
	RateLimit        float64 // datagrams per second per client, 0 = unlimited
	RateBurst        int
	LogPackets       bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:9999",
		HeartbeatTimeout: 10 * time.Second,
		ServiceInterval:  100 * time.Millisecond,
		Workers:          4,
		QueueSize:        256,
		MaxDatagram:      8192,
		RateBurst:        32,
	}
}

// Stats is a point-in-time view of the transport counters.
type Stats struct {
	Clients     int    `json:"clients"`
	Received    uint64 `json:"received"`
	Sent        uint64 `json:"sent"`
	SendErrors  uint64 `json:"send_errors"`
	Malformed   uint64 `json:"malformed"`
	Unhandled   uint64 `json:"unhandled"`
	Violations  uint64 `json:"violations"`
	RateLimited uint64 `json:"rate_limited"`
	QueueDrops  uint64 `json:"queue_drops"`
	Panics      uint64 `json:"panics"`
	Connects    uint64 `json:"connects"`
	Evictions   uint64 `json:"evictions"`
}

type counters struct {
	received, sent, sendErrors, malformed, unhandled, violations atomic.Uint64
	rateLimited, queueDrops, panics, connects, evictions         atomic.Uint64
}

// job is one unit of work for a worker: either a raw datagram or a
// synthesized event.
type job struct {
	addr  netip.AddrPort
	data  []byte
	event protocol.Tag
	synth bool
}

// Server owns the UDP socket, the client registry and the handler table.
type Server struct {
	cfg   Config
	codec *protocol.Codec
	log   *zap.SugaredLogger

	conn     *net.UDPConn
	draining atomic.Bool // reader is being stopped; workers still run
	closed   atomic.Bool

	// enqMu orders registry transitions with the jobs they produce, so a
	// client's connected event is always queued before its messages.
	enqMu sync.Mutex

	mu      sync.RWMutex
	clients map[netip.AddrPort]*client
	order   []netip.AddrPort

	handlersMu sync.RWMutex
	handlers   map[protocol.Tag]HandlerFunc

	queues  []chan job
	workers sync.WaitGroup
	stats   counters
}

// NewServer creates a Server. Call Listen before Run.
func NewServer(cfg Config, codec *protocol.Codec, log *zap.SugaredLogger) *Server {
	def := DefaultConfig()
	if cfg.ServiceInterval <= 0 {
		cfg.ServiceInterval = def.ServiceInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = def.MaxDatagram
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if codec == nil {
		codec = protocol.NewCodec(0)
	}
	return &Server{
		cfg:      cfg,
		codec:    codec,
		log:      log,
		clients:  make(map[netip.AddrPort]*client),
		handlers: make(map[protocol.Tag]HandlerFunc),
	}
}

// Listen binds the UDP socket. A failure here is the only fatal error class.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", s.cfg.Addr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	s.conn = conn
	s.log.Infow("listening", "addr", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Register binds handler to tag, replacing any previous handler.
func (s *Server) Register(tag protocol.Tag, handler HandlerFunc) {
	s.handlersMu.Lock()
	s.handlers[tag] = handler
	s.handlersMu.Unlock()
}

// Run accepts datagrams and sweeps heartbeats until ctx is cancelled. On
// return the socket is closed and every in-flight handler has finished.
func (s *Server) Run(ctx context.Context) error {
	if s.conn == nil {
		return ErrNotListening
	}
	s.startWorkers()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop()
	}()

	ticker := time.NewTicker(s.cfg.ServiceInterval)
	last := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			s.sweepHeartbeats(now.Sub(last))
			last = now
		}
	}
	ticker.Stop()

	// Stop reading, let queued and running handlers finish, then release
	// the socket they send through.
	s.draining.Store(true)
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		s.log.Warnw("interrupting reader", "error", err)
	}
	<-readerDone
	s.stopWorkers()

	s.closed.Store(true)
	if err := s.conn.Close(); err != nil {
		s.log.Warnw("closing socket", "error", err)
	}
	s.log.Info("transport stopped")
	return nil
}

func (s *Server) readLoop() {
	buf := make([]byte, s.cfg.MaxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnw("read failed", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.receive(data, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	}
}

// receive refreshes the sender's heartbeat, registering it on first contact,
// and queues the datagram for dispatch.
func (s *Server) receive(data []byte, addr netip.AddrPort) {
	s.stats.received.Add(1)

	s.enqMu.Lock()
	defer s.enqMu.Unlock()

	s.mu.Lock()
	c, known := s.clients[addr]
	if !known {
		c = &client{addr: addr, since: time.Now()}
		if s.cfg.RateLimit > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		}
		s.clients[addr] = c
		s.order = append(s.order, addr)
	}
	c.heartbeat = 0
	allowed := c.allow()
	s.mu.Unlock()

	if !known {
		s.stats.connects.Add(1)
		s.log.Infow("client connected", "client", addr)
		s.enqueue(job{addr: addr, event: protocol.Connected, synth: true})
	}
	if !allowed {
		s.stats.rateLimited.Add(1)
		return
	}
	s.enqueue(job{addr: addr, data: data})
}

// sweepHeartbeats ages every client by elapsed and evicts those past the
// heartbeat timeout, firing one disconnected event each.
func (s *Server) sweepHeartbeats(elapsed time.Duration) int {
	if s.cfg.HeartbeatTimeout <= 0 {
		return 0
	}

	s.enqMu.Lock()
	defer s.enqMu.Unlock()

	var dead []*client
	s.mu.Lock()
	kept := s.order[:0]
	for _, addr := range s.order {
		c := s.clients[addr]
		c.heartbeat += elapsed
		if c.heartbeat > s.cfg.HeartbeatTimeout {
			c.state = StatePendingDisconnect
			dead = append(dead, c)
			delete(s.clients, addr)
			continue
		}
		kept = append(kept, addr)
	}
	s.order = kept
	s.mu.Unlock()

	for _, c := range dead {
		s.stats.evictions.Add(1)
		s.log.Infow("client timed out", "client", c.addr, "player", c.playerID, "silent_for", c.heartbeat)
		s.enqueue(job{addr: c.addr, event: protocol.Disconnected, synth: true})
	}
	return len(dead)
}

func (s *Server) startWorkers() {
	s.queues = make([]chan job, s.cfg.Workers)
	for i := range s.queues {
		q := make(chan job, s.cfg.QueueSize)
		s.queues[i] = q
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			for j := range q {
				s.process(j)
			}
		}()
	}
}

func (s *Server) stopWorkers() {
	for _, q := range s.queues {
		close(q)
	}
	s.workers.Wait()
}

// enqueue routes j to the worker owning its address. Datagrams are dropped
// when that worker is saturated; synthesized events always wait for room.
func (s *Server) enqueue(j job) {
	h := fnv.New32a()
	b, _ := j.addr.MarshalBinary()
	h.Write(b)
	q := s.queues[h.Sum32()%uint32(len(s.queues))]

	if j.synth {
		q <- j
		return
	}
	select {
	case q <- j:
	default:
		s.stats.queueDrops.Add(1)
	}
}

func (s *Server) process(j job) {
	if j.synth {
		s.dispatch(j.event, nil, j.addr)
		return
	}
	env, err := s.codec.Decode(j.data)
	if err != nil {
		s.stats.malformed.Add(1)
		s.log.Debugw("dropping malformed datagram", "client", j.addr, "size", len(j.data), "error", err)
		return
	}
	if s.cfg.LogPackets {
		s.log.Debugf("packet from %v:\n%s", j.addr, spew.Sdump(env))
	}
	if env.Type.Reserved() {
		s.stats.violations.Add(1)
		s.log.Warnw("client sent a reserved event", "client", j.addr, "tag", env.Type)
		return
	}
	s.dispatch(env.Type, env.Payload, j.addr)
}

// dispatch invokes the handler for tag. A panicking handler is logged and
// contained so that one bad client cannot stop the service.
func (s *Server) dispatch(tag protocol.Tag, payload []byte, addr netip.AddrPort) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[tag]
	s.handlersMu.RUnlock()
	if !ok {
		s.stats.unhandled.Add(1)
		s.log.Infow("unhandled event", "tag", tag, "client", addr, "payload_size", len(payload))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			s.log.Errorw("handler panicked", "tag", tag, "client", addr, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(payload, addr)
}

// Send transmits one unreliable envelope to client.
func (s *Server) Send(client netip.AddrPort, tag protocol.Tag, payload []byte) error {
	return s.SendEnvelope(client, protocol.Envelope{Type: tag, Payload: payload})
}

// SendEnvelope transmits env to client as-is.
func (s *Server) SendEnvelope(client netip.AddrPort, env protocol.Envelope) error {
	if !s.alive(client) {
		return ErrUnknownClient
	}
	data, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	return s.write(client, data)
}

// Broadcast sends one unreliable envelope to every registered client in
// registry order and returns the number of clients it was written to.
func (s *Server) Broadcast(tag protocol.Tag, payload []byte) int {
	data, err := s.codec.Encode(protocol.Envelope{Type: tag, Payload: payload})
	if err != nil {
		s.log.Errorw("encoding broadcast", "tag", tag, "error", err)
		return 0
	}
	s.mu.RLock()
	targets := make([]netip.AddrPort, 0, len(s.order))
	for _, addr := range s.order {
		if s.clients[addr].state == StateAlive {
			targets = append(targets, addr)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, addr := range targets {
		if err := s.write(addr, data); err == nil {
			n++
		}
	}
	return n
}

func (s *Server) write(addr netip.AddrPort, data []byte) error {
	if s.closed.Load() || s.conn == nil {
		return ErrClosed
	}
	if _, err := s.conn.WriteToUDPAddrPort(data, addr); err != nil {
		s.stats.sendErrors.Add(1)
		return errors.Wrapf(err, "send to %v", addr)
	}
	s.stats.sent.Add(1)
	return nil
}

func (s *Server) alive(addr netip.AddrPort) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[addr]
	return ok && c.state == StateAlive
}

// Associate records the player owning client, for logging and inspection.
func (s *Server) Associate(client netip.AddrPort, playerID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[client]; ok {
		c.playerID = playerID
		c.hasPlayer = true
	}
}

// Clients returns the registry in registry order.
func (s *Server) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(s.order))
	for _, addr := range s.order {
		infos = append(infos, s.clients[addr].info())
	}
	return infos
}

// Stats returns the transport counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return Stats{
		Clients:     n,
		Received:    s.stats.received.Load(),
		Sent:        s.stats.sent.Load(),
		SendErrors:  s.stats.sendErrors.Load(),
		Malformed:   s.stats.malformed.Load(),
		Unhandled:   s.stats.unhandled.Load(),
		Violations:  s.stats.violations.Load(),
		RateLimited: s.stats.rateLimited.Load(),
		QueueDrops:  s.stats.queueDrops.Load(),
		Panics:      s.stats.panics.Load(),
		Connects:    s.stats.connects.Load(),
		Evictions:   s.stats.evictions.Load(),
	}
}
