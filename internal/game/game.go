// Package game holds the authoritative simulation: players, bullets and the
// per-tick step that broadcasts their state.
package game

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"statesync/internal/protocol"
	"statesync/internal/transport"
)

// Event types reported to the Tracker.
const (
	EvtSessionStart = "session_start"
	EvtSessionEnd   = "session_end"
	EvtShotFired    = "shot_fired"
)

// Transport is the unreliable side of the network the game talks to.
type Transport interface {
	Broadcast(tag protocol.Tag, payload []byte) int
	Associate(client netip.AddrPort, playerID uint32)
}

// Reliable is the acknowledgment layer used for critical messages.
type Reliable interface {
	SendReliable(client netip.AddrPort, tag protocol.Tag, payload []byte) (uint32, error)
	AcknowledgeFrom(client netip.AddrPort, seq uint32) bool
	Sweep(now time.Time) int
	Forget(client netip.AddrPort) int
}

// Registrar binds handlers to tags.
type Registrar interface {
	Register(tag protocol.Tag, handler transport.HandlerFunc)
}

// Tracker receives gameplay events for persistence.
type Tracker interface {
	Track(evtType string, playerID int64, sessionID string, data string)
}

// Config tunes the simulation.
type Config struct {
	World          World
	PlayerSpeed    float64
	BulletSpeed    float64
	BulletLifetime time.Duration
	MaxBullets     int
}

// DefaultConfig returns the stock simulation settings.
func DefaultConfig() Config {
	return Config{
		World:          NewWorld(DefaultWorldWidth, DefaultWorldHeight),
		PlayerSpeed:    DefaultPlayerSpeed,
		BulletSpeed:    DefaultBulletSpeed,
		BulletLifetime: time.Duration(DefaultBulletLifetime * float64(time.Second)),
		MaxBullets:     DefaultMaxBullets,
	}
}

// Stats is a point-in-time view of the simulation.
type Stats struct {
	Players        int    `json:"players"`
	Bullets        int    `json:"bullets"`
	Ticks          uint64 `json:"ticks"`
	Joined         uint64 `json:"joined"`
	Left           uint64 `json:"left"`
	Shots          uint64 `json:"shots"`
	BulletsDropped uint64 `json:"bullets_dropped"`
	BadPayloads    uint64 `json:"bad_payloads"`
}

// Game holds the world state. All mutation happens under mu, either in a
// registered handler or in Step.
type Game struct {
	cfg     Config
	net     Transport
	rel     Reliable
	tracker Tracker
	log     *zap.SugaredLogger
	now     func() time.Time

	mu       sync.Mutex
	players  map[uint32]*Player
	order    []uint32 // join order
	byAddr   map[netip.AddrPort]uint32
	bullets  []*Bullet
	fired    bool // a bullet was added since the last step
	removals []uint32
	nextID   uint32
	stats    Stats
}

// New creates a Game that broadcasts through net and sends critical messages
// through rel.
func New(cfg Config, net Transport, rel Reliable, log *zap.SugaredLogger) *Game {
	def := DefaultConfig()
	if cfg.World.Width <= 0 || cfg.World.Height <= 0 {
		cfg.World = def.World
	}
	if cfg.PlayerSpeed <= 0 {
		cfg.PlayerSpeed = def.PlayerSpeed
	}
	if cfg.BulletSpeed <= 0 {
		cfg.BulletSpeed = def.BulletSpeed
	}
	if cfg.BulletLifetime <= 0 {
		cfg.BulletLifetime = def.BulletLifetime
	}
	if cfg.MaxBullets <= 0 {
		cfg.MaxBullets = def.MaxBullets
	}
	return &Game{
		cfg:     cfg,
		net:     net,
		rel:     rel,
		log:     log,
		now:     time.Now,
		players: make(map[uint32]*Player),
		byAddr:  make(map[netip.AddrPort]uint32),
	}
}

// SetTracker attaches an analytics sink.
func (g *Game) SetTracker(t Tracker) {
	g.mu.Lock()
	g.tracker = t
	g.mu.Unlock()
}

// SetClock replaces the time source used for retransmission sweeps.
func (g *Game) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Register installs the game's handlers.
func (g *Game) Register(r Registrar) {
	r.Register(protocol.Connected, g.handleConnected)
	r.Register(protocol.Disconnected, g.handleDisconnected)
	r.Register(protocol.Join, g.handleJoin)
	r.Register(protocol.PlayerInput, g.handleInput)
	r.Register(protocol.PlayerFire, g.handleFire)
	r.Register(protocol.Ack, g.handleAck)
}

func (g *Game) handleConnected(_ []byte, client netip.AddrPort) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addPlayerLocked(client)
}

// addPlayerLocked creates a player for client and greets it.
func (g *Game) addPlayerLocked(client netip.AddrPort) *Player {
	g.nextID++
	p := NewPlayer(g.nextID, client, g.cfg.PlayerSpeed)
	p.Position = g.cfg.World.Clamp(p.Position)
	p.SessionID = ulid.Make().String()
	p.JoinedAt = g.now()

	g.players[p.ID] = p
	g.order = append(g.order, p.ID)
	g.byAddr[client] = p.ID
	g.stats.Joined++
	g.net.Associate(client, p.ID)
	g.log.Infow("player joined", "player", p.ID, "client", client, "session", p.SessionID)
	g.track(EvtSessionStart, p, fmt.Sprintf(`{"addr":%q}`, client.String()))

	g.greetLocked(p)
	return p
}

// greetLocked sends the player its own state and the world description,
// both requiring acknowledgment.
func (g *Game) greetLocked(p *Player) {
	welcome, err := protocol.Marshal(p.ToState())
	if err != nil {
		g.log.Errorw("encoding welcome", "player", p.ID, "error", err)
		return
	}
	if _, err := g.rel.SendReliable(p.Addr, protocol.Welcome, welcome); err != nil {
		g.log.Warnw("sending welcome", "player", p.ID, "error", err)
	}
	world, err := protocol.Marshal(g.cfg.World.Info())
	if err != nil {
		g.log.Errorw("encoding world info", "error", err)
		return
	}
	if _, err := g.rel.SendReliable(p.Addr, protocol.WorldInfo, world); err != nil {
		g.log.Warnw("sending world info", "player", p.ID, "error", err)
	}
}

// handleDisconnected queues the player for removal on the next step. Pending
// reliable sends to the address are dropped now, before a reconnect from the
// same address can queue greetings of its own.
func (g *Game) handleDisconnected(_ []byte, client netip.AddrPort) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.byAddr[client]
	if !ok {
		return
	}
	delete(g.byAddr, client)
	if n := g.rel.Forget(client); n > 0 {
		g.log.Debugw("dropped pending sends", "player", id, "count", n)
	}
	for _, queued := range g.removals {
		if queued == id {
			return
		}
	}
	g.removals = append(g.removals, id)
	g.log.Infow("player disconnected", "player", id, "client", client)
}

// handleJoin re-sends the greeting to a client that asks for it, creating
// its player if it has none.
func (g *Game) handleJoin(_ []byte, client netip.AddrPort) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p := g.playerLocked(client); p != nil {
		g.greetLocked(p)
		return
	}
	g.addPlayerLocked(client)
}

func (g *Game) handleInput(payload []byte, client netip.AddrPort) {
	var m protocol.Movement
	if err := protocol.Unmarshal(payload, &m); err != nil {
		g.badPayload(protocol.PlayerInput, client, err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.playerLocked(client)
	if p == nil {
		g.log.Debugw("input from unknown client", "client", client)
		return
	}
	p.SetMovement(m)
}

func (g *Game) handleFire(_ []byte, client netip.AddrPort) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.playerLocked(client)
	if p == nil {
		g.log.Debugw("fire from unknown client", "client", client)
		return
	}
	if len(g.bullets) >= g.cfg.MaxBullets {
		g.stats.BulletsDropped++
		return
	}
	g.bullets = append(g.bullets, NewBullet(p, g.cfg.BulletSpeed, g.cfg.BulletLifetime.Seconds()))
	g.fired = true
	g.stats.Shots++
	g.track(EvtShotFired, p, "")
}

func (g *Game) handleAck(payload []byte, client netip.AddrPort) {
	var acks protocol.AckList
	if err := protocol.Unmarshal(payload, &acks); err != nil {
		g.badPayload(protocol.Ack, client, err)
		return
	}

	g.mu.Lock()
	known := g.playerLocked(client) != nil
	g.mu.Unlock()
	if !known {
		g.log.Debugw("ack from unknown client", "client", client)
		return
	}
	for _, seq := range acks {
		if !g.rel.AcknowledgeFrom(client, seq) {
			g.log.Debugw("unmatched ack", "client", client, "seq", seq)
		}
	}
}

func (g *Game) badPayload(tag protocol.Tag, client netip.AddrPort, err error) {
	g.mu.Lock()
	g.stats.BadPayloads++
	g.mu.Unlock()
	g.log.Debugw("bad payload", "tag", tag, "client", client, "error", err)
}

func (g *Game) playerLocked(client netip.AddrPort) *Player {
	id, ok := g.byAddr[client]
	if !ok {
		return nil
	}
	return g.players[id]
}

// Step advances the world by dt seconds. The sub-steps run in a fixed order:
// players move and are broadcast as one batch, bullets age and move, dead
// bullets are removed and the survivors broadcast, queued departures are
// announced, and finally overdue reliable sends are retransmitted.
func (g *Game) Step(dt float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Ticks++

	var updated []protocol.PlayerState
	for _, id := range g.order {
		p := g.players[id]
		if p.Update(dt, g.cfg.World) {
			updated = append(updated, p.ToState())
		}
	}
	if len(updated) > 0 {
		g.broadcastLocked(protocol.PlayerUpdates, updated)
	}

	changed := g.fired
	live := g.bullets[:0]
	for _, b := range g.bullets {
		b.Update(dt)
		changed = true
		if b.Alive {
			live = append(live, b)
		}
	}
	for i := len(live); i < len(g.bullets); i++ {
		g.bullets[i] = nil
	}
	g.bullets = live
	g.fired = false
	if changed {
		states := make([]protocol.BulletState, 0, len(live))
		for _, b := range live {
			states = append(states, b.ToState())
		}
		g.broadcastLocked(protocol.Bullets, states)
	}

	for _, id := range g.removals {
		g.removePlayerLocked(id)
	}
	g.removals = g.removals[:0]

	g.rel.Sweep(g.now())
}

// removePlayerLocked announces the player's departure and erases it.
func (g *Game) removePlayerLocked(id uint32) {
	p, ok := g.players[id]
	if !ok {
		return
	}
	g.broadcastLocked(protocol.PlayerLeft, p.ID)

	delete(g.players, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	if cur, ok := g.byAddr[p.Addr]; ok && cur == id {
		delete(g.byAddr, p.Addr)
		g.rel.Forget(p.Addr)
	}
	g.stats.Left++
	played := g.now().Sub(p.JoinedAt)
	g.log.Infow("player left", "player", id, "played", played)
	g.track(EvtSessionEnd, p, fmt.Sprintf(`{"duration":%.3f}`, played.Seconds()))
}

func (g *Game) broadcastLocked(tag protocol.Tag, v interface{}) {
	payload, err := protocol.Marshal(v)
	if err != nil {
		g.log.Errorw("encoding broadcast", "tag", tag, "error", err)
		return
	}
	g.net.Broadcast(tag, payload)
}

func (g *Game) track(evtType string, p *Player, data string) {
	if g.tracker != nil {
		g.tracker.Track(evtType, int64(p.ID), p.SessionID, data)
	}
}

// Snapshot returns the full world state.
func (g *Game) Snapshot() protocol.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := protocol.Snapshot{
		Tick:    g.stats.Ticks,
		World:   g.cfg.World.Info(),
		Players: make([]protocol.PlayerState, 0, len(g.order)),
		Bullets: make([]protocol.BulletState, 0, len(g.bullets)),
	}
	for _, id := range g.order {
		snap.Players = append(snap.Players, g.players[id].ToState())
	}
	for _, b := range g.bullets {
		snap.Bullets = append(snap.Bullets, b.ToState())
	}
	return snap
}

// PlayerCount returns the number of players.
func (g *Game) PlayerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.players)
}

// Stats returns the simulation counters.
func (g *Game) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Players = len(g.players)
	s.Bullets = len(g.bullets)
	return s
}
