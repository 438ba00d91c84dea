package game

import (
	"net/netip"
	"time"

	"statesync/internal/protocol"
)

const (
	DefaultPlayerSpeed = 5.0  // world units/s
	SpawnExtent        = 10.0 // players spawn in [-SpawnExtent, SpawnExtent) on both axes
)

// Player is the server-side representation of a connected client.
type Player struct {
	ID        uint32
	Addr      netip.AddrPort
	SessionID string
	JoinedAt  time.Time

	Color    [3]float64 // each component in [0, 1)
	Position Vec2
	Movement Vec2 // current input, each axis in [-1, 1]
	Facing   Vec2 // last nonzero movement
	Speed    float64
}

// NewPlayer creates a player with a random color at a random position.
func NewPlayer(id uint32, addr netip.AddrPort, speed float64) *Player {
	return &Player{
		ID:   id,
		Addr: addr,
		Color: [3]float64{
			randRange(0, 1),
			randRange(0, 1),
			randRange(0, 1),
		},
		Position: Vec2{
			X: randRange(-SpawnExtent, SpawnExtent),
			Y: randRange(-SpawnExtent, SpawnExtent),
		},
		Facing: Vec2{X: 1},
		Speed:  speed,
	}
}

// SetMovement stores the latest input. Facing only follows nonzero input so a
// stationary player keeps shooting the way it last moved.
func (p *Player) SetMovement(m protocol.Movement) {
	p.Movement = Vec2{
		X: Clamp(float64(m[0]), -1, 1),
		Y: Clamp(float64(m[1]), -1, 1),
	}
	if !p.Movement.IsZero() {
		p.Facing = p.Movement
	}
}

// Update moves the player one tick (dt in seconds) and reports whether it
// had any movement to apply.
func (p *Player) Update(dt float64, w World) bool {
	if p.Movement.IsZero() {
		return false
	}
	p.Position = w.Clamp(p.Position.Add(p.Movement, p.Speed*dt))
	return true
}

// ToState converts to protocol state.
func (p *Player) ToState() protocol.PlayerState {
	return protocol.PlayerState{
		ID:    p.ID,
		Red:   uint8(p.Color[0] * 255),
		Green: uint8(p.Color[1] * 255),
		Blue:  uint8(p.Color[2] * 255),
		X:     protocol.ToMilli(p.Position.X),
		Y:     protocol.ToMilli(p.Position.Y),
	}
}
