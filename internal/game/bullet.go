package game

import "statesync/internal/protocol"

const (
	DefaultBulletSpeed    = 8.0 // world units/s
	DefaultBulletLifetime = 2.0 // seconds
	DefaultMaxBullets     = 500
)

// Bullet is a projectile fired by a player.
type Bullet struct {
	Owner     uint32
	Position  Vec2
	Direction Vec2
	Speed     float64
	Life      float64 // seconds remaining
	Alive     bool
}

// NewBullet creates a bullet at the owner's position heading the way the
// owner faces. The position is copied; the bullet does not follow the owner.
func NewBullet(owner *Player, speed, lifetime float64) *Bullet {
	return &Bullet{
		Owner:     owner.ID,
		Position:  owner.Position,
		Direction: owner.Facing,
		Speed:     speed,
		Life:      lifetime,
		Alive:     true,
	}
}

// Update ages the bullet and moves it if it is still alive. An expired bullet
// does not move on the tick it dies.
func (b *Bullet) Update(dt float64) {
	if !b.Alive {
		return
	}
	b.Life -= dt
	if b.Life <= 0 {
		b.Alive = false
		return
	}
	b.Position = b.Position.Add(b.Direction, b.Speed*dt)
}

// ToState converts to protocol state.
func (b *Bullet) ToState() protocol.BulletState {
	return protocol.BulletState{
		Owner: b.Owner,
		X:     protocol.ToMilli(b.Position.X),
		Y:     protocol.ToMilli(b.Position.Y),
	}
}
