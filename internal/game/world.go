package game

import "statesync/internal/protocol"

const (
	DefaultWorldWidth  = 20.0
	DefaultWorldHeight = 10.0
)

// World is the playable area. Width and Height are extents: positions range
// over [-extent+1, extent-1] on each axis, inclusive.
type World struct {
	Width  float64
	Height float64
}

// NewWorld creates a World with the given extents.
func NewWorld(width, height float64) World {
	return World{Width: width, Height: height}
}

// Clamp pulls p inside the world bounds.
func (w World) Clamp(p Vec2) Vec2 {
	return Vec2{
		X: Clamp(p.X, -w.Width+1, w.Width-1),
		Y: Clamp(p.Y, -w.Height+1, w.Height-1),
	}
}

// Contains reports whether p lies within the world bounds.
func (w World) Contains(p Vec2) bool {
	return w.Clamp(p) == p
}

// Info converts to protocol state.
func (w World) Info() protocol.WorldInfoMsg {
	return protocol.WorldInfoMsg{Width: w.Width, Height: w.Height}
}
