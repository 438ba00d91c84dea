package game

import "math/rand"

// Vec2 is a 2D vector in world units.
type Vec2 struct {
	X, Y float64
}

// Add returns v + o*scale.
func (v Vec2) Add(o Vec2, scale float64) Vec2 {
	return Vec2{X: v.X + o.X*scale, Y: v.Y + o.Y*scale}
}

// IsZero reports whether both components are zero.
func (v Vec2) IsZero() bool {
	return v.X == 0 && v.Y == 0
}

// Clamp restricts v to [min, max]
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// randRange returns a random float64 in [min, max)
func randRange(min, max float64) float64 {
	return min + rand.Float64()*(max-min)
}
