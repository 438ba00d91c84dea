package transport

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

// State is the liveness of a known client.
type State int

const (
	StateAlive State = iota
	StatePendingDisconnect
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StatePendingDisconnect:
		return "pending-disconnect"
	default:
		return "unknown"
	}
}

// client is the registry record for one remote address.
type client struct {
	addr      netip.AddrPort
	heartbeat time.Duration // time since the last datagram, advanced by the sweep
	state     State
	playerID  uint32
	hasPlayer bool
	since     time.Time
	limiter   *rate.Limiter
}

// ClientInfo is a read-only copy of a registry record.
type ClientInfo struct {
	Addr      netip.AddrPort `json:"addr"`
	Heartbeat time.Duration  `json:"heartbeat"`
	State     string         `json:"state"`
	PlayerID  uint32         `json:"player_id,omitempty"`
	Since     time.Time      `json:"since"`
}

func (c *client) info() ClientInfo {
	info := ClientInfo{
		Addr:      c.addr,
		Heartbeat: c.heartbeat,
		State:     c.state.String(),
		Since:     c.since,
	}
	if c.hasPlayer {
		info.PlayerID = c.playerID
	}
	return info
}

// allow reports whether the client is within its inbound rate budget.
func (c *client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}
