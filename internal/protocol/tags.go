package protocol

import "strconv"

// Tag identifies the kind of message an envelope carries.
type Tag uint8

// Client <-> Server packet ids. Values are part of the wire contract.
const (
	Join          Tag = 0
	Welcome       Tag = 1
	Ack           Tag = 2
	PlayerInfo    Tag = 10
	PlayerUpdates Tag = 11
	PlayerLeft    Tag = 12
	PlayerInput   Tag = 20
	PlayerFire    Tag = 21
	WorldInfo     Tag = 30
	Bullets       Tag = 35
)

// Events synthesized by the transport. They are never valid on the wire.
const (
	Connected    Tag = 254
	Disconnected Tag = 255
)

var tagNames = map[Tag]string{
	Join:          "JOIN",
	Welcome:       "WELCOME",
	Ack:           "ACK",
	PlayerInfo:    "PLAYER_INFO",
	PlayerUpdates: "PLAYER_UPDATES",
	PlayerLeft:    "PLAYER_LEFT",
	PlayerInput:   "PLAYER_INPUT",
	PlayerFire:    "PLAYER_FIRE",
	WorldInfo:     "WORLD_INFO",
	Bullets:       "BULLETS",
	Connected:     "connected",
	Disconnected:  "disconnected",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "TAG(" + strconv.Itoa(int(t)) + ")"
}

// Reserved reports whether t may only be produced by the transport itself.
func (t Tag) Reserved() bool {
	return t == Connected || t == Disconnected
}

// Known reports whether t is part of the game protocol.
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok && !t.Reserved()
}
