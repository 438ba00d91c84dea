package protocol

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// PlayerState is the information about a player that gets sent around to
// everyone. Color and position are transformed from floats to integers for
// passing, which loses an acceptable degree of accuracy.
type PlayerState struct {
	ID    uint32 `msgpack:"id"`
	Red   uint8  `msgpack:"r"`
	Green uint8  `msgpack:"g"`
	Blue  uint8  `msgpack:"b"`
	X     int32  `msgpack:"x"` // milli-units
	Y     int32  `msgpack:"y"` // milli-units
}

// WorldInfoMsg describes the playable area.
type WorldInfoMsg struct {
	Width  float64 `msgpack:"w"`
	Height float64 `msgpack:"h"`
}

// BulletState is broadcast per live bullet.
type BulletState struct {
	Owner uint32 `msgpack:"o"`
	X     int32  `msgpack:"x"` // milli-units
	Y     int32  `msgpack:"y"` // milli-units
}

// Movement is the PLAYER_INPUT payload: x and y deltas, each in [-1, 1].
type Movement [2]int8

// AckList is the ACK payload: the sequence numbers being acknowledged.
type AckList []uint32

// Snapshot is a full view of the world at a given tick.
type Snapshot struct {
	Tick    uint64        `msgpack:"tick"`
	World   WorldInfoMsg  `msgpack:"w"`
	Players []PlayerState `msgpack:"p"`
	Bullets []BulletState `msgpack:"b"`
}

// Marshal encodes a payload value.
func Marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return b, nil
}

// Unmarshal decodes a payload produced by Marshal (or a compatible client).
func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshal payload")
	}
	return nil
}

// ToMilli converts a world coordinate into the integer form used on the wire.
func ToMilli(v float64) int32 {
	return int32(v * 1000)
}
