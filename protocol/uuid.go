package protocol

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Offset between the UUID epoch (1582-10-15) and the Unix epoch in 100ns
// intervals.
const uuidEpochOffset = 0x01B21DD213814000

// NewTimeUUID returns a version 1 UUID for the current time.
func NewTimeUUID() (uuid.UUID, error) {
	return uuid.NewUUID()
}

// TimeUUID returns a version 1 UUID whose timestamp is t. The clock sequence
// and node come from the process-wide generator state.
func TimeUUID(t time.Time) (uuid.UUID, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		return u, err
	}
	ticks := uint64(t.UnixNano()/100) + uuidEpochOffset
	binary.BigEndian.PutUint32(u[0:4], uint32(ticks))
	binary.BigEndian.PutUint16(u[4:6], uint16(ticks>>32))
	binary.BigEndian.PutUint16(u[6:8], uint16(ticks>>48)&0x0FFF|0x1000)
	return u, nil
}

// NewRandomUUID returns a version 4 UUID.
func NewRandomUUID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

// UUIDTime returns the timestamp embedded in a version 1 UUID.
func UUIDTime(u uuid.UUID) time.Time {
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}
