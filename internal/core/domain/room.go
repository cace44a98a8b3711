package domain

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// RoomAlphabet omits I, O, 0 and 1 so codes survive being read aloud.
const RoomAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const RoomIDLength = 5

// RoomID is the short human-typeable code that scopes one mesh.
type RoomID string

// ParseRoomID normalizes user input and validates it against the room alphabet.
func ParseRoomID(s string) (RoomID, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if len(code) != RoomIDLength {
		return "", ErrInvalidRoomID
	}
	for _, r := range code {
		if !strings.ContainsRune(RoomAlphabet, r) {
			return "", ErrInvalidRoomID
		}
	}
	return RoomID(code), nil
}

// GenerateRoomID returns a random room code.
func GenerateRoomID() (RoomID, error) {
	max := big.NewInt(int64(len(RoomAlphabet)))
	var b strings.Builder
	for i := 0; i < RoomIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(RoomAlphabet[n.Int64()])
	}
	return RoomID(b.String()), nil
}

func (r RoomID) String() string { return string(r) }
