// Package identity derives stable participant ids from what a player types in.
//
// Participants have no login. The id is a hash of the room code and the
// normalized (name, avatar) pair, so a player who reconnects with the same pair
// gets the same id, score and answers back, and two concurrent joins with the
// same pair land on the same key instead of creating duplicates.
//
// Known limitation: two different people who pick the identical name and avatar
// in one room are the same participant. Rejoin depends on this.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Prefix marks derived participant ids.
const Prefix = "p_"

// Resolve returns the participant id for a (name, avatar) pair inside one room.
func Resolve(roomCode, name, avatar string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(roomCode))))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(name)))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(avatar)))
	sum := h.Sum(nil)
	return Prefix + hex.EncodeToString(sum[:12])
}

// Normalize trims surrounding whitespace, collapses inner runs of whitespace and
// puts the text in NFC so visually identical emoji and accented names match.
func Normalize(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}
