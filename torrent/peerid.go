package torrent

import (
	"crypto/rand"
)

// clientPrefix identifies this implementation in the peer_id, following
// the Azureus-style convention ("-XX1234-" + 12 random bytes).
const clientPrefix = "-GT0001-"

// NewPeerID chooses a 20-byte peer_id, stable for the engine's lifetime.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], clientPrefix)
	if _, err := rand.Read(id[len(clientPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}
