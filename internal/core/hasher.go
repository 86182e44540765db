package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpClearing:genesis:v1"

// StateHasher chains one hash per committed call:
//
//	hash[N] = SHA-256(hash[N-1] || sequence || block || digest)
//
// where digest is the canonical encoding of every record the call wrote.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

func (h *StateHasher) ComputeHash(sequence, block int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(sequence))
	binary.LittleEndian.PutUint64(buf[8:], uint64(block))
	hasher.Write(buf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the hash of the last committed call.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}
