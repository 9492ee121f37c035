package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpCustody:genesis:v1"

// StateHasher chains committed operations:
// state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ResumeStateHasher continues a chain from a persisted tip.
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash appends one link and returns it.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
