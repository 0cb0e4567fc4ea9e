package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "MarginLedger:genesis:v1"

// GenesisHash is the chain tip before the first command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher maintains the state hash chain:
// hash[N] = SHA-256(hash[N-1] || sequence LE || digest[N]).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ChainHash computes the successor of prev without touching any hasher.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeHash extends the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	h.prevHash = ChainHash(h.prevHash, sequence, digest)
	return h.prevHash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip (snapshot restore).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
