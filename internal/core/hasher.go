package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisDomain = "SynthLedger:genesis:v1:"

// GenesisHash is the PrevHash of an instance's first envelope.
func GenesisHash(instanceID string) [32]byte {
	return sha256.Sum256([]byte(genesisDomain + instanceID))
}

// LinkHash computes SHA-256(prev || sequence (LE uint64) || digest).
func LinkHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	h := sha256.New()
	h.Write(prev[:])
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HashChain tracks the tip of an instance's envelope chain.
type HashChain struct {
	tip [32]byte
}

func NewHashChain(instanceID string) *HashChain {
	return &HashChain{tip: GenesisHash(instanceID)}
}

// Extend links the next envelope and returns its state hash.
func (c *HashChain) Extend(sequence int64, digest []byte) [32]byte {
	c.tip = LinkHash(c.tip, sequence, digest)
	return c.tip
}

func (c *HashChain) Tip() [32]byte { return c.tip }
