package ingestion

import (
	"sync"

	"SynthLedger/internal/whitelist"
)

// PriceSequencer orders price updates per identifier. Gaps are tolerated,
// stale updates are dropped.
type PriceSequencer struct {
	mu      sync.Mutex
	lastSeq map[whitelist.Identifier]int64
	gaps    map[whitelist.Identifier]int64
}

func NewPriceSequencer() *PriceSequencer {
	return &PriceSequencer{
		lastSeq: make(map[whitelist.Identifier]int64),
		gaps:    make(map[whitelist.Identifier]int64),
	}
}

// Accept reports whether the update should be applied. Unsequenced updates
// (sequence 0) are always accepted.
func (ps *PriceSequencer) Accept(id whitelist.Identifier, seq int64) bool {
	if seq == 0 {
		return true
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	last, seen := ps.lastSeq[id]
	if seen && seq <= last {
		return false
	}
	if seen && seq > last+1 {
		ps.gaps[id]++
	}
	ps.lastSeq[id] = seq
	return true
}

// Last returns the highest accepted sequence for an identifier.
func (ps *PriceSequencer) Last(id whitelist.Identifier) int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastSeq[id]
}

// Gaps returns how many sequence gaps were seen for an identifier.
func (ps *PriceSequencer) Gaps(id whitelist.Identifier) int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.gaps[id]
}

// Seed sets the last sequence for an identifier (used on restart).
func (ps *PriceSequencer) Seed(id whitelist.Identifier, seq int64) {
	ps.mu.Lock()
	ps.lastSeq[id] = seq
	ps.mu.Unlock()
}
