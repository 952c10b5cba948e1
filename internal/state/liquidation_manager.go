package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidationManager is the arena of liquidation records. Records are
// addressed by (sponsor, id) where id is the index in the sponsor's slice, so
// archiving a record never invalidates other ids.
type LiquidationManager struct {
	bySponsor map[common.Address][]*Liquidation
	open      int
}

func NewLiquidationManager() *LiquidationManager {
	return &LiquidationManager{
		bySponsor: make(map[common.Address][]*Liquidation),
	}
}

// NextID returns the id the sponsor's next liquidation will get.
func (lm *LiquidationManager) NextID(sponsor common.Address) uint64 {
	return uint64(len(lm.bySponsor[sponsor]))
}

// Add appends a new record and assigns its id.
func (lm *LiquidationManager) Add(l *Liquidation) uint64 {
	l.ID = lm.NextID(l.Sponsor)
	lm.bySponsor[l.Sponsor] = append(lm.bySponsor[l.Sponsor], l)
	lm.open++
	return l.ID
}

// Get returns the record, including archived ones.
func (lm *LiquidationManager) Get(sponsor common.Address, id uint64) (*Liquidation, bool) {
	recs := lm.bySponsor[sponsor]
	if id >= uint64(len(recs)) {
		return nil, false
	}
	return recs[id], true
}

// ForSponsor returns every record of a sponsor, in id order.
func (lm *LiquidationManager) ForSponsor(sponsor common.Address) []*Liquidation {
	return lm.bySponsor[sponsor]
}

// HasUnresolved reports whether the sponsor has a record still in
// PreDispute or Disputed.
func (lm *LiquidationManager) HasUnresolved(sponsor common.Address) bool {
	for _, l := range lm.bySponsor[sponsor] {
		if !l.Archived && !l.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Archive marks a record fully withdrawn.
func (lm *LiquidationManager) Archive(l *Liquidation) {
	if !l.Archived {
		l.Archived = true
		lm.open--
	}
}

// OpenCount returns the number of records not yet archived.
func (lm *LiquidationManager) OpenCount() int {
	return lm.open
}

// Sponsors returns every sponsor with records, in byte order.
func (lm *LiquidationManager) Sponsors() []common.Address {
	out := make([]common.Address, 0, len(lm.bySponsor))
	for s := range lm.bySponsor {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
