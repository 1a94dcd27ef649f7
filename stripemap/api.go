// Package stripemap tracks, for every virtual stripe id, which region the
// stripe currently lives in and under which logical stripe id.
package stripemap

import (
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// StripeMap is a fixed table over the virtual stripe id space.
type StripeMap struct {
	mutex trackedlock.RWMutex
	table []layout.StripeAddr
}

var unmappedAddr = layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: layout.UnmapStripe}

// New builds a stripe map covering vsids [0, totalStripes); every entry
// starts unmapped.
func New(totalStripes uint32) (stripeMap *StripeMap) {
	stripeMap = &StripeMap{
		table: make([]layout.StripeAddr, totalStripes),
	}
	for i := range stripeMap.table {
		stripeMap.table[i] = unmappedAddr
	}
	return
}

// GetLSA returns the logical stripe address mapped to vsid. Unmapped and
// out-of-range vsids yield {LocInWriteBufferArea, UnmapStripe}.
func (stripeMap *StripeMap) GetLSA(vsid layout.StripeID) (lsa layout.StripeAddr) {
	stripeMap.mutex.RLock()
	if uint32(vsid) >= uint32(len(stripeMap.table)) {
		stripeMap.mutex.RUnlock()
		lsa = unmappedAddr
		return
	}
	lsa = stripeMap.table[vsid]
	stripeMap.mutex.RUnlock()
	return
}

// SetLSA maps vsid to (loc, lsid). Out-of-range vsids are logged and
// dropped.
func (stripeMap *StripeMap) SetLSA(vsid layout.StripeID, lsid layout.StripeID, loc layout.StripeLoc) {
	stripeMap.mutex.Lock()
	if uint32(vsid) >= uint32(len(stripeMap.table)) {
		stripeMap.mutex.Unlock()
		logger.Errorf("stripemap: SetLSA(vsid %v) out of range (%v entries)", vsid, len(stripeMap.table))
		return
	}
	stripeMap.table[vsid] = layout.StripeAddr{Loc: loc, StripeID: lsid}
	stripeMap.mutex.Unlock()
}

// IsInUserDataArea reports whether lsa names a mapped stripe in the user
// data area.
func (stripeMap *StripeMap) IsInUserDataArea(lsa layout.StripeAddr) (inUserArea bool) {
	inUserArea = layout.LocInUserArea == lsa.Loc && !layout.IsUnmapStripe(lsa.StripeID)
	return
}

// IsInWriteBufferArea reports whether lsa names a mapped stripe in the write
// buffer.
func (stripeMap *StripeMap) IsInWriteBufferArea(lsa layout.StripeAddr) (inWriteBuffer bool) {
	inWriteBuffer = layout.LocInWriteBufferArea == lsa.Loc && !layout.IsUnmapStripe(lsa.StripeID)
	return
}
