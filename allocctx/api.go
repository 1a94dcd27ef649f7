// Package allocctx holds the allocator context consumed by the write-buffer
// core: the per-index active stripe tails with their arbiter mutexes, and the
// free pool of write-buffer stripe ids.
package allocctx

import (
	"fmt"

	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// ASTailArrayIdx selects one per-volume open-stripe slot.
type ASTailArrayIdx uint32

type tailRecord struct {
	mutex trackedlock.Mutex
	vsa   layout.VirtualBlkAddr
}

// AllocatorContext is sized once at construction and never resized.
type AllocatorContext struct {
	tails []tailRecord

	wbMutex       trackedlock.Mutex
	freeWbStripes []layout.StripeID
	wbStripeFree  []bool // indexed by wbLsid
}

// New builds an allocator context for MaxVolumeCount active-tail slots and
// TotalNvmStripes write-buffer stripe ids, all initially free.
func New(addrInfo *layout.AddressInfo) (ctx *AllocatorContext) {
	ctx = &AllocatorContext{
		tails:         make([]tailRecord, addrInfo.MaxVolumeCount),
		freeWbStripes: make([]layout.StripeID, 0, addrInfo.TotalNvmStripes),
		wbStripeFree:  make([]bool, addrInfo.TotalNvmStripes),
	}
	for i := range ctx.tails {
		ctx.tails[i].vsa = layout.UnmapVSA
	}
	for wbLsid := addrInfo.TotalNvmStripes; wbLsid > 0; wbLsid-- {
		ctx.freeWbStripes = append(ctx.freeWbStripes, layout.StripeID(wbLsid-1))
		ctx.wbStripeFree[wbLsid-1] = true
	}
	return
}

// GetActiveStripeTail reads the open-stripe VSA for idx. Callers that intend
// a read-modify-write must hold GetActiveStripeTailLock(idx) across it.
func (ctx *AllocatorContext) GetActiveStripeTail(idx ASTailArrayIdx) (vsa layout.VirtualBlkAddr) {
	vsa = ctx.tails[idx].vsa
	return
}

// SetActiveStripeTail updates the open-stripe VSA for idx.
func (ctx *AllocatorContext) SetActiveStripeTail(idx ASTailArrayIdx, vsa layout.VirtualBlkAddr) {
	ctx.tails[idx].vsa = vsa
}

// GetActiveStripeTailLock returns the arbiter mutex for idx.
func (ctx *AllocatorContext) GetActiveStripeTailLock(idx ASTailArrayIdx) (mutex *trackedlock.Mutex) {
	mutex = &ctx.tails[idx].mutex
	return
}

// AllocWbStripe pops a free write-buffer stripe id. ok is false when the
// write buffer is fully occupied.
func (ctx *AllocatorContext) AllocWbStripe() (wbLsid layout.StripeID, ok bool) {
	ctx.wbMutex.Lock()
	if 0 == len(ctx.freeWbStripes) {
		ctx.wbMutex.Unlock()
		wbLsid = layout.UnmapStripe
		ok = false
		return
	}
	wbLsid = ctx.freeWbStripes[len(ctx.freeWbStripes)-1]
	ctx.freeWbStripes = ctx.freeWbStripes[:len(ctx.freeWbStripes)-1]
	ctx.wbStripeFree[wbLsid] = false
	ctx.wbMutex.Unlock()
	stats.IncrementOperations(&stats.StripeAllocOps)
	ok = true
	return
}

// ReleaseWbStripe returns wbLsid to the free pool. Releasing an id that is
// already free panics.
func (ctx *AllocatorContext) ReleaseWbStripe(wbLsid layout.StripeID) {
	ctx.wbMutex.Lock()
	if uint32(wbLsid) >= uint32(len(ctx.wbStripeFree)) {
		ctx.wbMutex.Unlock()
		panic(fmt.Sprintf("allocctx: ReleaseWbStripe(%v) out of range (%v slots)", wbLsid, len(ctx.wbStripeFree)))
	}
	if ctx.wbStripeFree[wbLsid] {
		ctx.wbMutex.Unlock()
		panic(fmt.Sprintf("allocctx: double ReleaseWbStripe(%v)", wbLsid))
	}
	ctx.wbStripeFree[wbLsid] = true
	ctx.freeWbStripes = append(ctx.freeWbStripes, wbLsid)
	ctx.wbMutex.Unlock()
	stats.IncrementOperations(&stats.StripeReleaseOps)
}

// FreeWbStripeCount returns how many write-buffer stripe ids are unallocated.
func (ctx *AllocatorContext) FreeWbStripeCount() (freeCount uint32) {
	ctx.wbMutex.Lock()
	freeCount = uint32(len(ctx.freeWbStripes))
	ctx.wbMutex.Unlock()
	return
}
