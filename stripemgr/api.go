// Package stripemgr implements the write-buffer stripe manager: the registry
// of in-flight write-buffer stripes, the active-tail arbiter, the flush and
// quiesce coordinators, and the replay-time reconstruction and reload paths.
package stripemgr

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/lodestone-storage/lodestone/allocctx"
	"github.com/lodestone-storage/lodestone/blockdev"
	"github.com/lodestone-storage/lodestone/bufferpool"
	"github.com/lodestone-storage/lodestone/evtsched"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/qos"
	"github.com/lodestone-storage/lodestone/revmap"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/stripe"
	"github.com/lodestone-storage/lodestone/stripemap"
	"github.com/lodestone-storage/lodestone/trackedlock"
	"github.com/lodestone-storage/lodestone/utils"
	"github.com/lodestone-storage/lodestone/volumemgr"
)

const flushPollDelay = 1 * time.Microsecond

// WBStripeManager owns the lifecycle of write-buffer stripes from allocation
// through flush completion. All collaborators are required at construction.
type WBStripeManager struct {
	addrInfo  *layout.AddressInfo
	stripeMap *stripemap.StripeMap
	revMapMgr *revmap.ReverseMapManager
	volumeMgr *volumemgr.VolumeManager
	allocCtx  *allocctx.AllocatorContext
	qosMgr    *qos.QosManager
	scheduler *evtsched.EventScheduler
	device    blockdev.StripeDevice
	arrayName string
	arrayID   uint32

	pool *bufferpool.BufferPool

	slotMutex trackedlock.RWMutex
	slots     []*stripe.Stripe

	loadStatus *StripeLoadStatus
}

// New wires a stripe manager to its collaborators. Init() must be called
// before any operation.
func New(addrInfo *layout.AddressInfo, stripeMap *stripemap.StripeMap, revMapMgr *revmap.ReverseMapManager, volumeMgr *volumemgr.VolumeManager, allocCtx *allocctx.AllocatorContext, qosMgr *qos.QosManager, scheduler *evtsched.EventScheduler, device blockdev.StripeDevice, arrayName string, arrayID uint32) (mgr *WBStripeManager) {
	mgr = &WBStripeManager{
		addrInfo:  addrInfo,
		stripeMap: stripeMap,
		revMapMgr: revMapMgr,
		volumeMgr: volumeMgr,
		allocCtx:  allocCtx,
		qosMgr:    qosMgr,
		scheduler: scheduler,
		device:    device,
		arrayName: arrayName,
		arrayID:   arrayID,
	}
	return
}

// Init creates the chunk buffer pool and the empty stripe registry.
func (mgr *WBStripeManager) Init() (err error) {
	mgr.pool = bufferpool.CreateBufferPool(mgr.arrayName, mgr.addrInfo.ChunkSize, mgr.addrInfo.TotalNvmStripes*mgr.addrInfo.ChunksPerStripe)
	mgr.slots = make([]*stripe.Stripe, mgr.addrInfo.TotalNvmStripes)
	mgr.loadStatus = NewStripeLoadStatus()
	logger.Infof("stripemgr: initialized for array %s: %d write buffer stripes of %d blocks",
		mgr.arrayName, mgr.addrInfo.TotalNvmStripes, mgr.addrInfo.BlksPerStripe)
	err = nil
	return
}

// Dispose tears the manager down. Idempotent.
func (mgr *WBStripeManager) Dispose() {
	if nil != mgr.pool {
		bufferpool.DeleteBufferPool(mgr.pool)
		mgr.pool = nil
	}
	mgr.slotMutex.Lock()
	mgr.slots = nil
	mgr.slotMutex.Unlock()
	mgr.loadStatus = nil
}

// AssignStripe places s into the registry slot named by its wbLsid. The slot
// must be empty.
func (mgr *WBStripeManager) AssignStripe(s *stripe.Stripe) {
	wbLsid := s.WbLsid()
	mgr.slotMutex.Lock()
	if uint32(wbLsid) >= uint32(len(mgr.slots)) {
		mgr.slotMutex.Unlock()
		panic(fmt.Sprintf("stripemgr: AssignStripe(wbLsid %v) out of range (%v slots)", wbLsid, mgr.addrInfo.TotalNvmStripes))
	}
	if nil != mgr.slots[wbLsid] {
		mgr.slotMutex.Unlock()
		panic(fmt.Sprintf("stripemgr: AssignStripe(wbLsid %v) slot already occupied by vsid %v", wbLsid, mgr.slots[wbLsid].Vsid()))
	}
	mgr.slots[wbLsid] = s
	mgr.slotMutex.Unlock()
	mgr.qosMgr.IncreaseUsedStripeCnt(mgr.arrayName)
}

// GetStripe returns the stripe registered at wbLsid, or nil if the slot is
// empty or out of range.
func (mgr *WBStripeManager) GetStripe(wbLsid layout.StripeID) (s *stripe.Stripe) {
	mgr.slotMutex.RLock()
	if uint32(wbLsid) >= uint32(len(mgr.slots)) {
		mgr.slotMutex.RUnlock()
		logger.Errorf("stripemgr: GetStripe(wbLsid %v) out of range (%v slots)", wbLsid, mgr.addrInfo.TotalNvmStripes)
		s = nil
		return
	}
	s = mgr.slots[wbLsid]
	mgr.slotMutex.RUnlock()
	return
}

// getStripeByLSA resolves lsa to a registered stripe. Addresses in the user
// area yield nil: the stripe no longer lives in the write buffer.
func (mgr *WBStripeManager) getStripeByLSA(lsa layout.StripeAddr) (s *stripe.Stripe) {
	if mgr.stripeMap.IsInUserDataArea(lsa) {
		s = nil
		return
	}
	s = mgr.GetStripe(lsa.StripeID)
	return
}

// FreeWBStripeId releases the registry slot at wbLsid, returns the stripe id
// to the allocator context, and drops the array's used-stripe count. The
// registered stripe must have finished.
func (mgr *WBStripeManager) FreeWBStripeId(wbLsid layout.StripeID) {
	mgr.slotMutex.Lock()
	if uint32(wbLsid) >= uint32(len(mgr.slots)) {
		mgr.slotMutex.Unlock()
		panic(fmt.Sprintf("stripemgr: FreeWBStripeId(wbLsid %v) out of range (%v slots)", wbLsid, mgr.addrInfo.TotalNvmStripes))
	}
	s := mgr.slots[wbLsid]
	if nil == s {
		mgr.slotMutex.Unlock()
		panic(fmt.Sprintf("stripemgr: FreeWBStripeId(wbLsid %v) slot is empty", wbLsid))
	}
	if !s.IsFinished() {
		mgr.slotMutex.Unlock()
		panic(fmt.Sprintf("stripemgr: FreeWBStripeId(wbLsid %v) stripe vsid %v has not finished", wbLsid, s.Vsid()))
	}
	mgr.slots[wbLsid] = nil
	mgr.slotMutex.Unlock()

	mgr.allocCtx.ReleaseWbStripe(wbLsid)
	mgr.qosMgr.DecreaseUsedStripeCnt(mgr.arrayName)
}

// ReferLsidCnt takes a reader reference on the stripe behind lsa. It returns
// false without touching anything when lsa has already departed the write
// buffer.
func (mgr *WBStripeManager) ReferLsidCnt(lsa layout.StripeAddr) (ok bool) {
	s := mgr.getStripeByLSA(lsa)
	if nil == s {
		ok = false
		return
	}
	s.Refer()
	ok = true
	return
}

// DereferLsidCnt drops blockCount reader references from the stripe behind
// lsa.
func (mgr *WBStripeManager) DereferLsidCnt(lsa layout.StripeAddr, blockCount uint32) (ok bool) {
	s := mgr.getStripeByLSA(lsa)
	if nil == s {
		ok = false
		return
	}
	s.Derefer(blockCount)
	ok = true
	return
}

// getRemainingBlocks turns an active tail VSA into the range of blocks still
// unwritten in its stripe. A tail with no meaningful offset yields the null
// range.
func (mgr *WBStripeManager) getRemainingBlocks(tailVsa layout.VirtualBlkAddr) (remaining layout.VirtualBlks) {
	remaining = layout.VirtualBlks{StartVsa: layout.UnmapVSA, NumBlks: 0}

	if layout.IsUnmapVsa(tailVsa) || layout.UnmapOffset == tailVsa.Offset {
		return
	}
	if uint64(tailVsa.Offset) > uint64(mgr.addrInfo.BlksPerStripe) {
		logger.Errorf("stripemgr: tail offset %v exceeds %v blocks per stripe (vsid %v)", tailVsa.Offset, mgr.addrInfo.BlksPerStripe, tailVsa.StripeID)
		return
	}
	if uint64(tailVsa.Offset) == uint64(mgr.addrInfo.BlksPerStripe) {
		return
	}

	remaining = layout.VirtualBlks{
		StartVsa: tailVsa,
		NumBlks:  mgr.addrInfo.BlksPerStripe - uint32(tailVsa.Offset),
	}
	return
}

// fillBlocksToStripe pads the unwritten tail of s with unmapped reverse-map
// entries, commits it for flush, and drops the remaining-block count.
// flushRequired reports that the stripe is now full.
func (mgr *WBStripeManager) fillBlocksToStripe(s *stripe.Stripe, blocks layout.VirtualBlks) (flushRequired bool) {
	if blocks.NumBlks > 0 {
		startOffset := blocks.StartVsa.Offset
		for i := uint32(0); i < blocks.NumBlks; i++ {
			s.UpdateReverseMapEntry(startOffset+layout.BlkOffset(i), layout.InvalidRBA, layout.UnmapVolume)
		}
	}
	s.SetActiveFlushTarget()
	remaining, err := s.DecreaseBlksRemaining(blocks.NumBlks)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: fill of stripe vsid %v failed", s.Vsid())
		flushRequired = false
		return
	}
	flushRequired = 0 == remaining
	return
}

// FinishStripe commits the stripe at wbLsid for flush, padding the tail
// range derived from tailVsa. Submission of the flush itself is left to the
// writer path's subsequent FlushAllPendingStripes call.
func (mgr *WBStripeManager) FinishStripe(wbLsid layout.StripeID, tailVsa layout.VirtualBlkAddr) {
	if uint32(wbLsid) >= mgr.addrInfo.TotalNvmStripes {
		logger.Errorf("stripemgr: FinishStripe(wbLsid %v) out of range (%v slots)", wbLsid, mgr.addrInfo.TotalNvmStripes)
		return
	}
	s := mgr.GetStripe(wbLsid)
	if nil == s {
		logger.Errorf("stripemgr: FinishStripe(wbLsid %v) slot is empty", wbLsid)
		return
	}
	blocks := mgr.getRemainingBlocks(tailVsa)
	_ = mgr.fillBlocksToStripe(s, blocks)
	stats.IncrementOperations(&stats.StripeFinishOps)
}

// finishActiveStripe sweeps the open tail at idx, if any. It holds the
// active-tail mutex across the read-and-clear, then fills the remaining
// range and submits the flush synchronously.
func (mgr *WBStripeManager) finishActiveStripe(idx allocctx.ASTailArrayIdx) (s *stripe.Stripe) {
	tailMutex := mgr.allocCtx.GetActiveStripeTailLock(idx)
	tailMutex.Lock()

	tailVsa := mgr.allocCtx.GetActiveStripeTail(idx)
	if layout.IsUnmapVsa(tailVsa) {
		tailMutex.Unlock()
		s = nil
		return
	}

	lsa := mgr.stripeMap.GetLSA(tailVsa.StripeID)
	if mgr.stripeMap.IsInUserDataArea(lsa) || layout.IsUnmapStripe(lsa.StripeID) {
		tailMutex.Unlock()
		s = nil
		return
	}

	blocks := mgr.getRemainingBlocks(tailVsa)
	wbLsid := lsa.StripeID
	mgr.allocCtx.SetActiveStripeTail(idx, layout.UnmapVSA)
	tailMutex.Unlock()

	if 0 == blocks.NumBlks {
		s = nil
		return
	}

	s = mgr.finishRemainingBlocks(wbLsid, blocks)
	return
}

// finishRemainingBlocks fills blocks into the stripe at wbLsid and, when the
// stripe fills, submits its flush directly.
func (mgr *WBStripeManager) finishRemainingBlocks(wbLsid layout.StripeID, blocks layout.VirtualBlks) (s *stripe.Stripe) {
	s = mgr.GetStripe(wbLsid)
	if nil == s {
		logger.Errorf("stripemgr: finishRemainingBlocks(wbLsid %v) slot is empty", wbLsid)
		return
	}
	flushRequired := mgr.fillBlocksToStripe(s, blocks)
	if flushRequired {
		rc := mgr.requestStripeFlush(s)
		if rc < 0 {
			logger.Errorf("stripemgr: flush submission for stripe vsid %v failed with %v", s.Vsid(), rc)
		}
	}
	stats.IncrementOperations(&stats.StripeFinishOps)
	return
}

// requestStripeFlush binds a flush-submission event to s and hands it to the
// stripe's exact-once flush gate. On acceptance the event is scheduled.
func (mgr *WBStripeManager) requestStripeFlush(s *stripe.Stripe) (rc int) {
	evt := newFlushSubmission(mgr, s)
	rc = s.Flush(evt)
	if 0 == rc {
		mgr.scheduler.EnqueueEvent(evt)
	}
	return
}

// FlushAllPendingStripes submits a flush for every registered stripe that is
// full but not yet finished. It returns the last negative submission code
// seen (0 if none).
//
// Intended for replay, before the data path is enabled; the scan takes no
// per-slot lock and is unsafe concurrent with writers.
func (mgr *WBStripeManager) FlushAllPendingStripes() (rc int) {
	var errs *multierror.Error

	rc = 0
	for wbLsid := uint32(0); wbLsid < mgr.addrInfo.TotalNvmStripes; wbLsid++ {
		s := mgr.GetStripe(layout.StripeID(wbLsid))
		if nil == s || 0 != s.BlksRemaining() || s.IsFinished() {
			continue
		}
		if submitRc := mgr.requestStripeFlush(s); submitRc < 0 {
			errs = multierror.Append(errs, fmt.Errorf("wbLsid %v: submission failed with %v", wbLsid, submitRc))
			rc = submitRc
		}
	}
	if nil != errs.ErrorOrNil() {
		logger.Errorf("stripemgr: FlushAllPendingStripes() had failures: %v", errs)
	}
	stats.IncrementOperations(&stats.StripePendingScans)
	return
}

// FlushAllWbStripes sweeps every volume's open tail, then waits until every
// registered stripe has drained and finished.
func (mgr *WBStripeManager) FlushAllWbStripes() (rc int) {
	for volumeID := uint32(0); volumeID < mgr.addrInfo.MaxVolumeCount; volumeID++ {
		_ = mgr.finishActiveStripe(allocctx.ASTailArrayIdx(volumeID))
	}
	for wbLsid := uint32(0); wbLsid < mgr.addrInfo.TotalNvmStripes; wbLsid++ {
		s := mgr.GetStripe(layout.StripeID(wbLsid))
		if nil == s {
			continue
		}
		mgr.waitForStripeFlushComplete(s)
	}
	rc = 0
	return
}

// FlushAllPendingStripesInVolume finishes volumeID's active stripe and waits
// for every registered stripe of that volume to drain and finish.
func (mgr *WBStripeManager) FlushAllPendingStripesInVolume(volumeID layout.VolumeID) (rc int) {
	_ = mgr.finishActiveStripe(allocctx.ASTailArrayIdx(volumeID))
	for wbLsid := uint32(0); wbLsid < mgr.addrInfo.TotalNvmStripes; wbLsid++ {
		s := mgr.GetStripe(layout.StripeID(wbLsid))
		if nil == s || volumeID != s.VolumeID() {
			continue
		}
		mgr.waitForStripeFlushComplete(s)
	}
	rc = 0
	return
}

// FlushAllPendingStripesInVolumeAsync finishes volumeID's active stripe and
// attaches flushIo to every registered stripe of that volume so the caller
// can await their completion collectively. Volumes that are not mounted are
// skipped.
func (mgr *WBStripeManager) FlushAllPendingStripesInVolumeAsync(volumeID layout.VolumeID, flushIo *stripe.FlushIo) (rc int) {
	rc = 0
	if volumemgr.VolumeMounted != mgr.volumeMgr.GetVolumeMountStatus(volumeID) {
		return
	}

	picked := mgr.finishActiveStripe(allocctx.ASTailArrayIdx(volumeID))
	if nil != picked {
		logger.Infof("stripemgr: picked active stripe of volume %d: wbLsid %d vsid %d remaining %d",
			volumeID, picked.WbLsid(), picked.Vsid(), picked.BlksRemaining())
	}

	for wbLsid := uint32(0); wbLsid < mgr.addrInfo.TotalNvmStripes; wbLsid++ {
		s := mgr.GetStripe(layout.StripeID(wbLsid))
		if nil == s || volumeID != s.VolumeID() {
			continue
		}
		s.UpdateFlushIo(flushIo)
	}
	return
}

// waitForStripeFlushComplete polls until s has both drained and finished.
// Forward progress is an invariant of the flush machinery; there is no
// deadline.
func (mgr *WBStripeManager) waitForStripeFlushComplete(s *stripe.Stripe) {
	for {
		if 0 == s.BlksRemaining() && s.IsFinished() {
			return
		}
		time.Sleep(flushPollDelay)
	}
}

// ReconstructActiveStripe rebuilds the stripe that was open at (wbLsid,
// tailVsa) when the previous instance went down, registers it, and restores
// its reverse-map pack from the replay log findings plus the volume map.
func (mgr *WBStripeManager) ReconstructActiveStripe(volumeID layout.VolumeID, wbLsid layout.StripeID, tailVsa layout.VirtualBlkAddr, revMapInfos map[layout.BlkOffset]layout.RevMapEntry) (rc int) {
	s := stripe.NewStripe(mgr.addrInfo.BlksPerStripe)
	vsid := tailVsa.StripeID
	userLsid := mgr.addrInfo.VsidToUserLsid(vsid)
	s.Assign(vsid, wbLsid, userLsid, volumeID)
	mgr.AssignStripe(s)

	rc = mgr.reconstructAS(s, tailVsa.Offset)
	if rc < 0 {
		return
	}

	sizeBytes, err := mgr.volumeMgr.GetVolumeSize(volumeID)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: ReconstructActiveStripe(volume %v) could not size volume", volumeID)
		rc = -int(unix.ENODEV)
		return
	}
	totalRbaNum := utils.DivideUp(sizeBytes, mgr.addrInfo.BlockSize)

	rc = mgr.revMapMgr.ReconstructReverseMap(volumeID, totalRbaNum, wbLsid, vsid, tailVsa.Offset, revMapInfos, s.RevMapPack())
	return
}

// reconstructAS replays the fill state of a reconstructed stripe: offset
// blocks were written before the shutdown. A zero offset is rejected; the
// stripe would not have been open.
func (mgr *WBStripeManager) reconstructAS(s *stripe.Stripe, offset layout.BlkOffset) (rc int) {
	if 0 == offset {
		logger.Errorf("stripemgr: reconstruct of stripe vsid %v rejected: zero blocks written", s.Vsid())
		rc = -int(unix.EINVAL)
		return
	}
	_, err := s.DecreaseBlksRemaining(uint32(offset))
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: reconstruct of stripe vsid %v failed", s.Vsid())
		rc = -int(unix.EINVAL)
		return
	}
	rc = 0
	return
}
