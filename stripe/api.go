// Package stripe implements the per-stripe handle of the write buffer: the
// counters tracking fill and reader traffic, the reverse-map pack populated
// as blocks land, and the exact-once flush submission guard.
package stripe

import (
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/lodestone-storage/lodestone/blunder"
	"github.com/lodestone-storage/lodestone/evtsched"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// Stripe is the in-memory handle for one write-buffer stripe. It is created
// unassigned; Assign() binds it to its ids exactly once.
//
// A Stripe may be referenced by readers past its registry slot's lifetime, so
// it is always handled by pointer and kept alive by refCount rather than by
// the slot alone.
type Stripe struct {
	vsid     layout.StripeID
	wbLsid   layout.StripeID
	userLsid layout.StripeID
	volumeID layout.VolumeID

	assigned          atomic.Bool
	refCount          atomic.Uint32
	blksRemaining     atomic.Uint32
	finished          atomic.Bool
	activeFlushTarget atomic.Bool
	flushSubmitted    atomic.Bool

	revMapPack []layout.RevMapEntry

	flushEvent evtsched.Event

	flushIoMutex trackedlock.Mutex
	flushIo      *FlushIo
}

// NewStripe returns a fresh, unassigned stripe with blksPerStripe blocks
// remaining and every reverse-map slot holding the unmapped sentinel.
func NewStripe(blksPerStripe uint32) (s *Stripe) {
	s = &Stripe{
		revMapPack: make([]layout.RevMapEntry, blksPerStripe),
	}
	s.blksRemaining.Store(blksPerStripe)
	for i := range s.revMapPack {
		s.revMapPack[i] = layout.RevMapEntry{Rba: layout.InvalidRBA, VolumeID: layout.UnmapVolume}
	}
	return
}

// Assign binds the stripe to its identifiers. Calling Assign twice on the
// same stripe panics.
func (s *Stripe) Assign(vsid layout.StripeID, wbLsid layout.StripeID, userLsid layout.StripeID, volumeID layout.VolumeID) {
	if !s.assigned.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("stripe: Assign() called twice for stripe vsid %v wbLsid %v", s.vsid, s.wbLsid))
	}
	s.vsid = vsid
	s.wbLsid = wbLsid
	s.userLsid = userLsid
	s.volumeID = volumeID
}

// Refer records one more reader holding the stripe through its LSA.
func (s *Stripe) Refer() {
	s.refCount.Inc()
}

// Derefer drops blockCount reader references.
func (s *Stripe) Derefer(blockCount uint32) {
	s.refCount.Sub(blockCount)
}

// DecreaseBlksRemaining subtracts blockCount from the unwritten-block count
// and returns the new value. Subtracting more than remain rejects the call
// and leaves the count unchanged.
func (s *Stripe) DecreaseBlksRemaining(blockCount uint32) (remaining uint32, err error) {
	for {
		current := s.blksRemaining.Load()
		if blockCount > current {
			err = blunder.NewError(blunder.WrongBlockCountError,
				"stripe: DecreaseBlksRemaining(%v) would underflow %v remaining on stripe vsid %v", blockCount, current, s.vsid)
			remaining = current
			return
		}
		if s.blksRemaining.CompareAndSwap(current, current-blockCount) {
			remaining = current - blockCount
			err = nil
			return
		}
	}
}

// UpdateReverseMapEntry records the origin of the block at blockOffset.
// Callers serialize writes to a given offset via the active-tail mutex.
func (s *Stripe) UpdateReverseMapEntry(blockOffset layout.BlkOffset, rba layout.RBA, volumeID layout.VolumeID) {
	s.revMapPack[blockOffset] = layout.RevMapEntry{Rba: rba, VolumeID: volumeID}
}

// RevMapPack returns the live reverse-map pack. The slice must be treated as
// read-only once the stripe becomes an active flush target.
func (s *Stripe) RevMapPack() (pack []layout.RevMapEntry) {
	pack = s.revMapPack
	return
}

// SetActiveFlushTarget marks the stripe as committed for flush. Idempotent;
// no further block writes are permitted once set.
func (s *Stripe) SetActiveFlushTarget() {
	s.activeFlushTarget.Store(true)
}

func (s *Stripe) IsActiveFlushTarget() (isTarget bool) {
	isTarget = s.activeFlushTarget.Load()
	return
}

// Flush accepts a flush-completion event for this stripe. It rejects with a
// negative errno if the stripe still has unwritten blocks or if a flush was
// already submitted. On acceptance the event is stored for the caller to
// schedule and 0 is returned.
func (s *Stripe) Flush(evt evtsched.Event) (rc int) {
	if 0 != s.blksRemaining.Load() {
		rc = -int(unix.EINVAL)
		return
	}
	if !s.flushSubmitted.CompareAndSwap(false, true) {
		rc = -int(unix.EBUSY)
		return
	}
	s.flushEvent = evt
	rc = 0
	return
}

// FlushEvent returns the event stored by an accepted Flush() call.
func (s *Stripe) FlushEvent() (evt evtsched.Event) {
	evt = s.flushEvent
	return
}

// MarkFinished publishes flush completion. All reverse-map writes made before
// this call are visible to any reader that observes IsFinished() == true.
func (s *Stripe) MarkFinished() {
	s.finished.Store(true)
	s.completeFlushIo()
}

func (s *Stripe) IsFinished() (isFinished bool) {
	isFinished = s.finished.Load()
	return
}

// UpdateFlushIo registers the stripe with flushIo so the caller can await all
// of its outstanding stripes at once. A stripe that already finished is not
// registered.
func (s *Stripe) UpdateFlushIo(flushIo *FlushIo) {
	s.flushIoMutex.Lock()
	if s.finished.Load() {
		s.flushIoMutex.Unlock()
		return
	}
	s.flushIo = flushIo
	flushIo.IncreasePendingStripe()
	s.flushIoMutex.Unlock()
}

func (s *Stripe) completeFlushIo() {
	s.flushIoMutex.Lock()
	if nil != s.flushIo {
		s.flushIo.CompletePendingStripe()
		s.flushIo = nil
	}
	s.flushIoMutex.Unlock()
}

func (s *Stripe) Vsid() (vsid layout.StripeID) {
	vsid = s.vsid
	return
}

func (s *Stripe) WbLsid() (wbLsid layout.StripeID) {
	wbLsid = s.wbLsid
	return
}

func (s *Stripe) UserLsid() (userLsid layout.StripeID) {
	userLsid = s.userLsid
	return
}

func (s *Stripe) VolumeID() (volumeID layout.VolumeID) {
	volumeID = s.volumeID
	return
}

func (s *Stripe) BlksRemaining() (remaining uint32) {
	remaining = s.blksRemaining.Load()
	return
}

func (s *Stripe) RefCount() (refCount uint32) {
	refCount = s.refCount.Load()
	return
}

// FlushIo counts stripes still draining on behalf of one volume-scoped
// quiesce call.
type FlushIo struct {
	volumeID layout.VolumeID
	pending  atomic.Int32
}

func NewFlushIo(volumeID layout.VolumeID) (flushIo *FlushIo) {
	flushIo = &FlushIo{volumeID: volumeID}
	return
}

func (flushIo *FlushIo) VolumeID() (volumeID layout.VolumeID) {
	volumeID = flushIo.volumeID
	return
}

func (flushIo *FlushIo) IncreasePendingStripe() {
	flushIo.pending.Inc()
}

func (flushIo *FlushIo) CompletePendingStripe() {
	if flushIo.pending.Dec() < 0 {
		panic("stripe: FlushIo.CompletePendingStripe() called more times than IncreasePendingStripe()")
	}
}

// IsCompleted reports whether every registered stripe has finished.
func (flushIo *FlushIo) IsCompleted() (completed bool) {
	completed = flushIo.pending.Load() <= 0
	return
}
