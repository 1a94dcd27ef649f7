package stripemgr

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/lodestone-storage/lodestone/halter"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/stripe"
)

// StripeLoadStatus tracks how many stripe reloads have been started and how
// many have completed, so the replay driver can wait for the batch to drain.
type StripeLoadStatus struct {
	started atomic.Uint32
	ended   atomic.Uint32
}

func NewStripeLoadStatus() (status *StripeLoadStatus) {
	status = &StripeLoadStatus{}
	return
}

func (status *StripeLoadStatus) Reset() {
	status.started.Store(0)
	status.ended.Store(0)
}

func (status *StripeLoadStatus) StripeLoadStarted() {
	status.started.Inc()
}

func (status *StripeLoadStatus) StripeLoadEnded() {
	status.ended.Inc()
}

func (status *StripeLoadStatus) IsDone() (done bool) {
	done = status.started.Load() == status.ended.Load()
	return
}

// LoadPendingStripesToWriteBuffer copies every reconstructed stripe that still
// lives in the write buffer area back from its user-area location into its
// write-buffer slot, then waits for the batch to complete. Runs during replay,
// before the data path is enabled.
func (mgr *WBStripeManager) LoadPendingStripesToWriteBuffer() (rc int) {
	mgr.loadStatus.Reset()

	for wbLsid := uint32(0); wbLsid < mgr.addrInfo.TotalNvmStripes; wbLsid++ {
		s := mgr.GetStripe(layout.StripeID(wbLsid))
		if nil == s {
			continue
		}
		lsa := mgr.stripeMap.GetLSA(s.Vsid())
		if !mgr.stripeMap.IsInWriteBufferArea(lsa) {
			continue
		}
		mgr.loadStripe(s)
	}

	for !mgr.loadStatus.IsDone() {
		time.Sleep(flushPollDelay)
	}
	rc = 0
	return
}

// loadStripe kicks off the read-then-write event chain for one stripe. The
// write buffer must be able to hold every reconstructed stripe; exhaustion of
// the chunk pool here means the geometry is inconsistent and is fatal.
func (mgr *WBStripeManager) loadStripe(s *stripe.Stripe) {
	halter.Trigger(halter.StripeMgrLoadStripeEntry)

	bufs, ok := mgr.acquireChunkBufs()
	if !ok {
		logger.Errorf("stripemgr: load of stripe vsid %v found the chunk pool exhausted", s.Vsid())
		panic(fmt.Sprintf("stripemgr: chunk pool exhausted while loading stripe vsid %v into wbLsid %v", s.Vsid(), s.WbLsid()))
	}

	mgr.loadStatus.StripeLoadStarted()
	logger.Infof("stripemgr: loading stripe vsid %d into wbLsid %d from userLsid %d", s.Vsid(), s.WbLsid(), s.UserLsid())
	mgr.scheduler.EnqueueEvent(&readStripeEvent{mgr: mgr, s: s, bufs: bufs})
}

// readStripeEvent reads the stripe's user-area content into the chunk bufs.
type readStripeEvent struct {
	mgr  *WBStripeManager
	s    *stripe.Stripe
	bufs [][]byte
}

func (evt *readStripeEvent) Execute() (done bool) {
	userLsa := layout.StripeAddr{Loc: layout.LocInUserArea, StripeID: evt.s.UserLsid()}
	err := evt.mgr.device.ReadStripe(userLsa, evt.bufs)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: load of stripe vsid %v could not read userLsid %v", evt.s.Vsid(), evt.s.UserLsid())
		evt.mgr.releaseChunkBufs(evt.bufs)
		evt.mgr.loadStatus.StripeLoadEnded()
		done = true
		return
	}
	evt.mgr.scheduler.EnqueueEvent(&readStripeCompletionEvent{mgr: evt.mgr, s: evt.s, bufs: evt.bufs})
	done = true
	return
}

// readStripeCompletionEvent writes the fetched content into the stripe's
// write-buffer slot.
type readStripeCompletionEvent struct {
	mgr  *WBStripeManager
	s    *stripe.Stripe
	bufs [][]byte
}

func (evt *readStripeCompletionEvent) Execute() (done bool) {
	wbLsa := layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: evt.s.WbLsid()}
	err := evt.mgr.device.WriteStripe(wbLsa, evt.bufs)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: load of stripe vsid %v could not write wbLsid %v", evt.s.Vsid(), evt.s.WbLsid())
		evt.mgr.releaseChunkBufs(evt.bufs)
		evt.mgr.loadStatus.StripeLoadEnded()
		done = true
		return
	}
	evt.mgr.scheduler.EnqueueEvent(&writeStripeCompletionEvent{mgr: evt.mgr, s: evt.s, bufs: evt.bufs})
	done = true
	return
}

// writeStripeCompletionEvent finalizes one stripe load: buffers go back to
// the pool and the batch counter advances.
type writeStripeCompletionEvent struct {
	mgr  *WBStripeManager
	s    *stripe.Stripe
	bufs [][]byte
}

func (evt *writeStripeCompletionEvent) Execute() (done bool) {
	evt.mgr.releaseChunkBufs(evt.bufs)
	stats.IncrementOperationsAndBucketedBytes(stats.StripeLoad, evt.mgr.addrInfo.StripeBytes())
	evt.mgr.loadStatus.StripeLoadEnded()
	halter.Trigger(halter.StripeMgrLoadStripeExit)
	done = true
	return
}
