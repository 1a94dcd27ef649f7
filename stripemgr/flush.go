package stripemgr

import (
	"github.com/lodestone-storage/lodestone/halter"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/stripe"
)

// flushSubmission copies one full write-buffer stripe to its user-area home,
// persists the reverse-map pack, repoints the stripe map, and releases the
// write-buffer slot. It runs on the event scheduler; Execute() returning
// false asks the scheduler to retry (the chunk buffer pool was exhausted).
type flushSubmission struct {
	mgr *WBStripeManager
	s   *stripe.Stripe
}

func newFlushSubmission(mgr *WBStripeManager, s *stripe.Stripe) (evt *flushSubmission) {
	evt = &flushSubmission{mgr: mgr, s: s}
	return
}

func (evt *flushSubmission) Execute() (done bool) {
	var (
		bufs [][]byte
		err  error
		mgr  = evt.mgr
		s    = evt.s
	)

	halter.Trigger(halter.StripeMgrFlushStripeEntry)

	bufs, done = mgr.acquireChunkBufs()
	if !done {
		return
	}
	defer mgr.releaseChunkBufs(bufs)

	wbLsa := layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: s.WbLsid()}
	userLsa := layout.StripeAddr{Loc: layout.LocInUserArea, StripeID: s.UserLsid()}

	err = mgr.device.ReadStripe(wbLsa, bufs)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: flush of stripe vsid %v could not read wbLsid %v", s.Vsid(), s.WbLsid())
		done = true
		return
	}
	err = mgr.device.WriteStripe(userLsa, bufs)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: flush of stripe vsid %v could not write userLsid %v", s.Vsid(), s.UserLsid())
		done = true
		return
	}

	err = mgr.revMapMgr.FlushRevMapPack(s)
	if nil != err {
		logger.ErrorfWithError(err, "stripemgr: flush of stripe vsid %v could not persist its reverse map", s.Vsid())
		done = true
		return
	}

	mgr.stripeMap.SetLSA(s.Vsid(), s.UserLsid(), layout.LocInUserArea)
	s.MarkFinished()
	stats.IncrementOperationsAndBucketedBytes(stats.StripeFlush, mgr.addrInfo.StripeBytes())

	mgr.FreeWBStripeId(s.WbLsid())

	halter.Trigger(halter.StripeMgrFlushStripeExit)
	done = true
	return
}

// acquireChunkBufs pulls one buffer per chunk from the pool. On exhaustion it
// releases whatever it acquired and reports !ok so the caller can retry.
func (mgr *WBStripeManager) acquireChunkBufs() (bufs [][]byte, ok bool) {
	bufs = make([][]byte, 0, mgr.addrInfo.ChunksPerStripe)
	for i := uint32(0); i < mgr.addrInfo.ChunksPerStripe; i++ {
		buf := mgr.pool.TryGetBuffer()
		if nil == buf {
			mgr.releaseChunkBufs(bufs)
			bufs = nil
			ok = false
			return
		}
		bufs = append(bufs, buf)
	}
	ok = true
	return
}

func (mgr *WBStripeManager) releaseChunkBufs(bufs [][]byte) {
	for _, buf := range bufs {
		mgr.pool.ReturnBuffer(buf)
	}
}
