// Package qos keeps per-array used-stripe accounting for the write buffer.
// Deltas are mirrored to the telemetry publisher.
package qos

import (
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// QosManager counts write-buffer stripes in use, per array name.
type QosManager struct {
	mutex         trackedlock.Mutex
	usedStripeCnt map[string]uint32
}

func New() (qosMgr *QosManager) {
	qosMgr = &QosManager{
		usedStripeCnt: make(map[string]uint32),
	}
	return
}

// IncreaseUsedStripeCnt records one more write-buffer stripe in use on
// arrayName.
func (qosMgr *QosManager) IncreaseUsedStripeCnt(arrayName string) {
	qosMgr.mutex.Lock()
	qosMgr.usedStripeCnt[arrayName]++
	qosMgr.mutex.Unlock()
	stats.IncrementOperations(&stats.QosUsedStripeIncOps)
}

// DecreaseUsedStripeCnt records one write-buffer stripe released on
// arrayName. Decrementing past zero is logged and ignored.
func (qosMgr *QosManager) DecreaseUsedStripeCnt(arrayName string) {
	qosMgr.mutex.Lock()
	if 0 == qosMgr.usedStripeCnt[arrayName] {
		qosMgr.mutex.Unlock()
		logger.Errorf("qos: DecreaseUsedStripeCnt(%s) called with zero stripes in use", arrayName)
		return
	}
	qosMgr.usedStripeCnt[arrayName]--
	qosMgr.mutex.Unlock()
	stats.IncrementOperations(&stats.QosUsedStripeDecOps)
}

// UsedStripeCnt returns how many write-buffer stripes arrayName currently
// has in use.
func (qosMgr *QosManager) UsedStripeCnt(arrayName string) (usedCnt uint32) {
	qosMgr.mutex.Lock()
	usedCnt = qosMgr.usedStripeCnt[arrayName]
	qosMgr.mutex.Unlock()
	return
}
