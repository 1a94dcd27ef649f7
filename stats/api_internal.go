// Package stats provides a simple statsd client API.
package stats

import (
	"sync"
)

func (ms MultipleStat) findStatStrings(numBytes uint64) (ops *string, bytes *string, bbytes *string) {
	switch ms {
	case StripeFlush:
		// stripe flush uses operations, op bucketed bytes, and bytes stats
		ops = &StripeFlushOps
		bytes = &StripeFlushBytes
		if numBytes <= 4096 {
			bbytes = &StripeFlushOps4K
		} else if numBytes <= 8192 {
			bbytes = &StripeFlushOps8K
		} else if numBytes <= 16384 {
			bbytes = &StripeFlushOps16K
		} else if numBytes <= 32768 {
			bbytes = &StripeFlushOps32K
		} else if numBytes <= 65536 {
			bbytes = &StripeFlushOps64K
		} else {
			bbytes = &StripeFlushOpsOver64K
		}
	case StripeLoad:
		// stripe load uses operations, op bucketed bytes, and bytes stats
		ops = &StripeLoadOps
		bytes = &StripeLoadBytes
		if numBytes <= 4096 {
			bbytes = &StripeLoadOps4K
		} else if numBytes <= 8192 {
			bbytes = &StripeLoadOps8K
		} else if numBytes <= 16384 {
			bbytes = &StripeLoadOps16K
		} else if numBytes <= 32768 {
			bbytes = &StripeLoadOps32K
		} else if numBytes <= 65536 {
			bbytes = &StripeLoadOps64K
		} else {
			bbytes = &StripeLoadOpsOver64K
		}
	case RevMapStore:
		// revmap store uses operations and bytes stats
		ops = &RevMapStoreOps
		bytes = &RevMapStoreBytes
	}
	return
}

func dump() (statMap map[string]uint64) {
	globals.Lock()
	numStats := len(globals.statFullMap)
	statMap = make(map[string]uint64, numStats)
	for statKey, statValue := range globals.statFullMap {
		statMap[statKey] = statValue
	}
	globals.Unlock()
	return
}

var statStructPool sync.Pool = sync.Pool{
	New: func() interface{} {
		return &statStruct{}
	},
}

func incrementSomething(statName *string, incBy uint64) {
	if incBy == 0 {
		// No point in incrementing by zero
		return
	}

	// if stats are not enabled yet, just ignore (reduce a window while
	// stats are shutting down by saving the channel to a local variable)
	statChan := globals.statChan
	if statChan == nil {
		return
	}

	stat := statStructPool.Get().(*statStruct)
	stat.name = statName
	stat.increment = incBy
	statChan <- stat
}

func incrementOperations(statName *string) {
	incrementSomething(statName, 1)
}

func incrementOperationsBy(statName *string, incBy uint64) {
	incrementSomething(statName, incBy)
}

func incrementOperationsAndBytes(stat MultipleStat, bytes uint64) {
	opsStat, bytesStat, _ := stat.findStatStrings(bytes)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
}

func incrementOperationsAndBucketedBytes(stat MultipleStat, bytes uint64) {
	opsStat, bytesStat, bbytesStat := stat.findStatStrings(bytes)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
	incrementSomething(bbytesStat, 1)
}
