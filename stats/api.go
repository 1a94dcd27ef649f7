// Package stats provides a simple statsd client API.
package stats

type MultipleStat int

const (
	StripeFlush MultipleStat = iota // uses operations, op bucketed bytes, and bytes stats
	StripeLoad                      // uses operations, op bucketed bytes, and bytes stats
	RevMapStore                     // uses operations and bytes stats
)

// Dump returns a map of all accumulated stats since process start.
//
//   Key   is a string containing the name of the stat
//   Value is the accumulation of all increments for the stat since process start
func Dump() (statMap map[string]uint64) {
	statMap = dump()
	return
}

// IncrementOperations sends an increment of .operations to statsd.
func IncrementOperations(statName *string) {
	// Do this in a goroutine since channel operations are suprisingly expensive due to locking underneath
	go incrementOperations(statName)
}

// IncrementOperationsBy sends an increment by <incBy> of .operations to statsd.
func IncrementOperationsBy(statName *string, incBy uint64) {
	// Do this in a goroutine since channel operations are suprisingly expensive due to locking underneath
	go incrementOperationsBy(statName, incBy)
}

// IncrementOperationsAndBytes sends an increment of .operations and .bytes to statsd.
func IncrementOperationsAndBytes(stat MultipleStat, bytes uint64) {
	// Do this in a goroutine since channel operations are suprisingly expensive due to locking underneath
	go incrementOperationsAndBytes(stat, bytes)
}

// IncrementOperationsAndBucketedBytes sends an increment of .operations, .bytes, and the appropriate .operations.size-* to statsd.
func IncrementOperationsAndBucketedBytes(stat MultipleStat, bytes uint64) {
	// Do this in a goroutine since channel operations are suprisingly expensive due to locking underneath
	go incrementOperationsAndBucketedBytes(stat, bytes)
}
