package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDivideUp(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(0), DivideUp(0, 512))
	assert.Equal(uint64(1), DivideUp(1, 512))
	assert.Equal(uint64(1), DivideUp(512, 512))
	assert.Equal(uint64(2), DivideUp(513, 512))
	assert.Equal(uint64(3), DivideUp(1025, 512))

	defer func() {
		if nil == recover() {
			t.Fatalf("DivideUp() with zero divisor should have panicked")
		}
	}()
	_ = DivideUp(1, 0)
}

func TestGetAFnName(t *testing.T) {
	assert := assert.New(t)

	fnWithPackage := GetAFnName(0)
	assert.Equal(fnWithPackage, "utils.TestGetAFnName")

	fn, pkg, gid := GetFuncPackage(0)
	if 0 == gid { // Dummy reference to gid
	}
	assert.Equal(pkg, "utils")
	assert.Equal(fn, "TestGetAFnName")
}

func TestHexStr(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("00000000DEADBEEF", Uint64ToHexStr(0xDEADBEEF))

	u64, err := HexStrToUint64("00000000DEADBEEF")
	assert.Nil(err)
	assert.Equal(uint64(0xDEADBEEF), u64)

	_, err = HexStrToUint64("not hex")
	assert.NotNil(err)
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw1 := NewStopwatch()
	now := time.Now()

	startTime1 := sw1.StartTime
	assert.True(sw1.StartTime.Before(now), "time stopped!", startTime1, now) // Start time is in the past
	assert.True(sw1.StopTime.IsZero())                                       // Stop time isn't set yet
	assert.Equal(int64(sw1.ElapsedTime), int64(0))                           // Elapsed time isn't set yet
	assert.True(sw1.IsRunning)                                               // stopwatch is running

	sleepTime := 100 * time.Millisecond
	time.Sleep(sleepTime)

	assert.True(sw1.IsRunning) // stopwatch is still running
	elapsed1 := sw1.Stop()
	now = time.Now()

	assert.False(sw1.IsRunning)                                               // stopwatch is not running
	assert.False(sw1.StopTime.IsZero())                                       // Stop time is set
	assert.True(sw1.StopTime.Before(now), "time stopped!", sw1.StopTime, now) // Stop time is in the past
	assert.True(sw1.StartTime == startTime1)                                  // StartTime hasn't changed
	assert.True(elapsed1 >= sleepTime)                                        // elapsed time is reasonable

	assert.True(sw1.Elapsed() == elapsed1) // elapsed time is the same as what was returned by Stop()

	assert.True(sw1.ElapsedMs() == elapsed1.Nanoseconds()/int64(time.Millisecond))
	assert.True(sw1.ElapsedUs() == elapsed1.Nanoseconds()/int64(time.Microsecond))
}
