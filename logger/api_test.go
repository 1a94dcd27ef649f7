package logger

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/utils"
)

func testNestedFunc() {
	myint := 3
	TraceEnter("the prefix", 1, myint)
}

func TestAPI(t *testing.T) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"Logging.TraceLevelLogging=logger",
		"Logging.DebugLevelLogging=none",
	}

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatalf("%v", err)
	}

	err = Up(confMap)
	if nil != err {
		t.Fatalf("logger.Up(confMap) failed: %v", err)
	}

	Tracef("hello there!")
	Tracef("hello again, %s!", "you")
	Tracef("%v: %v", utils.GetFnName(), err)
	Warnf("%v: %v", "IAmTheCaller", "this is the error")
	err = fmt.Errorf("this is the error")
	ErrorfWithError(err, "we had an error!")

	testNestedFunc()

	err = Down()
	if nil != err {
		t.Fatalf("logger.Down() failed: %v", err)
	}
}

func TestLogTarget(t *testing.T) {
	var (
		target LogTarget
	)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
	})
	if nil != err {
		t.Fatalf("%v", err)
	}

	err = Up(confMap)
	if nil != err {
		t.Fatalf("logger.Up(confMap) failed: %v", err)
	}

	target.Init(4)
	AddLogTarget(target)

	Infof("log entry %d", 1)
	Warnf("log entry %d", 2)

	if 2 != target.LogBuf.TotalEntries {
		t.Fatalf("expected 2 log entries, got %d", target.LogBuf.TotalEntries)
	}
	if !strings.Contains(target.LogBuf.LogEntries[0], "log entry 2") {
		t.Fatalf("most recent entry should be at [0]; got %q", target.LogBuf.LogEntries[0])
	}
	if !strings.Contains(target.LogBuf.LogEntries[1], "log entry 1") {
		t.Fatalf("older entry should have shifted to [1]; got %q", target.LogBuf.LogEntries[1])
	}

	err = Down()
	if nil != err {
		t.Fatalf("logger.Down() failed: %v", err)
	}
}
