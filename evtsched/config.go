package evtsched

import (
	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/transitions"
)

type globalsStruct struct {
	workerCount uint32
	scheduler   *EventScheduler
}

var globals globalsStruct

// Up starts the package-wide scheduler with [EventScheduler]WorkerCount
// workers (default 4).
func Up(confMap conf.ConfMap) (err error) {
	globals.workerCount, err = confMap.FetchOptionValueUint32("EventScheduler", "WorkerCount")
	if nil != err {
		globals.workerCount = 4
		err = nil
	}
	if 0 == globals.workerCount {
		globals.workerCount = 4
	}
	globals.scheduler = New(globals.workerCount)
	logger.Infof("evtsched.Up(): started %d workers", globals.workerCount)
	return
}

// Down stops the package-wide scheduler, draining its queue.
func Down() (err error) {
	if nil != globals.scheduler {
		globals.scheduler.Stop()
		globals.scheduler = nil
	}
	err = nil
	return
}

// Scheduler returns the scheduler started by Up().
func Scheduler() (scheduler *EventScheduler) {
	scheduler = globals.scheduler
	return
}

type transitionsCallbackInterfaceStruct struct {
}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("evtsched", &transitionsCallbackInterface)
}

func (*transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	err = Up(confMap)
	return
}

func (*transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	err = Down()
	return
}
