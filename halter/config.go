package halter

import (
	"sync"

	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/transitions"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModeHaltCB        func(err error)
}

var globals globalsStruct

// Up initializes the package and must successfully return before any API functions are invoked
func Up(confMap conf.ConfMap) (err error) {
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}
	globals.testModeHaltCB = nil
	err = nil
	return
}

// Down terminates the halter package
func Down() (err error) {
	// Nothing to do here
	err = nil
	return
}

func configureTestModeHaltCB(testHalt func(err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.Unlock()
}

type transitionsCallbackInterfaceStruct struct {
}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("halter", &transitionsCallbackInterface)
}

func (*transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	err = Up(confMap)
	return
}

func (*transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	err = Down()
	return
}
