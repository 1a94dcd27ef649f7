package stripemgr

import (
	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/transitions"
)

type globalsStruct struct {
	arrayName string
	arrayID   uint32
}

var globals globalsStruct

// Up reads [StripeManager]ArrayName and [StripeManager]ArrayID. The manager
// itself is constructed explicitly with New(); this only carries the array
// identity for callers that assemble one from configuration.
func Up(confMap conf.ConfMap) (err error) {
	globals.arrayName, err = confMap.FetchOptionValueString("StripeManager", "ArrayName")
	if nil != err {
		globals.arrayName = "array0"
		err = nil
	}
	globals.arrayID, err = confMap.FetchOptionValueUint32("StripeManager", "ArrayID")
	if nil != err {
		globals.arrayID = 0
		err = nil
	}
	logger.Infof("stripemgr.Up(): array %s (id %d)", globals.arrayName, globals.arrayID)
	return
}

func Down() (err error) {
	globals.arrayName = ""
	globals.arrayID = 0
	err = nil
	return
}

// ArrayName returns the configured array name.
func ArrayName() (arrayName string) {
	arrayName = globals.arrayName
	return
}

// ArrayID returns the configured array id.
func ArrayID() (arrayID uint32) {
	arrayID = globals.arrayID
	return
}

type transitionsCallbackInterfaceStruct struct {
}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("stripemgr", &transitionsCallbackInterface)
}

func (*transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	err = Up(confMap)
	return
}

func (*transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	err = Down()
	return
}
