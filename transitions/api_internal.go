package transitions

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/logger"
)

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex
	registrationList []registrationItemStruct
	currentlyUp      bool
}

var globals globalsStruct

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

func init() {
	register("logger", &loggerCallbacksInterface)
}

func (*loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	err = logger.Up(confMap)
	return
}

func (*loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	err = logger.Down()
	return
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	globals.registrationList = append(globals.registrationList, registrationItemStruct{packageName: packageName, callbacks: callbacks})
	globals.Unlock()
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if globals.currentlyUp {
		err = fmt.Errorf("transitions.Up() called while already up")
		return
	}

	for i := 0; i < len(globals.registrationList); i++ {
		item := globals.registrationList[i]
		err = item.callbacks.Up(confMap)
		if nil != err {
			err = fmt.Errorf("transitions.Up() failed in package %s: %v", item.packageName, err)
			for j := i - 1; j >= 0; j-- {
				_ = globals.registrationList[j].callbacks.Down(confMap)
			}
			return
		}
	}

	globals.currentlyUp = true
	logger.Infof("transitions.Up(): %d packages up", len(globals.registrationList))
	return
}

func down(confMap conf.ConfMap) (err error) {
	var errs *multierror.Error

	globals.Lock()
	defer globals.Unlock()

	if !globals.currentlyUp {
		err = fmt.Errorf("transitions.Down() called while not up")
		return
	}

	logger.Infof("transitions.Down(): bringing %d packages down", len(globals.registrationList))

	for i := len(globals.registrationList) - 1; i >= 0; i-- {
		item := globals.registrationList[i]
		downErr := item.callbacks.Down(confMap)
		if nil != downErr {
			errs = multierror.Append(errs, fmt.Errorf("package %s: %v", item.packageName, downErr))
		}
	}

	globals.currentlyUp = false
	err = errs.ErrorOrNil()
	return
}
