// Package lodestoned launches the storage engine: it brings the registered
// packages up through transitions, assembles the write-buffer stripe manager
// and its collaborators from the supplied configuration, and supervises them
// until signaled to shut down.
package lodestoned

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lodestone-storage/lodestone/allocctx"
	"github.com/lodestone-storage/lodestone/blockdev"
	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/evtsched"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/qos"
	"github.com/lodestone-storage/lodestone/revmap"
	"github.com/lodestone-storage/lodestone/stripemap"
	"github.com/lodestone-storage/lodestone/stripemgr"
	"github.com/lodestone-storage/lodestone/transitions"
	"github.com/lodestone-storage/lodestone/volumemgr"
)

// Daemon is launched as a GoRoutine. During startup, the parent should read
// errChan to await Daemon getting to the point where it is ready to handle
// the specified signal set (an empty signal list means "catch all signals").
// Any errors encountered before or after this point will be sent to errChan
// (and be non-nil of course).
func Daemon(confFile string, confStrings []string, errChan chan error, wg *sync.WaitGroup, signals ...os.Signal) {
	var (
		confMap        conf.ConfMap
		engine         *engineStruct
		err            error
		signalReceived os.Signal
	)

	// Compute confMap

	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		errChan <- err
		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		errChan <- err
		return
	}

	// Arm signal handler used to catch signals
	//
	// Note: signalChan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read when signals might
	// otherwise be lost.
	signalChan := make(chan os.Signal, 16)
	signal.Notify(signalChan, signals...)

	// Start up daemon packages

	err = transitions.Up(confMap)
	if nil != err {
		errChan <- err
		return
	}
	wg.Add(1)
	defer wg.Done()

	engine, err = startEngine(confMap)
	if nil != err {
		_ = transitions.Down(confMap)
		errChan <- err
		return
	}

	errChan <- nil

	// Await a signal - reloop for SIGHUP - exit otherwise

	for {
		signalReceived = <-signalChan
		logger.Infof("lodestoned.Daemon() received signal %v", signalReceived)

		if unix.SIGHUP != signalReceived {
			break
		}

		// Geometry and volumes are fixed for the life of the process, so
		// SIGHUP only quiesces the write buffer in place
		_ = engine.mgr.FlushAllWbStripes()
	}

	// Shut down daemon packages

	err = engine.stop()
	downErr := transitions.Down(confMap)
	if nil == err {
		err = downErr
	}

	errChan <- err
}

type engineStruct struct {
	mgr        *stripemgr.WBStripeManager
	fileDevice *blockdev.FileDevice
}

// startEngine assembles the stripe manager from the packages transitions
// brought up plus the device, pack store, and volume set named by confMap.
func startEngine(confMap conf.ConfMap) (engine *engineStruct, err error) {
	var (
		device   blockdev.StripeDevice
		addrInfo = layout.GetAddressInfo()
	)

	engine = &engineStruct{}

	devicePath, pathErr := confMap.FetchOptionValueString("Device", "Path")
	if nil == pathErr && "" != devicePath {
		engine.fileDevice, err = blockdev.NewFileDevice(devicePath, addrInfo)
		if nil != err {
			return
		}
		device = engine.fileDevice
	} else {
		device = blockdev.NewMemDevice(addrInfo)
	}

	var packStore revmap.PackStore
	packDir, dirErr := confMap.FetchOptionValueString("RevMap", "PackDir")
	if nil == dirErr && "" != packDir {
		packStore = revmap.NewFilePackStore(packDir)
	} else {
		packStore = revmap.NewMemPackStore()
	}

	volumeMgr := volumemgr.New(addrInfo.MaxVolumeCount)
	volumeList, listErr := confMap.FetchOptionValueStringSlice("StripeManager", "VolumeList")
	if nil == listErr {
		for _, volumeSection := range volumeList {
			var (
				sizeBytes uint64
				volumeID  uint32
			)
			volumeID, err = confMap.FetchOptionValueUint32(volumeSection, "VolumeID")
			if nil != err {
				return
			}
			sizeBytes, err = confMap.FetchOptionValueUint64(volumeSection, "SizeBytes")
			if nil != err {
				return
			}
			err = volumeMgr.CreateVolume(layout.VolumeID(volumeID), sizeBytes)
			if nil != err {
				return
			}
			err = volumeMgr.Mount(layout.VolumeID(volumeID))
			if nil != err {
				return
			}
		}
	}

	engine.mgr = stripemgr.New(
		addrInfo,
		stripemap.New(addrInfo.TotalUserStripes),
		revmap.New(addrInfo, packStore),
		volumeMgr,
		allocctx.New(addrInfo),
		qos.New(),
		evtsched.Scheduler(),
		device,
		stripemgr.ArrayName(),
		stripemgr.ArrayID(),
	)
	err = engine.mgr.Init()
	return
}

// stop quiesces the write buffer, then releases the manager and the backing
// device.
func (engine *engineStruct) stop() (err error) {
	_ = engine.mgr.FlushAllWbStripes()
	engine.mgr.Dispose()
	if nil != engine.fileDevice {
		err = engine.fileDevice.Close()
		return
	}
	err = nil
	return
}
