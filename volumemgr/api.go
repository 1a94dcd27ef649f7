// Package volumemgr tracks the volumes of an array: their mount state and
// size in bytes.
package volumemgr

import (
	"github.com/lodestone-storage/lodestone/blunder"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// VolumeMountState is the lifecycle state of one volume.
type VolumeMountState uint8

const (
	VolumeUnmounted VolumeMountState = iota
	VolumeMounted
	VolumeFaulted
)

func (state VolumeMountState) String() string {
	switch state {
	case VolumeUnmounted:
		return "Unmounted"
	case VolumeMounted:
		return "Mounted"
	case VolumeFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

type volumeRecord struct {
	created   bool
	sizeBytes uint64
	state     VolumeMountState
}

// VolumeManager is a fixed table of MaxVolumeCount volume records.
type VolumeManager struct {
	mutex trackedlock.RWMutex
	table []volumeRecord
}

// New builds a volume manager for maxVolumeCount volumes, none created.
func New(maxVolumeCount uint32) (volumeMgr *VolumeManager) {
	volumeMgr = &VolumeManager{
		table: make([]volumeRecord, maxVolumeCount),
	}
	return
}

// CreateVolume registers a volume of sizeBytes bytes in the Unmounted state.
func (volumeMgr *VolumeManager) CreateVolume(volumeID layout.VolumeID, sizeBytes uint64) (err error) {
	volumeMgr.mutex.Lock()
	defer volumeMgr.mutex.Unlock()

	if uint32(volumeID) >= uint32(len(volumeMgr.table)) {
		err = blunder.NewError(blunder.InvalidArgError, "volumemgr: CreateVolume(%v) out of range (%v slots)", volumeID, len(volumeMgr.table))
		return
	}
	if volumeMgr.table[volumeID].created {
		err = blunder.NewError(blunder.InvalidArgError, "volumemgr: CreateVolume(%v) volume already exists", volumeID)
		return
	}
	volumeMgr.table[volumeID] = volumeRecord{created: true, sizeBytes: sizeBytes, state: VolumeUnmounted}
	logger.Infof("volumemgr: created volume %d (%d bytes)", volumeID, sizeBytes)
	err = nil
	return
}

// Mount transitions a created volume to the Mounted state.
func (volumeMgr *VolumeManager) Mount(volumeID layout.VolumeID) (err error) {
	volumeMgr.mutex.Lock()
	defer volumeMgr.mutex.Unlock()

	if !volumeMgr.exists(volumeID) {
		err = blunder.NewError(blunder.NotFoundError, "volumemgr: Mount(%v) volume does not exist", volumeID)
		return
	}
	volumeMgr.table[volumeID].state = VolumeMounted
	err = nil
	return
}

// Unmount transitions a created volume to the Unmounted state.
func (volumeMgr *VolumeManager) Unmount(volumeID layout.VolumeID) (err error) {
	volumeMgr.mutex.Lock()
	defer volumeMgr.mutex.Unlock()

	if !volumeMgr.exists(volumeID) {
		err = blunder.NewError(blunder.NotFoundError, "volumemgr: Unmount(%v) volume does not exist", volumeID)
		return
	}
	volumeMgr.table[volumeID].state = VolumeUnmounted
	err = nil
	return
}

// GetVolumeMountStatus returns the mount state of volumeID. Unknown volumes
// report Unmounted.
func (volumeMgr *VolumeManager) GetVolumeMountStatus(volumeID layout.VolumeID) (state VolumeMountState) {
	volumeMgr.mutex.RLock()
	defer volumeMgr.mutex.RUnlock()

	if !volumeMgr.exists(volumeID) {
		state = VolumeUnmounted
		return
	}
	state = volumeMgr.table[volumeID].state
	return
}

// GetVolumeSize returns the size of volumeID in bytes.
func (volumeMgr *VolumeManager) GetVolumeSize(volumeID layout.VolumeID) (sizeBytes uint64, err error) {
	volumeMgr.mutex.RLock()
	defer volumeMgr.mutex.RUnlock()

	if !volumeMgr.exists(volumeID) {
		err = blunder.NewError(blunder.NotFoundError, "volumemgr: GetVolumeSize(%v) volume does not exist", volumeID)
		return
	}
	sizeBytes = volumeMgr.table[volumeID].sizeBytes
	err = nil
	return
}

func (volumeMgr *VolumeManager) exists(volumeID layout.VolumeID) (exists bool) {
	exists = uint32(volumeID) < uint32(len(volumeMgr.table)) && volumeMgr.table[volumeID].created
	return
}
