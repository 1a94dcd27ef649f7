// Package revmap maintains the per-stripe reverse map: for every block of a
// flushed stripe, which volume wrote it and at which RBA. It persists packs
// through a PackStore and can rebuild a pack during replay from the replay
// log findings plus a snapshot of the volume block map.
package revmap

import (
	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/lodestone-storage/lodestone/blunder"
	"github.com/lodestone-storage/lodestone/halter"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
	"github.com/lodestone-storage/lodestone/stats"
	"github.com/lodestone-storage/lodestone/stripe"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// rbaMapping is one volume-map snapshot entry: the RBA and the virtual block
// it currently maps to. Ordered by RBA.
type rbaMapping struct {
	rba layout.RBA
	vsa layout.VirtualBlkAddr
}

func rbaMappingLess(a, b rbaMapping) bool {
	return a.rba < b.rba
}

// ReverseMapManager owns reverse-map persistence and reconstruction.
type ReverseMapManager struct {
	addrInfo  *layout.AddressInfo
	packStore PackStore

	mutex      trackedlock.Mutex
	volumeMaps map[layout.VolumeID]*btree.BTreeG[rbaMapping]
}

func New(addrInfo *layout.AddressInfo, packStore PackStore) (revMapMgr *ReverseMapManager) {
	revMapMgr = &ReverseMapManager{
		addrInfo:   addrInfo,
		packStore:  packStore,
		volumeMaps: make(map[layout.VolumeID]*btree.BTreeG[rbaMapping]),
	}
	return
}

// RegisterVolumeMapping records one (rba → vsa) pair of the volume block map
// snapshot consulted during reconstruction. Fed by the replay driver before
// ReconstructReverseMap is called.
func (revMapMgr *ReverseMapManager) RegisterVolumeMapping(volumeID layout.VolumeID, rba layout.RBA, vsa layout.VirtualBlkAddr) {
	revMapMgr.mutex.Lock()
	tree, ok := revMapMgr.volumeMaps[volumeID]
	if !ok {
		tree = btree.NewG[rbaMapping](8, rbaMappingLess)
		revMapMgr.volumeMaps[volumeID] = tree
	}
	tree.ReplaceOrInsert(rbaMapping{rba: rba, vsa: vsa})
	revMapMgr.mutex.Unlock()
}

// ReconstructReverseMap rebuilds pack entries [0, offset) for the stripe
// (vsid, wbLsid) of volumeID. Entries present in revMapInfos (findings from
// the replay log, keyed by block offset) win; the remainder is recovered by
// walking the volume map snapshot in RBA order. RBAs at or beyond totalRbaNum
// are rejected. Returns 0 on success, a negative errno otherwise.
func (revMapMgr *ReverseMapManager) ReconstructReverseMap(volumeID layout.VolumeID, totalRbaNum uint64, wbLsid layout.StripeID, vsid layout.StripeID, offset layout.BlkOffset, revMapInfos map[layout.BlkOffset]layout.RevMapEntry, pack []layout.RevMapEntry) (rc int) {
	var (
		rangeErr bool
	)

	if uint64(offset) > uint64(len(pack)) {
		logger.Errorf("revmap: ReconstructReverseMap(volume %v, vsid %v) offset %v exceeds pack length %v", volumeID, vsid, offset, len(pack))
		rc = -int(unix.EINVAL)
		return
	}

	filled := make([]bool, offset)

	for blockOffset, entry := range revMapInfos {
		if blockOffset >= offset {
			continue
		}
		if uint64(entry.Rba) >= totalRbaNum {
			logger.Errorf("revmap: ReconstructReverseMap(volume %v, vsid %v) replay log rba %v out of range (%v blocks)", volumeID, vsid, entry.Rba, totalRbaNum)
			rangeErr = true
			continue
		}
		pack[blockOffset] = entry
		filled[blockOffset] = true
	}

	revMapMgr.mutex.Lock()
	tree, ok := revMapMgr.volumeMaps[volumeID]
	revMapMgr.mutex.Unlock()

	if ok {
		tree.Ascend(func(mapping rbaMapping) bool {
			if mapping.vsa.StripeID != vsid {
				return true
			}
			blockOffset := mapping.vsa.Offset
			if blockOffset >= offset || filled[blockOffset] {
				return true
			}
			if uint64(mapping.rba) >= totalRbaNum {
				logger.Errorf("revmap: ReconstructReverseMap(volume %v, vsid %v) snapshot rba %v out of range (%v blocks)", volumeID, vsid, mapping.rba, totalRbaNum)
				rangeErr = true
				return true
			}
			pack[blockOffset] = layout.RevMapEntry{Rba: mapping.rba, VolumeID: volumeID}
			filled[blockOffset] = true
			return true
		})
	}

	if rangeErr {
		rc = -int(unix.ERANGE)
		return
	}

	stats.IncrementOperations(&stats.StripeReconstructOps)
	logger.Tracef("revmap: reconstructed %d entries for volume %d vsid %d wbLsid %d", offset, volumeID, vsid, wbLsid)
	rc = 0
	return
}

// FlushRevMapPack serializes the stripe's reverse-map pack and persists it
// under the stripe's vsid.
func (revMapMgr *ReverseMapManager) FlushRevMapPack(s *stripe.Stripe) (err error) {
	var (
		buf      []byte
		errs     *multierror.Error
		packErr  error
		storeErr error
	)

	halter.Trigger(halter.RevMapStoreEntry)

	buf, packErr = layout.PackRevMapEntries(s.RevMapPack())
	if nil != packErr {
		errs = multierror.Append(errs, packErr)
	} else {
		storeErr = revMapMgr.packStore.StorePack(s.Vsid(), buf)
		if nil != storeErr {
			errs = multierror.Append(errs, storeErr)
		}
	}

	err = errs.ErrorOrNil()
	if nil != err {
		err = blunder.AddError(err, blunder.RevMapStoreError)
		return
	}

	stats.IncrementOperationsAndBytes(stats.RevMapStore, uint64(len(buf)))
	halter.Trigger(halter.RevMapStoreExit)
	err = nil
	return
}

// LoadRevMapPack fetches and deserializes the pack persisted for vsid.
func (revMapMgr *ReverseMapManager) LoadRevMapPack(vsid layout.StripeID) (pack []layout.RevMapEntry, err error) {
	var buf []byte

	buf, err = revMapMgr.packStore.LoadPack(vsid)
	if nil != err {
		err = blunder.AddError(err, blunder.RevMapStoreError)
		return
	}
	pack, err = layout.UnpackRevMapEntries(buf, revMapMgr.addrInfo.BlksPerStripe)
	if nil != err {
		err = blunder.AddError(err, blunder.RevMapStoreError)
		return
	}
	err = nil
	return
}
