// Package layout defines the address model of the storage engine: stripe and
// block identifiers, the sentinel values that mark unmapped addresses, the
// array geometry read at start-up, and the on-disk form of reverse-map
// entries.
package layout

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
)

type (
	// StripeID is a stripe identifier in either the virtual, write-buffer,
	// or user-area id space (which space is meant is up to the caller).
	StripeID uint32

	// BlkOffset is a block offset within a stripe.
	BlkOffset uint64

	// RBA is the logical block address, within a volume, that originated a
	// block write.
	RBA uint64

	// VolumeID identifies a volume within an array.
	VolumeID uint32
)

// Sentinel values. These are bit patterns shared with the on-disk format and
// must not change.
const (
	UnmapStripe = ^StripeID(0)
	UnmapOffset = ^BlkOffset(0)
	InvalidRBA  = ^RBA(0)
	UnmapVolume = ^VolumeID(0)
)

// VirtualBlkAddr names a single block in the virtual stripe address space.
type VirtualBlkAddr struct {
	StripeID StripeID
	Offset   BlkOffset
}

// UnmapVSA is the "no address" value of VirtualBlkAddr.
var UnmapVSA = VirtualBlkAddr{StripeID: UnmapStripe, Offset: UnmapOffset}

// VirtualBlks is a run of NumBlks blocks starting at StartVsa.
type VirtualBlks struct {
	StartVsa VirtualBlkAddr
	NumBlks  uint32
}

// StripeLoc distinguishes the two physical regions a stripe may live in.
type StripeLoc uint8

const (
	LocInWriteBufferArea StripeLoc = iota
	LocInUserArea
)

// StripeAddr locates a stripe: which region and which stripe id within it.
type StripeAddr struct {
	Loc      StripeLoc
	StripeID StripeID
}

func IsUnmapStripe(stripeID StripeID) bool {
	return UnmapStripe == stripeID
}

func IsUnmapVsa(vsa VirtualBlkAddr) bool {
	return UnmapStripe == vsa.StripeID
}

// AddressInfo carries the array geometry fetched from the [Layout] section of
// the config at Up() time. All fields are immutable once published.
type AddressInfo struct {
	BlockSize        uint64 // bytes per block
	ChunkSize        uint64 // bytes per chunk (the buffer-pool unit)
	BlksPerStripe    uint32
	ChunksPerStripe  uint32
	TotalNvmStripes  uint32 // write-buffer stripe slots
	TotalUserStripes uint32
	MaxVolumeCount   uint32
}

// VsidToUserLsid maps a virtual stripe id to the logical stripe id it will
// occupy in the user data area once flushed.
func (addrInfo *AddressInfo) VsidToUserLsid(vsid StripeID) (userLsid StripeID) {
	userLsid = vsid % StripeID(addrInfo.TotalUserStripes)
	return
}

// StripeBytes returns the byte size of one full stripe.
func (addrInfo *AddressInfo) StripeBytes() (stripeBytes uint64) {
	stripeBytes = uint64(addrInfo.BlksPerStripe) * addrInfo.BlockSize
	return
}

// RevMapEntry is the in-memory reverse-map record for one block of a stripe:
// which volume wrote it and at which RBA.
type RevMapEntry struct {
	Rba      RBA
	VolumeID VolumeID
}

// RevMapEntryOnDisk is the serialized form of RevMapEntry
type RevMapEntryOnDisk struct {
	Rba      uint64
	VolumeID uint32
}

// RevMapEntrySize returns sizeof(RevMapEntryOnDisk) as computed by
// cstruct.Examine() during Up().
func RevMapEntrySize() (entrySize uint64) {
	entrySize = globals.revMapEntrySize
	return
}

// PackRevMapEntries serializes a reverse-map pack in LittleEndian form,
// entries in block-offset order.
func PackRevMapEntries(entries []RevMapEntry) (buf []byte, err error) {
	var (
		entryBuf        []byte
		entryOnDisk     RevMapEntryOnDisk
		packedEntryList [][]byte
	)

	packedEntryList = make([][]byte, 0, len(entries))
	for _, entry := range entries {
		entryOnDisk.Rba = uint64(entry.Rba)
		entryOnDisk.VolumeID = uint32(entry.VolumeID)
		entryBuf, err = cstruct.Pack(entryOnDisk, LittleEndian)
		if nil != err {
			return
		}
		packedEntryList = append(packedEntryList, entryBuf)
	}

	buf = make([]byte, 0, uint64(len(entries))*globals.revMapEntrySize)
	for _, entryBuf = range packedEntryList {
		buf = append(buf, entryBuf...)
	}
	err = nil
	return
}

// UnpackRevMapEntries deserializes numEntries reverse-map entries from buf.
func UnpackRevMapEntries(buf []byte, numEntries uint32) (entries []RevMapEntry, err error) {
	var (
		bytesConsumed uint64
		entryOnDisk   RevMapEntryOnDisk
		i             uint32
		offset        uint64
	)

	if uint64(len(buf)) < uint64(numEntries)*globals.revMapEntrySize {
		err = fmt.Errorf("layout.UnpackRevMapEntries(): buf length %v insufficient for %v entries", len(buf), numEntries)
		return
	}

	entries = make([]RevMapEntry, numEntries)
	offset = 0
	for i = 0; i < numEntries; i++ {
		bytesConsumed, err = cstruct.Unpack(buf[offset:], &entryOnDisk, LittleEndian)
		if nil != err {
			entries = nil
			return
		}
		entries[i] = RevMapEntry{Rba: RBA(entryOnDisk.Rba), VolumeID: VolumeID(entryOnDisk.VolumeID)}
		offset += bytesConsumed
	}
	err = nil
	return
}
