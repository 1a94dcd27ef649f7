package layout

import (
	"fmt"

	"github.com/NVIDIA/cstruct"

	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/transitions"
)

var (
	LittleEndian = cstruct.LittleEndian // All on-disk cstructs are serialized in LittleEndian form
)

type globalsStruct struct {
	addrInfo        AddressInfo
	revMapEntrySize uint64
}

var globals globalsStruct

// Up initializes the package from the [Layout] section of the supplied
// confMap and must successfully return before any API functions are invoked.
func Up(confMap conf.ConfMap) (err error) {
	var (
		dummyRevMapEntryOnDisk RevMapEntryOnDisk
		trailingByteSlice      bool
	)

	// Pre-compute sizeof(RevMapEntryOnDisk)

	globals.revMapEntrySize, trailingByteSlice, err = cstruct.Examine(dummyRevMapEntryOnDisk)
	if nil != err {
		return
	}
	if trailingByteSlice {
		err = fmt.Errorf("Logic error: cstruct.Examine(RevMapEntryOnDisk) returned trailingByteSlice == true")
		return
	}

	globals.addrInfo.BlockSize, err = confMap.FetchOptionValueUint64("Layout", "BlockSize")
	if nil != err {
		return
	}
	globals.addrInfo.ChunkSize, err = confMap.FetchOptionValueUint64("Layout", "ChunkSize")
	if nil != err {
		return
	}
	globals.addrInfo.ChunksPerStripe, err = confMap.FetchOptionValueUint32("Layout", "ChunksPerStripe")
	if nil != err {
		return
	}
	globals.addrInfo.TotalNvmStripes, err = confMap.FetchOptionValueUint32("Layout", "TotalNvmStripes")
	if nil != err {
		return
	}
	globals.addrInfo.TotalUserStripes, err = confMap.FetchOptionValueUint32("Layout", "TotalUserStripes")
	if nil != err {
		return
	}
	globals.addrInfo.MaxVolumeCount, err = confMap.FetchOptionValueUint32("Layout", "MaxVolumeCount")
	if nil != err {
		return
	}

	err = validateGeometry(&globals.addrInfo)
	if nil != err {
		return
	}

	globals.addrInfo.BlksPerStripe = uint32(uint64(globals.addrInfo.ChunksPerStripe) * globals.addrInfo.ChunkSize / globals.addrInfo.BlockSize)

	err = nil
	return
}

// Down terminates the layout package
func Down() (err error) {
	err = nil
	return
}

// GetAddressInfo returns the geometry loaded at Up() time.
func GetAddressInfo() (addrInfo *AddressInfo) {
	addrInfo = &globals.addrInfo
	return
}

func validateGeometry(addrInfo *AddressInfo) (err error) {
	if 0 == addrInfo.BlockSize {
		err = fmt.Errorf("[Layout]BlockSize must be non-zero")
		return
	}
	if 0 == addrInfo.ChunkSize {
		err = fmt.Errorf("[Layout]ChunkSize must be non-zero")
		return
	}
	if 0 != addrInfo.ChunkSize%addrInfo.BlockSize {
		err = fmt.Errorf("[Layout]ChunkSize (%v) must be a multiple of [Layout]BlockSize (%v)", addrInfo.ChunkSize, addrInfo.BlockSize)
		return
	}
	if 0 == addrInfo.ChunksPerStripe {
		err = fmt.Errorf("[Layout]ChunksPerStripe must be non-zero")
		return
	}
	if 0 == addrInfo.TotalNvmStripes {
		err = fmt.Errorf("[Layout]TotalNvmStripes must be non-zero")
		return
	}
	if 0 == addrInfo.TotalUserStripes {
		err = fmt.Errorf("[Layout]TotalUserStripes must be non-zero")
		return
	}
	if 0 == addrInfo.MaxVolumeCount {
		err = fmt.Errorf("[Layout]MaxVolumeCount must be non-zero")
		return
	}
	err = nil
	return
}

type transitionsCallbackInterfaceStruct struct {
}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("layout", &transitionsCallbackInterface)
}

func (*transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	err = Up(confMap)
	return
}

func (*transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	err = Down()
	return
}
