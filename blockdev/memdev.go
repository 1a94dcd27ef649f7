package blockdev

import (
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/trackedlock"
)

// MemDevice keeps both regions in memory. It exists for replay testing and
// for running the engine without a backing file.
type MemDevice struct {
	mutex    trackedlock.Mutex
	addrInfo *layout.AddressInfo
	nvm      [][]byte // indexed by write-buffer stripe id
	user     [][]byte // indexed by user-area stripe id
}

// NewMemDevice allocates zeroed NVM and user regions per addrInfo.
func NewMemDevice(addrInfo *layout.AddressInfo) (dev *MemDevice) {
	dev = &MemDevice{
		addrInfo: addrInfo,
		nvm:      make([][]byte, addrInfo.TotalNvmStripes),
		user:     make([][]byte, addrInfo.TotalUserStripes),
	}
	for i := range dev.nvm {
		dev.nvm[i] = make([]byte, addrInfo.StripeBytes())
	}
	for i := range dev.user {
		dev.user[i] = make([]byte, addrInfo.StripeBytes())
	}
	return
}

func (dev *MemDevice) region(loc layout.StripeLoc) (region [][]byte) {
	if layout.LocInWriteBufferArea == loc {
		region = dev.nvm
	} else {
		region = dev.user
	}
	return
}

func (dev *MemDevice) ReadStripe(lsa layout.StripeAddr, bufs [][]byte) (err error) {
	err = validateBufs(dev.addrInfo, bufs)
	if nil != err {
		return
	}
	err = checkRange(dev.addrInfo, lsa)
	if nil != err {
		return
	}

	dev.mutex.Lock()
	stripeData := dev.region(lsa.Loc)[lsa.StripeID]
	for i, buf := range bufs {
		offset := uint64(i) * dev.addrInfo.ChunkSize
		copy(buf, stripeData[offset:offset+dev.addrInfo.ChunkSize])
	}
	dev.mutex.Unlock()
	err = nil
	return
}

func (dev *MemDevice) WriteStripe(lsa layout.StripeAddr, bufs [][]byte) (err error) {
	err = validateBufs(dev.addrInfo, bufs)
	if nil != err {
		return
	}
	err = checkRange(dev.addrInfo, lsa)
	if nil != err {
		return
	}

	dev.mutex.Lock()
	stripeData := dev.region(lsa.Loc)[lsa.StripeID]
	for i, buf := range bufs {
		offset := uint64(i) * dev.addrInfo.ChunkSize
		copy(stripeData[offset:offset+dev.addrInfo.ChunkSize], buf)
	}
	dev.mutex.Unlock()
	err = nil
	return
}
