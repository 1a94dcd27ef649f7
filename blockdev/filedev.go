package blockdev

import (
	"os"

	"github.com/ncw/directio"

	"github.com/lodestone-storage/lodestone/blunder"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/logger"
)

// FileDevice backs both regions with a single file opened for direct I/O.
// The NVM region occupies the first TotalNvmStripes stripes of the file, the
// user area the rest. Chunk buffers must be page-aligned (the buffer pool
// hands out aligned buffers).
type FileDevice struct {
	addrInfo *layout.AddressInfo
	file     *os.File
}

// NewFileDevice opens (creating and sizing if necessary) the backing file at
// path.
func NewFileDevice(path string, addrInfo *layout.AddressInfo) (dev *FileDevice, err error) {
	var (
		file       *os.File
		totalBytes uint64
	)

	file, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if nil != err {
		err = blunder.AddError(err, blunder.NoDeviceError)
		return
	}

	totalBytes = uint64(addrInfo.TotalNvmStripes+addrInfo.TotalUserStripes) * addrInfo.StripeBytes()
	err = file.Truncate(int64(totalBytes))
	if nil != err {
		_ = file.Close()
		err = blunder.AddError(err, blunder.NoDeviceError)
		return
	}

	logger.Infof("blockdev: opened %s (%d bytes)", path, totalBytes)
	dev = &FileDevice{addrInfo: addrInfo, file: file}
	err = nil
	return
}

// Close releases the backing file.
func (dev *FileDevice) Close() (err error) {
	err = dev.file.Close()
	return
}

// stripeByteOffset returns where in the backing file the stripe named by lsa
// starts.
func (dev *FileDevice) stripeByteOffset(lsa layout.StripeAddr) (offset int64) {
	stripeIdx := uint64(lsa.StripeID)
	if layout.LocInUserArea == lsa.Loc {
		stripeIdx += uint64(dev.addrInfo.TotalNvmStripes)
	}
	offset = int64(stripeIdx * dev.addrInfo.StripeBytes())
	return
}

func (dev *FileDevice) ReadStripe(lsa layout.StripeAddr, bufs [][]byte) (err error) {
	err = validateBufs(dev.addrInfo, bufs)
	if nil != err {
		return
	}
	err = checkRange(dev.addrInfo, lsa)
	if nil != err {
		return
	}

	offset := dev.stripeByteOffset(lsa)
	for i, buf := range bufs {
		chunkOffset := offset + int64(uint64(i)*dev.addrInfo.ChunkSize)
		_, err = dev.file.ReadAt(buf, chunkOffset)
		if nil != err {
			err = blunder.AddError(err, blunder.StripeReadError)
			return
		}
	}
	err = nil
	return
}

func (dev *FileDevice) WriteStripe(lsa layout.StripeAddr, bufs [][]byte) (err error) {
	err = validateBufs(dev.addrInfo, bufs)
	if nil != err {
		return
	}
	err = checkRange(dev.addrInfo, lsa)
	if nil != err {
		return
	}

	offset := dev.stripeByteOffset(lsa)
	for i, buf := range bufs {
		chunkOffset := offset + int64(uint64(i)*dev.addrInfo.ChunkSize)
		_, err = dev.file.WriteAt(buf, chunkOffset)
		if nil != err {
			err = blunder.AddError(err, blunder.StripeWriteError)
			return
		}
	}
	err = nil
	return
}
