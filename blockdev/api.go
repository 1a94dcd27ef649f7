// Package blockdev provides stripe-granular access to the backing store of
// both the write-buffer (NVM) region and the user data area. Transfers move
// whole stripes as ChunksPerStripe chunk buffers.
package blockdev

import (
	"github.com/lodestone-storage/lodestone/blunder"
	"github.com/lodestone-storage/lodestone/layout"
)

// StripeDevice reads and writes one stripe at a time. bufs must hold exactly
// ChunksPerStripe buffers of ChunkSize bytes each.
type StripeDevice interface {
	ReadStripe(lsa layout.StripeAddr, bufs [][]byte) (err error)
	WriteStripe(lsa layout.StripeAddr, bufs [][]byte) (err error)
}

func validateBufs(addrInfo *layout.AddressInfo, bufs [][]byte) (err error) {
	if uint32(len(bufs)) != addrInfo.ChunksPerStripe {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev: expected %v chunk buffers, got %v", addrInfo.ChunksPerStripe, len(bufs))
		return
	}
	for i, buf := range bufs {
		if uint64(len(buf)) != addrInfo.ChunkSize {
			err = blunder.NewError(blunder.InvalidArgError, "blockdev: chunk buffer %v has length %v, expected %v", i, len(buf), addrInfo.ChunkSize)
			return
		}
	}
	err = nil
	return
}

// regionStripeCount returns how many stripes the region addressed by lsa.Loc
// holds.
func regionStripeCount(addrInfo *layout.AddressInfo, loc layout.StripeLoc) (count uint32) {
	if layout.LocInWriteBufferArea == loc {
		count = addrInfo.TotalNvmStripes
	} else {
		count = addrInfo.TotalUserStripes
	}
	return
}

func checkRange(addrInfo *layout.AddressInfo, lsa layout.StripeAddr) (err error) {
	if uint32(lsa.StripeID) >= regionStripeCount(addrInfo, lsa.Loc) {
		err = blunder.NewError(blunder.OutOfRangeError, "blockdev: stripe id %v out of range for region %v", lsa.StripeID, lsa.Loc)
		return
	}
	err = nil
	return
}
