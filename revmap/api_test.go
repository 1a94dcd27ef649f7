package revmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/halter"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/stripe"
)

var testConfStrings = []string{
	"Layout.BlockSize=4096",
	"Layout.ChunkSize=16384",
	"Layout.ChunksPerStripe=2",
	"Layout.TotalNvmStripes=4",
	"Layout.TotalUserStripes=64",
	"Layout.MaxVolumeCount=2",
}

func testSetup(t *testing.T) (addrInfo *layout.AddressInfo) {
	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	require.Nil(t, err)
	require.Nil(t, layout.Up(confMap))
	require.Nil(t, halter.Up(confMap))
	addrInfo = layout.GetAddressInfo()
	return
}

func TestReconstructReverseMap(t *testing.T) {
	assert := assert.New(t)
	addrInfo := testSetup(t)

	revMapMgr := New(addrInfo, NewMemPackStore())

	// Volume map snapshot: vsid 42 holds offsets 0..3 of volume 1
	revMapMgr.RegisterVolumeMapping(1, 5000, layout.VirtualBlkAddr{StripeID: 42, Offset: 0})
	revMapMgr.RegisterVolumeMapping(1, 5001, layout.VirtualBlkAddr{StripeID: 42, Offset: 1})
	revMapMgr.RegisterVolumeMapping(1, 5002, layout.VirtualBlkAddr{StripeID: 42, Offset: 2})
	revMapMgr.RegisterVolumeMapping(1, 5003, layout.VirtualBlkAddr{StripeID: 42, Offset: 3})
	// A mapping of a different stripe must not leak in
	revMapMgr.RegisterVolumeMapping(1, 6000, layout.VirtualBlkAddr{StripeID: 43, Offset: 0})

	// Replay log findings win over the snapshot
	revMapInfos := map[layout.BlkOffset]layout.RevMapEntry{
		1: {Rba: 7001, VolumeID: 1},
	}

	pack := make([]layout.RevMapEntry, addrInfo.BlksPerStripe)
	for i := range pack {
		pack[i] = layout.RevMapEntry{Rba: layout.InvalidRBA, VolumeID: layout.UnmapVolume}
	}

	rc := revMapMgr.ReconstructReverseMap(1, 10000, 2, 42, 4, revMapInfos, pack)
	assert.Equal(0, rc)

	assert.Equal(layout.RevMapEntry{Rba: 5000, VolumeID: 1}, pack[0])
	assert.Equal(layout.RevMapEntry{Rba: 7001, VolumeID: 1}, pack[1])
	assert.Equal(layout.RevMapEntry{Rba: 5002, VolumeID: 1}, pack[2])
	assert.Equal(layout.RevMapEntry{Rba: 5003, VolumeID: 1}, pack[3])
	// Beyond offset the pack is untouched
	assert.Equal(layout.RevMapEntry{Rba: layout.InvalidRBA, VolumeID: layout.UnmapVolume}, pack[4])

	// Out-of-range RBAs are rejected
	badInfos := map[layout.BlkOffset]layout.RevMapEntry{
		0: {Rba: 99999, VolumeID: 1},
	}
	rc = revMapMgr.ReconstructReverseMap(1, 10000, 2, 42, 1, badInfos, pack)
	assert.True(rc < 0)

	// An offset beyond the pack is rejected
	rc = revMapMgr.ReconstructReverseMap(1, 10000, 2, 42, layout.BlkOffset(addrInfo.BlksPerStripe)+1, nil, pack)
	assert.True(rc < 0)
}

func TestFlushAndLoadRevMapPack(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	addrInfo := testSetup(t)

	revMapMgr := New(addrInfo, NewMemPackStore())

	s := stripe.NewStripe(addrInfo.BlksPerStripe)
	s.Assign(42, 2, addrInfo.VsidToUserLsid(42), 1)
	s.UpdateReverseMapEntry(0, 5000, 1)
	s.UpdateReverseMapEntry(1, 5001, 1)

	err := revMapMgr.FlushRevMapPack(s)
	require.Nil(err)

	pack, err := revMapMgr.LoadRevMapPack(42)
	require.Nil(err)
	require.Equal(int(addrInfo.BlksPerStripe), len(pack))
	assert.Equal(layout.RevMapEntry{Rba: 5000, VolumeID: 1}, pack[0])
	assert.Equal(layout.RevMapEntry{Rba: 5001, VolumeID: 1}, pack[1])
	assert.Equal(layout.RevMapEntry{Rba: layout.InvalidRBA, VolumeID: layout.UnmapVolume}, pack[2])

	_, err = revMapMgr.LoadRevMapPack(77)
	assert.NotNil(err)
}

func TestFilePackStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	store := NewFilePackStore(t.TempDir())
	buf := []byte{1, 2, 3, 4, 5}
	require.Nil(store.StorePack(9, buf))
	loaded, err := store.LoadPack(9)
	require.Nil(err)
	assert.Equal(buf, loaded)

	_, err = store.LoadPack(10)
	assert.NotNil(err)
}
