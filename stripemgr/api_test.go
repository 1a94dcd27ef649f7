package stripemgr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/stripe"
)

func TestFullStripeFlushPipeline(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := testSetup(t)

	s := env.openStripe(t, 0, 10)
	wbLsid := s.WbLsid()
	userLsid := s.UserLsid()

	wbLsa := layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: wbLsid}
	require.Nil(env.device.WriteStripe(wbLsa, env.makeChunkBufs(0xA5)))

	env.writeBlocks(t, s, 0, env.addrInfo.BlksPerStripe, 100)

	// Writer-path finalize with the tail at the end of the stripe: nothing to
	// pad, and no flush is submitted yet.
	env.mgr.FinishStripe(wbLsid, layout.VirtualBlkAddr{StripeID: 10, Offset: layout.BlkOffset(env.addrInfo.BlksPerStripe)})
	assert.False(s.IsFinished())

	rc := env.mgr.FlushAllPendingStripes()
	assert.Equal(0, rc)

	waitUntil(t, "stripe flush", s.IsFinished)
	waitUntil(t, "slot release", func() bool { return nil == env.mgr.GetStripe(wbLsid) })

	// The stripe map now points at the user area and the content moved there
	lsa := env.stripeMap.GetLSA(10)
	assert.Equal(layout.StripeAddr{Loc: layout.LocInUserArea, StripeID: userLsid}, lsa)
	assert.True(env.stripeMap.IsInUserDataArea(lsa))

	userBufs := env.readStripeContent(t, lsa)
	for i := range userBufs {
		if !bytes.Equal(env.makeChunkBufs(0xA5)[i], userBufs[i]) {
			t.Fatalf("chunk %v did not reach the user area intact", i)
		}
	}

	pack, err := env.revMapMgr.LoadRevMapPack(10)
	require.Nil(err)
	for i := uint32(0); i < env.addrInfo.BlksPerStripe; i++ {
		assert.Equal(layout.RevMapEntry{Rba: layout.RBA(100 + i), VolumeID: 0}, pack[i])
	}

	// All resources handed back
	waitUntil(t, "wb stripe id release", func() bool {
		return env.addrInfo.TotalNvmStripes == env.allocCtx.FreeWbStripeCount()
	})
	waitUntil(t, "qos used-stripe release", func() bool {
		return 0 == env.qosMgr.UsedStripeCnt("array0")
	})
	waitUntil(t, "chunk buffer return", func() bool {
		return env.addrInfo.TotalNvmStripes*env.addrInfo.ChunksPerStripe == env.mgr.pool.FreeBufferCount()
	})
}

func TestArbiterPartialStripeFinalize(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := testSetup(t)

	s := env.openStripe(t, 0, 11)
	wbLsid := s.WbLsid()

	wbLsa := layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: wbLsid}
	require.Nil(env.device.WriteStripe(wbLsa, env.makeChunkBufs(0x3C)))

	env.writeBlocks(t, s, 0, 2, 200)
	env.allocCtx.SetActiveStripeTail(0, layout.VirtualBlkAddr{StripeID: 11, Offset: 2})

	rc := env.mgr.FlushAllPendingStripesInVolume(0)
	assert.Equal(0, rc)

	// The tail is swept and the stripe flushed through
	assert.True(layout.IsUnmapVsa(env.allocCtx.GetActiveStripeTail(0)))
	assert.True(s.IsFinished())
	waitUntil(t, "slot release", func() bool { return nil == env.mgr.GetStripe(wbLsid) })

	// Written blocks kept their mappings; the padded tail is unmapped
	pack, err := env.revMapMgr.LoadRevMapPack(11)
	require.Nil(err)
	assert.Equal(layout.RevMapEntry{Rba: 200, VolumeID: 0}, pack[0])
	assert.Equal(layout.RevMapEntry{Rba: 201, VolumeID: 0}, pack[1])
	assert.Equal(layout.RevMapEntry{Rba: layout.InvalidRBA, VolumeID: layout.UnmapVolume}, pack[2])
	assert.Equal(layout.RevMapEntry{Rba: layout.InvalidRBA, VolumeID: layout.UnmapVolume}, pack[3])
}

func TestVolumeQuiesceAsync(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := testSetup(t)

	// An unmounted volume is skipped outright
	require.Nil(env.volumeMgr.CreateVolume(1, testVolumeSize))
	idleFlushIo := stripe.NewFlushIo(1)
	rc := env.mgr.FlushAllPendingStripesInVolumeAsync(1, idleFlushIo)
	assert.Equal(0, rc)
	assert.True(idleFlushIo.IsCompleted())

	s := env.openStripe(t, 0, 12)
	wbLsid := s.WbLsid()
	env.writeBlocks(t, s, 0, 1, 300)
	env.allocCtx.SetActiveStripeTail(0, layout.VirtualBlkAddr{StripeID: 12, Offset: 1})

	flushIo := stripe.NewFlushIo(0)
	rc = env.mgr.FlushAllPendingStripesInVolumeAsync(0, flushIo)
	assert.Equal(0, rc)

	waitUntil(t, "flushIo completion", flushIo.IsCompleted)
	waitUntil(t, "stripe flush", s.IsFinished)
	waitUntil(t, "slot release", func() bool { return nil == env.mgr.GetStripe(wbLsid) })
	assert.True(layout.IsUnmapVsa(env.allocCtx.GetActiveStripeTail(0)))
}

func TestFlushAllWbStripes(t *testing.T) {
	assert := assert.New(t)
	env := testSetup(t)

	sA := env.openStripe(t, 0, 20)
	env.writeBlocks(t, sA, 0, 3, 400)
	env.allocCtx.SetActiveStripeTail(0, layout.VirtualBlkAddr{StripeID: 20, Offset: 3})

	sB := env.openStripe(t, 0, 21)
	env.writeBlocks(t, sB, 0, env.addrInfo.BlksPerStripe, 500)
	env.mgr.FinishStripe(sB.WbLsid(), layout.VirtualBlkAddr{StripeID: 21, Offset: layout.BlkOffset(env.addrInfo.BlksPerStripe)})
	_ = env.mgr.FlushAllPendingStripes()

	rc := env.mgr.FlushAllWbStripes()
	assert.Equal(0, rc)
	assert.True(sA.IsFinished())
	assert.True(sB.IsFinished())
	waitUntil(t, "all slots released", func() bool {
		return env.addrInfo.TotalNvmStripes == env.allocCtx.FreeWbStripeCount()
	})
}

func TestGetRemainingBlocksEdges(t *testing.T) {
	assert := assert.New(t)
	env := testSetup(t)

	null := layout.VirtualBlks{StartVsa: layout.UnmapVSA, NumBlks: 0}

	assert.Equal(null, env.mgr.getRemainingBlocks(layout.UnmapVSA))
	assert.Equal(null, env.mgr.getRemainingBlocks(layout.VirtualBlkAddr{StripeID: 10, Offset: layout.UnmapOffset}))
	assert.Equal(null, env.mgr.getRemainingBlocks(layout.VirtualBlkAddr{StripeID: 10, Offset: layout.BlkOffset(env.addrInfo.BlksPerStripe) + 1}))
	assert.Equal(null, env.mgr.getRemainingBlocks(layout.VirtualBlkAddr{StripeID: 10, Offset: layout.BlkOffset(env.addrInfo.BlksPerStripe)}))

	tailVsa := layout.VirtualBlkAddr{StripeID: 10, Offset: 1}
	assert.Equal(layout.VirtualBlks{StartVsa: tailVsa, NumBlks: env.addrInfo.BlksPerStripe - 1}, env.mgr.getRemainingBlocks(tailVsa))
}

func TestReconstructActiveStripeAndLoad(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := testSetup(t)

	wbLsid, ok := env.allocCtx.AllocWbStripe()
	require.True(ok)

	// Snapshot covers offset 0; the replay log supplies offset 1
	env.revMapMgr.RegisterVolumeMapping(0, 600, layout.VirtualBlkAddr{StripeID: 13, Offset: 0})
	revMapInfos := map[layout.BlkOffset]layout.RevMapEntry{
		1: {Rba: 601, VolumeID: 0},
	}

	rc := env.mgr.ReconstructActiveStripe(0, wbLsid, layout.VirtualBlkAddr{StripeID: 13, Offset: 2}, revMapInfos)
	require.Equal(0, rc)

	s := env.mgr.GetStripe(wbLsid)
	require.NotNil(s)
	assert.Equal(env.addrInfo.BlksPerStripe-2, s.BlksRemaining())
	pack := s.RevMapPack()
	assert.Equal(layout.RevMapEntry{Rba: 600, VolumeID: 0}, pack[0])
	assert.Equal(layout.RevMapEntry{Rba: 601, VolumeID: 0}, pack[1])

	// A tail that never advanced cannot be reconstructed
	wbLsid2, ok := env.allocCtx.AllocWbStripe()
	require.True(ok)
	rc = env.mgr.ReconstructActiveStripe(0, wbLsid2, layout.VirtualBlkAddr{StripeID: 14, Offset: 0}, nil)
	assert.True(rc < 0)

	// An unknown volume cannot be sized
	wbLsid3, ok := env.allocCtx.AllocWbStripe()
	require.True(ok)
	rc = env.mgr.ReconstructActiveStripe(1, wbLsid3, layout.VirtualBlkAddr{StripeID: 15, Offset: 1}, nil)
	assert.True(rc < 0)

	// Reload the reconstructed stripe's content from its user-area location
	env.stripeMap.SetLSA(13, wbLsid, layout.LocInWriteBufferArea)
	userLsa := layout.StripeAddr{Loc: layout.LocInUserArea, StripeID: env.addrInfo.VsidToUserLsid(13)}
	require.Nil(env.device.WriteStripe(userLsa, env.makeChunkBufs(0x77)))

	rc = env.mgr.LoadPendingStripesToWriteBuffer()
	assert.Equal(0, rc)

	wbBufs := env.readStripeContent(t, layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: wbLsid})
	for i := range wbBufs {
		if !bytes.Equal(env.makeChunkBufs(0x77)[i], wbBufs[i]) {
			t.Fatalf("chunk %v was not reloaded into the write buffer", i)
		}
	}
	assert.Equal(env.addrInfo.TotalNvmStripes*env.addrInfo.ChunksPerStripe, env.mgr.pool.FreeBufferCount())
}

func TestRegistryBoundsAndReferences(t *testing.T) {
	assert := assert.New(t)
	env := testSetup(t)

	assert.Nil(env.mgr.GetStripe(100))

	// Bad finalize targets log and return without side effects
	env.mgr.FinishStripe(100, layout.UnmapVSA)
	env.mgr.FinishStripe(0, layout.VirtualBlkAddr{StripeID: 10, Offset: 1})

	s := env.openStripe(t, 0, 16)
	wbLsa := layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: s.WbLsid()}

	assert.True(env.mgr.ReferLsidCnt(wbLsa))
	assert.Equal(uint32(1), s.RefCount())
	assert.True(env.mgr.DereferLsidCnt(wbLsa, 1))
	assert.Equal(uint32(0), s.RefCount())

	// Addresses already in the user area no longer refer to a buffered stripe
	userLsa := layout.StripeAddr{Loc: layout.LocInUserArea, StripeID: 3}
	assert.False(env.mgr.ReferLsidCnt(userLsa))
	assert.False(env.mgr.DereferLsidCnt(userLsa, 1))

	// An empty in-range slot resolves to no stripe
	emptyLsa := layout.StripeAddr{Loc: layout.LocInWriteBufferArea, StripeID: 3}
	assert.False(env.mgr.ReferLsidCnt(emptyLsa))
}

func TestUpDown(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"StripeManager.ArrayName=testarray",
		"StripeManager.ArrayID=7",
	})
	require.Nil(err)
	require.Nil(Up(confMap))
	assert.Equal("testarray", ArrayName())
	assert.Equal(uint32(7), ArrayID())
	require.Nil(Down())

	// Defaults apply when the section is absent
	confMap, err = conf.MakeConfMapFromStrings([]string{})
	require.Nil(err)
	require.Nil(Up(confMap))
	assert.Equal("array0", ArrayName())
	assert.Equal(uint32(0), ArrayID())
	require.Nil(Down())
}
