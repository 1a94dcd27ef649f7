package stripemgr

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestone-storage/lodestone/allocctx"
	"github.com/lodestone-storage/lodestone/blockdev"
	"github.com/lodestone-storage/lodestone/conf"
	"github.com/lodestone-storage/lodestone/evtsched"
	"github.com/lodestone-storage/lodestone/halter"
	"github.com/lodestone-storage/lodestone/layout"
	"github.com/lodestone-storage/lodestone/qos"
	"github.com/lodestone-storage/lodestone/revmap"
	"github.com/lodestone-storage/lodestone/stripe"
	"github.com/lodestone-storage/lodestone/stripemap"
	"github.com/lodestone-storage/lodestone/volumemgr"
)

var testConfStrings = []string{
	"Layout.BlockSize=512",
	"Layout.ChunkSize=1024",
	"Layout.ChunksPerStripe=2",
	"Layout.TotalNvmStripes=4",
	"Layout.TotalUserStripes=8",
	"Layout.MaxVolumeCount=2",
}

const testStripeMapSize = 64

const testVolumeSize = uint64(1 << 20)

type testEnv struct {
	addrInfo  *layout.AddressInfo
	stripeMap *stripemap.StripeMap
	revMapMgr *revmap.ReverseMapManager
	volumeMgr *volumemgr.VolumeManager
	allocCtx  *allocctx.AllocatorContext
	qosMgr    *qos.QosManager
	scheduler *evtsched.EventScheduler
	device    *blockdev.MemDevice
	mgr       *WBStripeManager
}

func testSetup(t *testing.T) (env *testEnv) {
	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	require.Nil(t, err)
	require.Nil(t, layout.Up(confMap))
	require.Nil(t, halter.Up(confMap))

	env = &testEnv{}
	env.addrInfo = layout.GetAddressInfo()
	env.stripeMap = stripemap.New(testStripeMapSize)
	env.revMapMgr = revmap.New(env.addrInfo, revmap.NewMemPackStore())
	env.volumeMgr = volumemgr.New(env.addrInfo.MaxVolumeCount)
	env.allocCtx = allocctx.New(env.addrInfo)
	env.qosMgr = qos.New()
	env.scheduler = evtsched.New(2)
	env.device = blockdev.NewMemDevice(env.addrInfo)

	require.Nil(t, env.volumeMgr.CreateVolume(0, testVolumeSize))
	require.Nil(t, env.volumeMgr.Mount(0))

	env.mgr = New(env.addrInfo, env.stripeMap, env.revMapMgr, env.volumeMgr, env.allocCtx, env.qosMgr, env.scheduler, env.device, "array0", 0)
	require.Nil(t, env.mgr.Init())

	t.Cleanup(func() {
		env.scheduler.Stop()
		env.mgr.Dispose()
	})
	return
}

// openStripe allocates a write-buffer slot, assigns a fresh stripe for vsid on
// volumeID, registers it, and points the stripe map at the slot.
func (env *testEnv) openStripe(t *testing.T, volumeID layout.VolumeID, vsid layout.StripeID) (s *stripe.Stripe) {
	wbLsid, ok := env.allocCtx.AllocWbStripe()
	require.True(t, ok)

	s = stripe.NewStripe(env.addrInfo.BlksPerStripe)
	s.Assign(vsid, wbLsid, env.addrInfo.VsidToUserLsid(vsid), volumeID)
	env.mgr.AssignStripe(s)
	env.stripeMap.SetLSA(vsid, wbLsid, layout.LocInWriteBufferArea)
	return
}

// writeBlocks simulates the writer path: count blocks starting at startOffset
// land in the stripe, updating its reverse map and remaining count.
func (env *testEnv) writeBlocks(t *testing.T, s *stripe.Stripe, startOffset layout.BlkOffset, count uint32, startRba layout.RBA) {
	for i := uint32(0); i < count; i++ {
		s.UpdateReverseMapEntry(startOffset+layout.BlkOffset(i), startRba+layout.RBA(i), s.VolumeID())
	}
	_, err := s.DecreaseBlksRemaining(count)
	require.Nil(t, err)
}

func (env *testEnv) makeChunkBufs(fill byte) (bufs [][]byte) {
	bufs = make([][]byte, env.addrInfo.ChunksPerStripe)
	for i := range bufs {
		bufs[i] = bytes.Repeat([]byte{fill}, int(env.addrInfo.ChunkSize))
	}
	return
}

func (env *testEnv) readStripeContent(t *testing.T, lsa layout.StripeAddr) (bufs [][]byte) {
	bufs = env.makeChunkBufs(0x00)
	require.Nil(t, env.device.ReadStripe(lsa, bufs))
	return
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(100 * time.Microsecond)
	}
}
