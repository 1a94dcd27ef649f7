package layout

import (
	"testing"

	"github.com/lodestone-storage/lodestone/conf"
)

var testConfStrings = []string{
	"Layout.BlockSize=4096",
	"Layout.ChunkSize=32768",
	"Layout.ChunksPerStripe=4",
	"Layout.TotalNvmStripes=16",
	"Layout.TotalUserStripes=1024",
	"Layout.MaxVolumeCount=8",
}

func TestAPI(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = Up(confMap)
	if nil != err {
		t.Fatalf("layout.Up() failed: %v", err)
	}

	addrInfo := GetAddressInfo()
	if 32 != addrInfo.BlksPerStripe {
		t.Fatalf("BlksPerStripe expected 32, got %v", addrInfo.BlksPerStripe)
	}
	if 131072 != addrInfo.StripeBytes() {
		t.Fatalf("StripeBytes() expected 131072, got %v", addrInfo.StripeBytes())
	}
	if 42 != addrInfo.VsidToUserLsid(1066) {
		t.Fatalf("VsidToUserLsid(1066) expected 42, got %v", addrInfo.VsidToUserLsid(1066))
	}

	if !IsUnmapStripe(UnmapStripe) {
		t.Fatalf("IsUnmapStripe(UnmapStripe) unexpectedly returned false")
	}
	if IsUnmapStripe(0) {
		t.Fatalf("IsUnmapStripe(0) unexpectedly returned true")
	}
	if !IsUnmapVsa(UnmapVSA) {
		t.Fatalf("IsUnmapVsa(UnmapVSA) unexpectedly returned false")
	}
	if IsUnmapVsa(VirtualBlkAddr{StripeID: 7, Offset: 3}) {
		t.Fatalf("IsUnmapVsa({7,3}) unexpectedly returned true")
	}

	if 12 != RevMapEntrySize() {
		t.Fatalf("RevMapEntrySize() expected 12, got %v", RevMapEntrySize())
	}

	err = Down()
	if nil != err {
		t.Fatalf("layout.Down() failed: %v", err)
	}
}

func TestRevMapPackRoundTrip(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}
	err = Up(confMap)
	if nil != err {
		t.Fatalf("layout.Up() failed: %v", err)
	}

	entries := []RevMapEntry{
		{Rba: 0x0123456789ABCDEF, VolumeID: 3},
		{Rba: InvalidRBA, VolumeID: UnmapVolume},
		{Rba: 0, VolumeID: 0},
	}

	buf, err := PackRevMapEntries(entries)
	if nil != err {
		t.Fatalf("PackRevMapEntries() failed: %v", err)
	}
	if uint64(len(buf)) != 3*RevMapEntrySize() {
		t.Fatalf("PackRevMapEntries() returned %v bytes, expected %v", len(buf), 3*RevMapEntrySize())
	}

	// LittleEndian: first 8 bytes are the first entry's Rba
	if 0xEF != buf[0] || 0x01 != buf[7] {
		t.Fatalf("PackRevMapEntries() did not serialize Rba in LittleEndian form")
	}

	unpacked, err := UnpackRevMapEntries(buf, 3)
	if nil != err {
		t.Fatalf("UnpackRevMapEntries() failed: %v", err)
	}
	for i := range entries {
		if entries[i] != unpacked[i] {
			t.Fatalf("entry %v mismatch: packed %v unpacked %v", i, entries[i], unpacked[i])
		}
	}

	_, err = UnpackRevMapEntries(buf[:5], 3)
	if nil == err {
		t.Fatalf("UnpackRevMapEntries() with short buf unexpectedly succeeded")
	}

	_ = Down()
}

func TestGeometryValidation(t *testing.T) {
	badConfs := [][]string{
		{"Layout.BlockSize=0", "Layout.ChunkSize=32768", "Layout.ChunksPerStripe=4", "Layout.TotalNvmStripes=16", "Layout.TotalUserStripes=1024", "Layout.MaxVolumeCount=8"},
		{"Layout.BlockSize=4096", "Layout.ChunkSize=6000", "Layout.ChunksPerStripe=4", "Layout.TotalNvmStripes=16", "Layout.TotalUserStripes=1024", "Layout.MaxVolumeCount=8"},
		{"Layout.BlockSize=4096", "Layout.ChunkSize=32768", "Layout.ChunksPerStripe=0", "Layout.TotalNvmStripes=16", "Layout.TotalUserStripes=1024", "Layout.MaxVolumeCount=8"},
		{"Layout.BlockSize=4096", "Layout.ChunkSize=32768", "Layout.ChunksPerStripe=4", "Layout.TotalNvmStripes=0", "Layout.TotalUserStripes=1024", "Layout.MaxVolumeCount=8"},
	}

	for i, confStrings := range badConfs {
		confMap, err := conf.MakeConfMapFromStrings(confStrings)
		if nil != err {
			t.Fatalf("conf.MakeConfMapFromStrings() [case %v] failed: %v", i, err)
		}
		err = Up(confMap)
		if nil == err {
			t.Fatalf("layout.Up() [case %v] unexpectedly succeeded", i)
		}
	}
}
