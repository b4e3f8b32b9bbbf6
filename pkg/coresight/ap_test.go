package coresight

import (
	"bytes"
	"strings"
	"testing"

	"github.com/daschewie/armdbg/pkg/probe/probetest"
)

func newTestAP(t *testing.T) (*probetest.Target, *AccessPort) {
	t.Helper()
	target, dp := newTestDP(t)
	if err := dp.PowerUpDebug(); err != nil {
		t.Fatal(err)
	}
	ap := NewAccessPort(dp, 0)
	if err := ap.Init(); err != nil {
		t.Fatal(err)
	}
	return target, ap
}

func TestAccessPortInit(t *testing.T) {
	_, ap := newTestAP(t)

	if ap.IDR() != 0x24770011 {
		t.Errorf("IDR = 0x%08x, want 0x24770011", ap.IDR())
	}
	if ap.PageSize() != 0x1000 {
		t.Errorf("page size = %d, want 4096", ap.PageSize())
	}
	if !ap.HasRomTable() {
		t.Error("HasRomTable = false, want true")
	}
	if ap.RomTableAddr() != 0xe00ff000 {
		t.Errorf("ROM table addr = 0x%08x, want 0xe00ff000", ap.RomTableAddr())
	}
}

func TestWordRoundTrip(t *testing.T) {
	_, ap := newTestAP(t)

	if err := ap.Write32(0x20000000, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	v, err := ap.Read32(0x20000000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("read32 = 0x%08x, want 0xdeadbeef", v)
	}
}

func TestSubWordLanes(t *testing.T) {
	_, ap := newTestAP(t)

	if err := ap.Write32(0x20000000, 0x44332211); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr     uint32
		size     uint32
		expected uint32
	}{
		{0x20000000, 8, 0x11},
		{0x20000001, 8, 0x22},
		{0x20000002, 8, 0x33},
		{0x20000003, 8, 0x44},
		{0x20000000, 16, 0x2211},
		{0x20000002, 16, 0x4433},
		{0x20000000, 32, 0x44332211},
	}
	for _, tt := range tests {
		v, err := ap.ReadMemory(tt.addr, tt.size)
		if err != nil {
			t.Fatal(err)
		}
		if v != tt.expected {
			t.Errorf("read%d @ 0x%08x = 0x%x, want 0x%x", tt.size, tt.addr, v, tt.expected)
		}
	}

	// Byte write on an upper lane must not disturb its neighbors.
	if err := ap.Write8(0x20000002, 0xaa); err != nil {
		t.Fatal(err)
	}
	v, err := ap.Read32(0x20000000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x44aa2211 {
		t.Errorf("read32 after byte write = 0x%08x, want 0x44aa2211", v)
	}
}

func TestUnalignedBlockDecomposition(t *testing.T) {
	target, ap := newTestAP(t)

	// Fill 0x20000000..0x2000000b with a known pattern.
	pattern := []byte{
		0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b,
	}
	for i, b := range pattern {
		if err := ap.Write8(0x20000000+uint32(i), b); err != nil {
			t.Fatal(err)
		}
	}

	// A 7-byte read at +1 decomposes into a leading byte, a leading
	// halfword, and one aligned word block.
	target.Log = nil
	target.BlockOps = nil
	data, err := ap.ReadBlock8(0x20000001, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, pattern[1:8]) {
		t.Errorf("unaligned read = %x, want %x", data, pattern[1:8])
	}

	drwReads := 0
	for _, l := range target.Log {
		if strings.HasPrefix(l, "readAP 0c") {
			drwReads++
		}
	}
	if drwReads != 2 {
		t.Errorf("unaligned 7-byte read issued %d single DRW reads, want 2", drwReads)
	}
	if len(target.BlockOps) != 1 || target.BlockOps[0] != 1 {
		t.Errorf("aligned portion = %v block transfers, want one 1-word transfer", target.BlockOps)
	}
}

func TestUnalignedBlockRoundTrip(t *testing.T) {
	_, ap := newTestAP(t)

	data := make([]byte, 13)
	for i := range data {
		data[i] = byte(0xc0 + i)
	}
	if err := ap.WriteBlock8(0x20000003, data); err != nil {
		t.Fatal(err)
	}
	got, err := ap.ReadBlock8(0x20000003, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip = %x, want %x", got, data)
	}
}

func TestBlockSplitAtPageBoundary(t *testing.T) {
	target, ap := newTestAP(t)

	// 2048 bytes starting 4 bytes before a page boundary must split into
	// a 1-word transaction and a 511-word transaction.
	const pageSize = 0x1000
	addr := uint32(0x20000000 + pageSize - 4)
	data := make([]uint32, 2048/4)
	for i := range data {
		data[i] = uint32(i)
	}

	target.BlockOps = nil
	if err := ap.WriteBlock32(addr, data); err != nil {
		t.Fatal(err)
	}
	if len(target.BlockOps) != 2 {
		t.Fatalf("block write produced %d transactions, want 2", len(target.BlockOps))
	}
	if target.BlockOps[0] != 1 || target.BlockOps[1] != 511 {
		t.Errorf("transaction word counts = %v, want [1 511]", target.BlockOps)
	}

	got, err := ap.ReadBlock32(addr, len(data))
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("word %d = 0x%08x, want 0x%08x", i, got[i], data[i])
		}
	}
}

func TestCSWCaching(t *testing.T) {
	target, ap := newTestAP(t)

	if _, err := ap.Read32(0x20000000); err != nil {
		t.Fatal(err)
	}

	// A second word read reuses the cached CSW.
	target.Log = nil
	if _, err := ap.Read32(0x20000004); err != nil {
		t.Fatal(err)
	}
	for _, l := range target.Log {
		if strings.HasPrefix(l, "writeAP 00") {
			t.Errorf("CSW rewritten for unchanged size: %v", target.Log)
		}
	}

	// A byte read changes the size and must write CSW.
	target.Log = nil
	if _, err := ap.Read8(0x20000000); err != nil {
		t.Fatal(err)
	}
	cswWrites := 0
	for _, l := range target.Log {
		if strings.HasPrefix(l, "writeAP 00") {
			cswWrites++
		}
	}
	if cswWrites != 1 {
		t.Errorf("CSW written %d times for size change, want 1", cswWrites)
	}
}
