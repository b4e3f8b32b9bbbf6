package coresight

import (
	"errors"
	"testing"

	"github.com/daschewie/armdbg/pkg/probe"
	"github.com/daschewie/armdbg/pkg/probe/probetest"
)

func newTestDP(t *testing.T) (*probetest.Target, *DebugPort) {
	t.Helper()
	target := probetest.New()
	target.InstallCortexM4()
	if err := target.Open(); err != nil {
		t.Fatal(err)
	}
	if err := target.Connect(probe.ProtocolSWD); err != nil {
		t.Fatal(err)
	}
	dp := NewDebugPort(target)
	if err := dp.Init(); err != nil {
		t.Fatalf("DP init: %v", err)
	}
	return target, dp
}

func countLog(log []string, entry string) int {
	n := 0
	for _, l := range log {
		if l == entry {
			n++
		}
	}
	return n
}

func TestDebugPortInit(t *testing.T) {
	_, dp := newTestDP(t)

	if dp.DPIDR() != 0x2ba01477 {
		t.Errorf("DPIDR = 0x%08x, want 0x2ba01477", dp.DPIDR())
	}
	if dp.Version() != 1 {
		t.Errorf("DP version = %d, want 1", dp.Version())
	}
	if dp.IsMinDP() {
		t.Error("IsMinDP = true, want false")
	}
}

func TestPowerUpDebug(t *testing.T) {
	_, dp := newTestDP(t)

	if err := dp.PowerUpDebug(); err != nil {
		t.Fatalf("PowerUpDebug: %v", err)
	}

	r, err := dp.ReadDP(0x4)
	if err != nil {
		t.Fatal(err)
	}
	if r&0xa0000000 != 0xa0000000 {
		t.Errorf("CTRL/STAT = 0x%08x, acks not set", r)
	}
}

func TestSelectCaching(t *testing.T) {
	target, dp := newTestDP(t)
	if err := dp.PowerUpDebug(); err != nil {
		t.Fatal(err)
	}

	// Move the cache off bank 0 first; power-up leaves SELECT at zero.
	if _, err := dp.ReadAP(0xfc); err != nil {
		t.Fatal(err)
	}

	// Two AP reads in the same bank: only the first rewrites SELECT.
	target.Log = nil
	if _, err := dp.ReadAP(0x00); err != nil {
		t.Fatal(err)
	}
	if _, err := dp.ReadAP(0x04); err != nil {
		t.Fatal(err)
	}
	if got := countLog(target.Log, "writeDP 8 00000000"); got != 1 {
		t.Errorf("SELECT written %d times for same-bank accesses, want 1", got)
	}

	// Switching to bank 0xf0 writes SELECT once; the second access in
	// that bank reuses the cached value.
	target.Log = nil
	if _, err := dp.ReadAP(0xfc); err != nil {
		t.Fatal(err)
	}
	if _, err := dp.ReadAP(0xf8); err != nil {
		t.Fatal(err)
	}
	if got := countLog(target.Log, "writeDP 8 000000f0"); got != 1 {
		t.Errorf("SELECT written %d times for bank switch, want 1", got)
	}
}

func TestFaultInvalidatesSelectCache(t *testing.T) {
	target, dp := newTestDP(t)
	if err := dp.PowerUpDebug(); err != nil {
		t.Fatal(err)
	}

	ap := NewAccessPort(dp, 0)
	if err := ap.Init(); err != nil {
		t.Fatal(err)
	}

	// Prime the SELECT cache with a successful access.
	if _, err := ap.Read32(0x20000000); err != nil {
		t.Fatal(err)
	}

	// Force a fault.
	target.FaultAddrs[0xe0000000] = true
	_, err := ap.Read32(0xe0000000)
	if err == nil {
		t.Fatal("expected fault")
	}
	var fault *probe.TransferFaultError
	if !errors.As(err, &fault) {
		t.Fatalf("error %v is not a TransferFaultError", err)
	}
	if fault.Address != 0xe0000000 {
		t.Errorf("fault address = 0x%08x, want 0xe0000000", fault.Address)
	}
	if !errors.Is(err, probe.ErrTransfer) {
		t.Error("fault does not match ErrTransfer")
	}

	// The next access must re-issue SELECT even though the bank did not
	// change.
	target.Log = nil
	if _, err := ap.Read32(0x20000000); err != nil {
		t.Fatal(err)
	}
	if got := countLog(target.Log, "writeDP 8 00000000"); got != 1 {
		t.Errorf("SELECT re-issued %d times after fault, want 1", got)
	}

	// DP reads keep working after recovery.
	if _, err := dp.ReadDP(0x0); err != nil {
		t.Errorf("DPIDR read after fault: %v", err)
	}
}

func TestFaultRecoveryCallback(t *testing.T) {
	target, dp := newTestDP(t)
	if err := dp.PowerUpDebug(); err != nil {
		t.Fatal(err)
	}
	ap := NewAccessPort(dp, 0)
	if err := ap.Init(); err != nil {
		t.Fatal(err)
	}

	calls := 0
	dp.SetFaultRecovery(func() { calls++ })

	target.FaultAddrs[0x1000] = true
	if _, err := ap.Read32(0x1000); err == nil {
		t.Fatal("expected fault")
	}
	if calls != 1 {
		t.Errorf("fault recovery ran %d times, want 1", calls)
	}
}

func TestFindAPs(t *testing.T) {
	_, dp := newTestDP(t)
	if err := dp.PowerUpDebug(); err != nil {
		t.Fatal(err)
	}

	aps, err := dp.FindAPs()
	if err != nil {
		t.Fatal(err)
	}
	if len(aps) != 1 {
		t.Fatalf("found %d APs, want 1", len(aps))
	}
	if aps[0] != 0x24770011 {
		t.Errorf("AP#0 IDR = 0x%08x, want 0x24770011", aps[0])
	}
}
