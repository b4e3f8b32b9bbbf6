// Package coresight implements the ADIv5 Debug Port and Access Port layers
// plus CoreSight ROM table discovery.
package coresight

import (
	"errors"
	"fmt"
	"time"

	"github.com/daschewie/armdbg/pkg/probe"
)

// DP register addresses (A[3:2] in byte form).
const (
	dpIDR      = 0x0 // DPIDR on read
	dpAbort    = 0x0 // ABORT on write
	dpCtrlStat = 0x4
	dpSelect   = 0x8
	dpRdBuff   = 0xc
)

// DPIDR fields.
const (
	dpidrMinMask      = 0x10000
	dpidrVersionMask  = 0xf000
	dpidrVersionShift = 12
)

// CTRL/STAT bits.
const (
	CSYSPWRUPACK = 0x80000000
	CSYSPWRUPREQ = 0x40000000
	CDBGPWRUPACK = 0x20000000
	CDBGPWRUPREQ = 0x10000000
	TRNNORMAL    = 0x00000000
	MASKLANE     = 0x00000f00
	stickyErr    = 1 << 5
)

// ABORT bits.
const (
	stkErrClr = 1 << 2
)

// Cache sentinel. A masked SELECT value can never be all ones.
const invalidCache = 0xffffffff

// Timing for the power-up and reset-settle spin loops.
const (
	powerUpTimeout = 2 * time.Second
	spinInterval   = 10 * time.Millisecond
)

// selectMask extracts the APSEL and APBANKSEL bits cached in SELECT.
const selectMask = 0xff0000f0

// DebugPort owns DP register access for one probe. It caches the SELECT
// register and the last CSW write so repeated AP accesses skip redundant
// wire traffic, and it invalidates those caches on every fault or reset.
type DebugPort struct {
	probe probe.DebugProbe

	selectCache uint32
	cswAddr     uint32
	cswCache    uint32

	dpidr   uint32
	version int
	isMinDP bool

	// faultRecovery, when installed, runs after sticky error clearing.
	faultRecovery func()
}

// NewDebugPort wraps an opened, connected probe.
func NewDebugPort(p probe.DebugProbe) *DebugPort {
	return &DebugPort{
		probe:       p,
		selectCache: invalidCache,
		cswAddr:     invalidCache,
		cswCache:    invalidCache,
	}
}

// Probe returns the underlying probe.
func (dp *DebugPort) Probe() probe.DebugProbe { return dp.probe }

// DPIDR returns the identification register snapshot taken by Init.
func (dp *DebugPort) DPIDR() uint32 { return dp.dpidr }

// Version returns the DP architecture version from DPIDR.
func (dp *DebugPort) Version() int { return dp.version }

// IsMinDP reports the MINDP bit from DPIDR.
func (dp *DebugPort) IsMinDP() bool { return dp.isMinDP }

// SetFaultRecovery installs the callback invoked after sticky error
// recovery. The DP never retries the faulted transaction itself.
func (dp *DebugPort) SetFaultRecovery(f func()) { dp.faultRecovery = f }

// Init reads DPIDR and clears any sticky error left from a previous
// session.
func (dp *DebugPort) Init() error {
	dp.invalidateCaches()
	idr, err := dp.ReadDP(dpIDR)
	if err != nil {
		return fmt.Errorf("read DPIDR: %w", err)
	}
	dp.dpidr = idr
	dp.version = int(idr&dpidrVersionMask) >> dpidrVersionShift
	dp.isMinDP = idr&dpidrMinMask != 0

	if err := dp.ClearStickyErr(); err != nil {
		return fmt.Errorf("clear sticky error: %w", err)
	}
	return nil
}

// PowerUpDebug requests debug and system power and spins until both
// acknowledge bits set, then configures normal transactions with byte lane
// masking.
func (dp *DebugPort) PowerUpDebug() error {
	// Select bank 0 so CTRL/STAT is addressable.
	if err := dp.WriteDP(dpSelect, 0); err != nil {
		return err
	}
	if err := dp.WriteDP(dpCtrlStat, CSYSPWRUPREQ|CDBGPWRUPREQ); err != nil {
		return err
	}

	deadline := time.Now().Add(powerUpTimeout)
	for {
		r, err := dp.ReadDP(dpCtrlStat)
		if err != nil {
			return err
		}
		if r&(CDBGPWRUPACK|CSYSPWRUPACK) == CDBGPWRUPACK|CSYSPWRUPACK {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: debug power-up not acknowledged", probe.ErrTimeout)
		}
		time.Sleep(spinInterval)
	}

	if err := dp.WriteDP(dpCtrlStat, CSYSPWRUPREQ|CDBGPWRUPREQ|TRNNORMAL|MASKLANE); err != nil {
		return err
	}
	return dp.WriteDP(dpSelect, 0)
}

// PowerDownDebug releases the power-up requests.
func (dp *DebugPort) PowerDownDebug() error {
	if err := dp.WriteDP(dpSelect, 0); err != nil {
		return err
	}
	return dp.WriteDP(dpCtrlStat, 0)
}

// Reset pulses the target reset line and invalidates the caches.
func (dp *DebugPort) Reset() error {
	dp.invalidateCaches()
	if err := dp.probe.AssertReset(true); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return dp.probe.AssertReset(false)
}

// AssertReset drives the reset line and invalidates the caches.
func (dp *DebugPort) AssertReset(asserted bool) error {
	dp.invalidateCaches()
	return dp.probe.AssertReset(asserted)
}

// SetClock passes the clock request to the probe.
func (dp *DebugPort) SetClock(hz int) error {
	return dp.probe.SetClock(hz)
}

// Flush drains the probe's transfer queue. Any deferred error invalidates
// the caches before propagating.
func (dp *DebugPort) Flush() error {
	if err := dp.probe.Flush(); err != nil {
		return dp.handleFault(err)
	}
	return nil
}

// ReadDP reads a DP register immediately.
func (dp *DebugPort) ReadDP(addr uint8) (uint32, error) {
	v, _, err := dp.probe.ReadReg(dpReg(addr), true)
	if err != nil {
		return 0, dp.handleFault(err)
	}
	return v, nil
}

// ReadDPDeferred issues a DP register read without demanding the value.
func (dp *DebugPort) ReadDPDeferred(addr uint8) (probe.DeferredRead, error) {
	_, cb, err := dp.probe.ReadReg(dpReg(addr), false)
	if err != nil {
		return nil, dp.handleFault(err)
	}
	return dp.wrapDeferred(cb), nil
}

// WriteDP writes a DP register. SELECT writes refresh the cache.
func (dp *DebugPort) WriteDP(addr uint8, value uint32) error {
	if addr == dpSelect {
		if value == dp.selectCache {
			return nil
		}
		// Write-through: the cache only holds values known to be on the
		// wire or queued ahead of any dependent access.
		dp.selectCache = value
	}
	if err := dp.probe.WriteReg(dpReg(addr), value); err != nil {
		return dp.handleFault(err)
	}
	return nil
}

// selectForAP ensures the SELECT register addresses the AP bank for the
// given 28-bit AP address.
func (dp *DebugPort) selectForAP(addr28 uint32) error {
	return dp.WriteDP(dpSelect, addr28&selectMask)
}

// ReadAP reads an AP register. addr28 is (APSEL<<24)|(APBANKSEL&0xF0)|(A&0x0C).
func (dp *DebugPort) ReadAP(addr28 uint32) (uint32, error) {
	if err := dp.selectForAP(addr28); err != nil {
		return 0, err
	}
	v, _, err := dp.probe.ReadReg(apReg(addr28), true)
	if err != nil {
		return 0, dp.handleFault(err)
	}
	return v, nil
}

// ReadAPDeferred issues an AP register read without demanding the value.
func (dp *DebugPort) ReadAPDeferred(addr28 uint32) (probe.DeferredRead, error) {
	if err := dp.selectForAP(addr28); err != nil {
		return nil, err
	}
	_, cb, err := dp.probe.ReadReg(apReg(addr28), false)
	if err != nil {
		return nil, dp.handleFault(err)
	}
	return dp.wrapDeferred(cb), nil
}

// WriteAP writes an AP register. Writes to a CSW address are elided when
// the cached value matches.
func (dp *DebugPort) WriteAP(addr28 uint32, value uint32) error {
	isCSW := addr28&0xff == 0x00
	if isCSW && addr28 == dp.cswAddr && value == dp.cswCache {
		return nil
	}
	if err := dp.selectForAP(addr28); err != nil {
		return err
	}
	if err := dp.probe.WriteReg(apReg(addr28), value); err != nil {
		return dp.handleFault(err)
	}
	if isCSW {
		dp.cswAddr = addr28
		dp.cswCache = value
	}
	return nil
}

// ReadAPRepeat reads the same AP register n times (block transfers).
func (dp *DebugPort) ReadAPRepeat(addr28 uint32, n int) ([]uint32, error) {
	if err := dp.selectForAP(addr28); err != nil {
		return nil, err
	}
	values, _, err := dp.probe.ReadRepeat(n, apReg(addr28), true)
	if err != nil {
		return nil, dp.handleFault(err)
	}
	return values, nil
}

// WriteAPRepeat writes data to the same AP register, one word per element.
func (dp *DebugPort) WriteAPRepeat(addr28 uint32, data []uint32) error {
	if err := dp.selectForAP(addr28); err != nil {
		return err
	}
	if err := dp.probe.WriteRepeat(apReg(addr28), data); err != nil {
		return dp.handleFault(err)
	}
	return nil
}

// FindAPs scans APSEL values from zero, reading each AP's IDR until the
// first zero IDR terminates the scan. Returns the map of APSEL to IDR.
func (dp *DebugPort) FindAPs() (map[uint8]uint32, error) {
	aps := map[uint8]uint32{}
	for apsel := 0; apsel <= 255; apsel++ {
		idr, err := dp.ReadAP(uint32(apsel)<<24 | apIDROffset)
		if err != nil {
			// An error probing a candidate AP ends the scan; anything
			// found so far is still usable.
			break
		}
		if idr == 0 {
			break
		}
		aps[uint8(apsel)] = idr
	}
	return aps, nil
}

// ClearStickyErr clears the sticky error flag, using ABORT on SWD and
// CTRL/STAT on JTAG.
func (dp *DebugPort) ClearStickyErr() error {
	switch dp.probe.WireProtocol() {
	case probe.ProtocolJTAG:
		return dp.probe.WriteReg(dpReg(dpCtrlStat), CSYSPWRUPREQ|CDBGPWRUPREQ|stickyErr)
	default:
		return dp.probe.WriteReg(dpReg(dpAbort), stkErrClr)
	}
}

// handleFault invalidates the caches, clears sticky errors for transfer
// faults, and runs the recovery callback. The original error propagates
// unchanged so the caller decides whether to retry.
func (dp *DebugPort) handleFault(err error) error {
	dp.invalidateCaches()

	var fault *probe.TransferFaultError
	if errors.As(err, &fault) {
		// Best effort: the link may be down entirely.
		_ = dp.ClearStickyErr()
		if dp.faultRecovery != nil {
			dp.faultRecovery()
		}
	}
	return err
}

func (dp *DebugPort) invalidateCaches() {
	dp.selectCache = invalidCache
	dp.cswAddr = invalidCache
	dp.cswCache = invalidCache
}

// wrapDeferred routes deferred-read errors through fault handling at
// resolution time.
func (dp *DebugPort) wrapDeferred(cb probe.DeferredRead) probe.DeferredRead {
	return func() (uint32, error) {
		v, err := cb()
		if err != nil {
			return 0, dp.handleFault(err)
		}
		return v, nil
	}
}

// dpReg maps a DP byte address to the probe register ID.
func dpReg(addr uint8) probe.RegID {
	return probe.RegID(addr>>2) & 0x3
}

// apReg maps an AP 28-bit address to the probe register ID.
func apReg(addr28 uint32) probe.RegID {
	return probe.RegID(addr28>>2)&0x3 | 0x4
}
