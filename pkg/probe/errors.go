package probe

import (
	"errors"
	"fmt"
)

// ErrProbe indicates a USB/link layer failure or a violation of the
// adapter's command protocol. Operations above the probe cannot recover
// from it without reopening the probe.
var ErrProbe = errors.New("probe error")

// ErrTransfer indicates a DP/AP transfer failed without a specific fault
// address (SWD parity error, NO_ACK, or a protocol-level decline).
var ErrTransfer = errors.New("transfer error")

// ErrTransferTimeout indicates the adapter exhausted its WAIT retries.
var ErrTransferTimeout = errors.New("transfer timeout")

// ErrDebug indicates a post-transfer protocol violation, such as a core
// register transfer that never completed.
var ErrDebug = errors.New("debug error")

// ErrTimeout indicates a bounded wait loop (power-up, reset-settle) expired.
var ErrTimeout = errors.New("timeout")

// ErrTarget indicates a logical error such as an invalid core number or an
// unknown reset type.
var ErrTarget = errors.New("target error")

// TransferFaultError reports a FAULT response from the target. Address
// identifies the failing access; Length is the number of bytes that were
// not transferred when the fault hit inside a block operation.
type TransferFaultError struct {
	Address uint32
	Length  uint32
}

func (e *TransferFaultError) Error() string {
	if e.Length > 1 {
		return fmt.Sprintf("transfer fault @ 0x%08x-0x%08x", e.Address, e.Address+e.Length-1)
	}
	return fmt.Sprintf("transfer fault @ 0x%08x", e.Address)
}

// Is makes TransferFaultError match ErrTransfer in errors.Is chains, since
// a fault is a kind of transfer failure.
func (e *TransferFaultError) Is(target error) bool {
	return target == ErrTransfer
}

// NewTransferFault builds a fault error for a single-word access.
func NewTransferFault(address uint32) *TransferFaultError {
	return &TransferFaultError{Address: address, Length: 4}
}
