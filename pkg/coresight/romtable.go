package coresight

import (
	"fmt"
)

// Component and peripheral ID register offsets within a component's last
// 4 KiB page. Each register contributes one byte, low-order lane only.
const (
	pidr4Offset   = 0xfd0
	pidr0Offset   = 0xfe0
	cidr0Offset   = 0xff0
	devIDOffset   = 0xfc8
	devTypeOffset = 0xfcc
)

// CIDR decode.
const (
	cidrClassMask  = 0xf000
	cidrClassShift = 12

	// ClassROMTable and ClassCoreSight are the component classes acted on
	// during discovery; other classes are recorded but inert.
	ClassROMTable  = 0x1
	ClassCoreSight = 0x9
)

// PIDR decode.
const (
	pidr4KBCountMask  = 0xf000000000
	pidr4KBCountShift = 36
)

// ROM table entry decode.
const (
	romEntryPresentMask   = 0x1
	romEntry32BitMask     = 0x2
	romEntryOffsetNegMask = 0x80000000
	romEntryOffsetMask    = 0xfffff000
)

// ComponentID carries the identity of one discovered CoreSight component:
// its ID register contents and the type resolved from the factory table.
// Instantiation into live objects happens in a later pass.
type ComponentID struct {
	AP      *AccessPort
	Address uint32 // top address, 4 KiB aligned

	CIDR    uint32
	PIDR    uint64
	Class   int
	Count4KB int
	DevType uint32
	DevID   uint32

	Type ComponentType

	// Table is non-nil when this component is a nested ROM table.
	Table *ROMTable
}

// readIDRegisterSet assembles a 32-bit value from four registers carrying
// one byte each.
func readIDRegisterSet(ap *AccessPort, base uint32) (uint32, error) {
	var result uint32
	for i := uint32(0); i < 4; i++ {
		v, err := ap.Read32(base + i*4)
		if err != nil {
			return 0, err
		}
		result |= (v & 0xff) << (i * 8)
	}
	return result, nil
}

// ReadIDRegisters reads CIDR and PIDR and derives the component class
// and 4 KiB page count. CoreSight-class components also get DEVTYPE and
// DEVID.
func (c *ComponentID) ReadIDRegisters() error {
	cidr, err := readIDRegisterSet(c.AP, c.Address+cidr0Offset)
	if err != nil {
		return fmt.Errorf("component @ 0x%08x read CIDR: %w", c.Address, err)
	}
	c.CIDR = cidr
	c.Class = int(cidr&cidrClassMask) >> cidrClassShift

	pidrHi, err := readIDRegisterSet(c.AP, c.Address+pidr4Offset)
	if err != nil {
		return fmt.Errorf("component @ 0x%08x read PIDR4: %w", c.Address, err)
	}
	pidrLo, err := readIDRegisterSet(c.AP, c.Address+pidr0Offset)
	if err != nil {
		return fmt.Errorf("component @ 0x%08x read PIDR0: %w", c.Address, err)
	}
	c.PIDR = uint64(pidrHi)<<32 | uint64(pidrLo)
	c.Count4KB = 1 << ((c.PIDR & pidr4KBCountMask) >> pidr4KBCountShift)

	if c.Class == ClassCoreSight {
		if c.DevType, err = c.AP.Read32(c.Address + devTypeOffset); err != nil {
			return fmt.Errorf("component @ 0x%08x read DEVTYPE: %w", c.Address, err)
		}
		if c.DevID, err = c.AP.Read32(c.Address + devIDOffset); err != nil {
			return fmt.Errorf("component @ 0x%08x read DEVID: %w", c.Address, err)
		}
	}

	c.Type = IdentifyComponent(c.PIDR)
	return nil
}

// IsRomTable reports whether the component class marks a ROM table.
func (c *ComponentID) IsRomTable() bool { return c.Class == ClassROMTable }

// ROMTable is a CoreSight directory of components. Entries may point to
// nested tables, which are walked recursively.
type ROMTable struct {
	ComponentID

	entrySize  int // 8 or 32 bits
	Components []*ComponentID
}

// NewROMTable binds a table at the given base address on an AP.
func NewROMTable(ap *AccessPort, addr uint32) *ROMTable {
	return &ROMTable{ComponentID: ComponentID{AP: ap, Address: addr}}
}

// Init reads the table's own ID registers and walks its entries.
func (t *ROMTable) Init() error {
	if err := t.ReadIDRegisters(); err != nil {
		return err
	}
	if !t.IsRomTable() {
		return fmt.Errorf("ROM table @ 0x%08x has unexpected component class 0x%x", t.Address, t.Class)
	}
	if err := t.readEntrySize(); err != nil {
		return err
	}
	return t.readTable()
}

// readEntrySize reads the first word; ROM tables require all entries to
// share one width, flagged in bit 1 of any entry.
func (t *ROMTable) readEntrySize() error {
	data, err := t.AP.Read32(t.Address)
	if err != nil {
		return fmt.Errorf("ROM table @ 0x%08x read first entry: %w", t.Address, err)
	}
	if data&romEntry32BitMask != 0 {
		t.entrySize = 32
	} else {
		t.entrySize = 8
	}
	return nil
}

func (t *ROMTable) readTable() error {
	t.Components = nil
	entryAddr := t.Address
	for {
		var entry uint32
		var err error
		if t.entrySize == 32 {
			entry, err = t.AP.Read32(entryAddr)
			entryAddr += 4
		} else {
			// An 8-bit entry spreads the word across four byte-wide
			// registers at stride 4.
			var b [4]uint8
			for i := range b {
				if b[i], err = t.AP.Read8(entryAddr + uint32(i*4)); err != nil {
					break
				}
			}
			entry = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
			entryAddr += 16
		}
		if err != nil {
			return fmt.Errorf("ROM table @ 0x%08x read entry: %w", t.Address, err)
		}

		// A zero entry terminates the table.
		if entry == 0 {
			break
		}
		if err := t.handleEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (t *ROMTable) handleEntry(entry uint32) error {
	// Nonzero entries can still be disabled.
	if entry&romEntryPresentMask == 0 {
		return nil
	}

	// The offset is a sign-extended 4 KiB multiple relative to the table.
	offset := entry & romEntryOffsetMask
	address := t.Address + offset // wraps correctly for negative offsets

	cmp := &ComponentID{AP: t.AP, Address: address}
	if err := cmp.ReadIDRegisters(); err != nil {
		return err
	}

	if cmp.IsRomTable() {
		nested := NewROMTable(t.AP, address)
		if err := nested.Init(); err != nil {
			return err
		}
		cmp.Table = nested
	}

	t.Components = append(t.Components, cmp)
	return nil
}

// ForEach applies the action to every component in the table and every
// nested table, depth first.
func (t *ROMTable) ForEach(action func(*ComponentID)) {
	for _, cmp := range t.Components {
		if cmp.Table != nil {
			cmp.Table.ForEach(action)
			continue
		}
		action(cmp)
	}
}
