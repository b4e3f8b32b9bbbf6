// Package memorymap models the target's memory layout. The breakpoint
// manager consults it to choose between hardware, software, and flash
// breakpoints.
package memorymap

// RegionType classifies a memory range.
type RegionType int

const (
	RegionOther RegionType = iota
	RegionFlash
	RegionRAM
	RegionDevice
)

func (t RegionType) String() string {
	switch t {
	case RegionFlash:
		return "flash"
	case RegionRAM:
		return "ram"
	case RegionDevice:
		return "device"
	default:
		return "other"
	}
}

// Region is one contiguous range. End is inclusive.
type Region struct {
	Name  string
	Type  RegionType
	Start uint32
	End   uint32

	// BlockSize is the erase unit for flash regions, zero otherwise.
	BlockSize uint32

	// IsBootMemory marks the region the core boots from; the emulated
	// reset reads the initial SP and PC from its base.
	IsBootMemory bool
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr <= r.End
}

// Length returns the region size in bytes.
func (r *Region) Length() uint32 {
	return r.End - r.Start + 1
}

// IsFlash and IsRAM are convenience type tests.
func (r *Region) IsFlash() bool { return r.Type == RegionFlash }
func (r *Region) IsRAM() bool   { return r.Type == RegionRAM }

// Map is an ordered set of regions.
type Map struct {
	regions []Region
}

// New builds a map from regions. Overlaps are not checked; the first
// match wins on lookup.
func New(regions ...Region) *Map {
	return &Map{regions: regions}
}

// RegionForAddress returns the region containing addr, or nil.
func (m *Map) RegionForAddress(addr uint32) *Region {
	if m == nil {
		return nil
	}
	for i := range m.regions {
		if m.regions[i].Contains(addr) {
			return &m.regions[i]
		}
	}
	return nil
}

// BootMemory returns the boot region, or nil when none is marked.
func (m *Map) BootMemory() *Region {
	if m == nil {
		return nil
	}
	for i := range m.regions {
		if m.regions[i].IsBootMemory {
			return &m.regions[i]
		}
	}
	return nil
}

// Regions returns the map contents.
func (m *Map) Regions() []Region {
	if m == nil {
		return nil
	}
	return m.regions
}

// DefaultCortexM returns the generic Cortex-M layout used when no
// device-specific map is configured: code flash at zero, SRAM at
// 0x20000000, and the peripheral/system space as device memory.
func DefaultCortexM() *Map {
	return New(
		Region{Name: "flash", Type: RegionFlash, Start: 0x00000000, End: 0x1fffffff, BlockSize: 0x400, IsBootMemory: true},
		Region{Name: "sram", Type: RegionRAM, Start: 0x20000000, End: 0x3fffffff},
		Region{Name: "peripheral", Type: RegionDevice, Start: 0x40000000, End: 0x5fffffff},
		Region{Name: "system", Type: RegionDevice, Start: 0xe0000000, End: 0xffffffff},
	)
}
