package memorymap

import "testing"

func TestRegionForAddress(t *testing.T) {
	m := DefaultCortexM()

	tests := []struct {
		name     string
		addr     uint32
		expected RegionType
	}{
		{"flash start", 0x00000000, RegionFlash},
		{"flash end", 0x1fffffff, RegionFlash},
		{"sram start", 0x20000000, RegionRAM},
		{"peripheral", 0x40001000, RegionDevice},
		{"system", 0xe000ed00, RegionDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region := m.RegionForAddress(tt.addr)
			if region == nil {
				t.Fatalf("no region for 0x%08x", tt.addr)
			}
			if region.Type != tt.expected {
				t.Errorf("region type = %v, want %v", region.Type, tt.expected)
			}
		})
	}

	if m.RegionForAddress(0x60000000) != nil {
		t.Error("unmapped address returned a region")
	}
}

func TestBootMemory(t *testing.T) {
	m := DefaultCortexM()
	boot := m.BootMemory()
	if boot == nil {
		t.Fatal("no boot memory")
	}
	if boot.Start != 0 || !boot.IsFlash() {
		t.Errorf("boot region = %+v", boot)
	}

	empty := New(Region{Name: "sram", Type: RegionRAM, Start: 0x20000000, End: 0x2000ffff})
	if empty.BootMemory() != nil {
		t.Error("map without boot region returned one")
	}
}

func TestRegionHelpers(t *testing.T) {
	r := Region{Type: RegionFlash, Start: 0x08000000, End: 0x0801ffff}
	if !r.Contains(0x08000000) || !r.Contains(0x0801ffff) {
		t.Error("boundary addresses not contained")
	}
	if r.Contains(0x08020000) {
		t.Error("address past end contained")
	}
	if r.Length() != 0x20000 {
		t.Errorf("length = 0x%x", r.Length())
	}
}
