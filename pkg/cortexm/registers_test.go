package cortexm

import "testing"

func TestRegisterIndex(t *testing.T) {
	tests := []struct {
		name     string
		reg      string
		expected int
	}{
		{"r0", "r0", 0},
		{"sp alias", "r13", 13},
		{"pc", "pc", 15},
		{"xpsr", "xpsr", 16},
		{"msp", "msp", 17},
		{"cfbp", "cfbp", 20},
		{"fpscr", "fpscr", 33},
		{"control", "control", -4},
		{"faultmask", "faultmask", -3},
		{"basepri", "basepri", -2},
		{"primask", "primask", -1},
		{"apsr", "apsr", 0x10000},
		{"ipsr", "ipsr", 0x10005},
		{"epsr", "epsr", 0x10006},
		{"s0", "s0", 0x40},
		{"s31", "s31", 0x5f},
		{"d0", "d0", -0x40},
		{"d15", "d15", -0x5e},
		{"uppercase name", "PC", 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := RegisterIndex(tt.reg)
			if err != nil {
				t.Fatal(err)
			}
			if idx != tt.expected {
				t.Errorf("RegisterIndex(%q) = %d, want %d", tt.reg, idx, tt.expected)
			}
		})
	}

	if _, err := RegisterIndex("r99"); err == nil {
		t.Error("unknown register accepted")
	}
}

func TestIndexClassification(t *testing.T) {
	tests := []struct {
		name   string
		index  int
		cfbp   bool
		psr    bool
		single bool
		double bool
	}{
		{"r0", 0, false, false, false, false},
		{"control", -4, true, false, false, false},
		{"primask", -1, true, false, false, false},
		{"apsr", 0x10000, false, true, false, false},
		{"iepsr", 0x10007, false, true, false, false},
		{"s0", 0x40, false, false, true, false},
		{"s31", 0x5f, false, false, true, false},
		{"d0", -0x40, false, false, false, true},
		{"d15", -0x5e, false, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isCFBPSubregister(tt.index); got != tt.cfbp {
				t.Errorf("isCFBPSubregister = %v", got)
			}
			if got := isPSRSubregister(tt.index); got != tt.psr {
				t.Errorf("isPSRSubregister = %v", got)
			}
			if got := isSingleFloatRegister(tt.index); got != tt.single {
				t.Errorf("isSingleFloatRegister = %v", got)
			}
			if got := isDoubleFloatRegister(tt.index); got != tt.double {
				t.Errorf("isDoubleFloatRegister = %v", got)
			}
		})
	}
}

func TestPSRMasks(t *testing.T) {
	tests := []struct {
		name     string
		index    int
		expected uint32
	}{
		{"apsr", 0x10000, apsrMask},
		{"iapsr", 0x10001, apsrMask | ipsrMask},
		{"eapsr", 0x10002, apsrMask | epsrMask},
		{"ipsr", 0x10005, ipsrMask},
		{"epsr", 0x10006, epsrMask},
		{"iepsr", 0x10007, ipsrMask | epsrMask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := psrMask(tt.index); got != tt.expected {
				t.Errorf("psrMask(0x%x) = 0x%08x, want 0x%08x", tt.index, got, tt.expected)
			}
		})
	}
}

func TestCFBPShift(t *testing.T) {
	tests := []struct {
		index    int
		expected uint32
	}{
		{-1, 0},  // PRIMASK in byte 0
		{-2, 8},  // BASEPRI in byte 1
		{-3, 16}, // FAULTMASK in byte 2
		{-4, 24}, // CONTROL in byte 3
	}
	for _, tt := range tests {
		if got := cfbpShift(tt.index); got != tt.expected {
			t.Errorf("cfbpShift(%d) = %d, want %d", tt.index, got, tt.expected)
		}
	}
}

func TestRegisterGroups(t *testing.T) {
	// v6-M without FPU: no basepri/faultmask, no float registers.
	v6 := registerGroups(false, false, false)
	names := map[string]bool{}
	for _, r := range v6 {
		names[r.Name] = true
	}
	if names["basepri"] || names["faultmask"] || names["s0"] || names["d0"] {
		t.Error("v6-M catalog contains v7-M or FPU registers")
	}
	if !names["primask"] || !names["xpsr"] || !names["control"] {
		t.Error("v6-M catalog is missing core registers")
	}

	// v7-M with FPU gains both groups.
	v7 := registerGroups(true, true, false)
	names = map[string]bool{}
	for _, r := range v7 {
		names[r.Name] = true
	}
	for _, want := range []string{"basepri", "faultmask", "fpscr", "s0", "s31", "d0", "d15"} {
		if !names[want] {
			t.Errorf("v7-M+FPU catalog is missing %s", want)
		}
	}
}

func TestFloatConversions(t *testing.T) {
	s := RegInfo{Name: "s0", Index: 0x40, BitSize: 32, Type: RegTypeIEEESingle}
	raw, err := s.ToRaw(float32(1.0))
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x3f800000 {
		t.Errorf("ToRaw(1.0f) = 0x%x", raw)
	}
	if v := s.FromRaw(0x3f800000); v != float32(1.0) {
		t.Errorf("FromRaw = %v", v)
	}

	d := RegInfo{Name: "d0", Index: -0x40, BitSize: 64, Type: RegTypeIEEEDouble}
	raw, err = d.ToRaw(float64(2.0))
	if err != nil {
		t.Fatal(err)
	}
	if raw != 0x4000000000000000 {
		t.Errorf("ToRaw(2.0) = 0x%x", raw)
	}

	r := RegInfo{Name: "r0", Index: 0, BitSize: 32, Type: RegTypeInt}
	if _, err := r.ToRaw(float64(1.0)); err == nil {
		t.Error("float accepted for integer register")
	}
	if raw, _ := r.ToRaw(uint32(7)); raw != 7 {
		t.Errorf("ToRaw(7) = %d", raw)
	}
}
