package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestDumpWords(t *testing.T) {
	data := []byte{
		0x41, 0x42, 0x43, 0x44, 0x00, 0x01, 0x02, 0x03,
		0xde, 0xad, 0xbe, 0xef, 0x20, 0x7f, 0xff, 0x7e,
	}

	var buf bytes.Buffer
	DumpWords(&buf, data, 0x20000000)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("dump produced %d lines, want 1", len(lines))
	}

	// Words are assembled little-endian; the ASCII column shows dots for
	// unprintable bytes.
	expected := "20000000: 44434241 03020100 efbeadde 7eff7f20  |ABCD........ ..~|"
	if lines[0] != expected {
		t.Errorf("line = %q\n     want %q", lines[0], expected)
	}
}

func TestDumpWordsPartialLine(t *testing.T) {
	// 6 bytes: one full word and a 2-byte leftover group.
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	var buf bytes.Buffer
	DumpWords(&buf, data, 0x08000000)

	// One full word, a short "5566" group, two empty word slots, then
	// the ASCII column (0x11 is unprintable).
	expected := "08000000: 44332211 5566    " +
		strings.Repeat(" ", 18) + `  |."3DUf|`
	got := strings.TrimRight(buf.String(), "\n")
	if got != expected {
		t.Errorf("line = %q\n     want %q", got, expected)
	}
}

func TestDumpWordsLineAddresses(t *testing.T) {
	data := make([]byte, 40)

	var buf bytes.Buffer
	DumpWords(&buf, data, 0xe000e000)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("dump produced %d lines, want 3", len(lines))
	}
	prefixes := []string{"e000e000:", "e000e010:", "e000e020:"}
	for i, prefix := range prefixes {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected uint32
		wantErr  bool
	}{
		{
			name:     "Bare hex",
			input:    "20000000",
			expected: 0x20000000,
		},
		{
			name:     "0x prefix",
			input:    "0x08000100",
			expected: 0x08000100,
		},
		{
			name:     "Uppercase prefix",
			input:    "0XFF",
			expected: 0xff,
		},
		{
			name:     "Thumb bit preserved",
			input:    "0x08000101",
			expected: 0x08000101,
		},
		{
			name:    "Empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "Garbage",
			input:   "zzz",
			wantErr: true,
		},
		{
			name:    "Too wide",
			input:   "0x100000000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) error: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("ParseAddress(%q) = 0x%08x, want 0x%08x", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected uint32
		wantErr  bool
	}{
		{
			name:     "Decimal",
			input:    "1234",
			expected: 1234,
		},
		{
			name:     "Hex with prefix",
			input:    "0xdeadbeef",
			expected: 0xdeadbeef,
		},
		{
			name:     "Zero",
			input:    "0",
			expected: 0,
		},
		{
			name:    "Bare hex digits are not decimal",
			input:   "beef",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseValue(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseValue(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseValue(%q) error: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("ParseValue(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}
