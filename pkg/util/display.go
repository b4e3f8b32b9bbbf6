package util

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dump layout: four 32-bit words per line, the granularity the MEM-AP
// moves memory in.
const (
	dumpWordsPerLine = 4
	dumpLineBytes    = dumpWordsPerLine * 4
)

// DumpWords writes a memory dump grouped into little-endian 32-bit words
// with a trailing ASCII column. A block whose length is not a multiple of
// four ends in a short hex group covering the leftover bytes, so the dump
// mirrors exactly what was transferred.
func DumpWords(w io.Writer, data []byte, startAddr uint32) {
	for offset := 0; offset < len(data); offset += dumpLineBytes {
		end := offset + dumpLineBytes
		if end > len(data) {
			end = len(data)
		}
		line := data[offset:end]

		fmt.Fprintf(w, "%08x:", startAddr+uint32(offset))
		for i := 0; i < dumpLineBytes; i += 4 {
			if i >= len(line) {
				fmt.Fprint(w, strings.Repeat(" ", 9))
				continue
			}
			chunk := line[i:]
			if len(chunk) >= 4 {
				word := uint32(chunk[0]) | uint32(chunk[1])<<8 |
					uint32(chunk[2])<<16 | uint32(chunk[3])<<24
				fmt.Fprintf(w, " %08x", word)
				continue
			}
			// Leftover bytes, low address first.
			var sb strings.Builder
			for _, b := range chunk {
				fmt.Fprintf(&sb, "%02x", b)
			}
			fmt.Fprintf(w, " %-8s", sb.String())
		}
		fmt.Fprintf(w, "  |%s|\n", asciiColumn(line))
	}
}

// asciiColumn renders printable bytes and dots for the rest.
func asciiColumn(line []byte) string {
	var sb strings.Builder
	for _, b := range line {
		if b >= 0x20 && b <= 0x7e {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

// ParseAddress parses a 32-bit target address. Addresses are hex by
// convention, with or without a 0x prefix. The Thumb bit, if present, is
// preserved; the core strips it where required.
func ParseAddress(s string) (uint32, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("empty address")
	}
	v, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}

// ParseValue parses a 32-bit data value: hex with a 0x prefix, decimal
// otherwise.
func ParseValue(s string) (uint32, error) {
	if rest, ok := cutHexPrefix(s); ok {
		v, err := strconv.ParseUint(rest, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", s, err)
		}
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return uint32(v), nil
}

func cutHexPrefix(s string) (string, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:], true
	}
	return s, false
}
