package helpers

import (
	"bytes"
	"testing"
)

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"with prefix", "0x0102ff", []byte{1, 2, 255}, false},
		{"without prefix", "0102ff", []byte{1, 2, 255}, false},
		{"empty", "", []byte{}, false},
		{"bare prefix", "0x", []byte{}, false},
		{"odd length", "0x123", nil, true},
		{"invalid chars", "0xzz", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToBytes(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && !bytes.Equal(got, tt.want) {
				t.Errorf("HexToBytes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestBytesToHex(t *testing.T) {
	got := BytesToHex([]byte{0xde, 0xad, 0xbe, 0xef})
	if got != "0xdeadbeef" {
		t.Errorf("BytesToHex = %s, want 0xdeadbeef", got)
	}

	// Round trip
	back, err := HexToBytes(got)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if !bytes.Equal(back, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("round trip = %v", back)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   uint64
		decimals uint8
		want     string
	}{
		{"whole", 100000000, 8, "1"},
		{"fraction", 150000000, 8, "1.5"},
		{"small fraction", 1, 8, "0.00000001"},
		{"zero", 0, 8, "0"},
		{"no decimals", 42, 0, "42"},
		{"trailing zeros trimmed", 123450000, 8, "1.2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"whole", "1", 8, 100000000, false},
		{"fraction", "1.5", 8, 150000000, false},
		{"smallest unit", "0.00000001", 8, 1, false},
		{"excess precision truncated", "0.000000015", 8, 1, false},
		{"empty", "", 8, 0, true},
		{"letters", "abc", 8, 0, true},
		{"negative", "-1", 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseAmount(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, amount := range []uint64{0, 1, 99, 100000000, 123450000} {
		s := FormatAmount(amount, 8)
		back, err := ParseAmount(s, 8)
		if err != nil {
			t.Fatalf("ParseAmount(%q) error = %v", s, err)
		}
		if back != amount {
			t.Errorf("round trip %d -> %s -> %d", amount, s, back)
		}
	}
}
