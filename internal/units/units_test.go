package units

import (
	"math"
	"testing"
	"time"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid bps", BPS, true},
		{"valid kibps", KIBPS, true},
		{"valid mibps", MIBPS, true},
		{"valid kbps", KBPS, true},
		{"invalid unit", "baud", false},
		{"empty unit", "", false},
		{"uppercase BPS", "BPS", false}, // Case-sensitive
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	result := GetValidUnitsString()
	expected := "bps, kibps, mibps, kbps"
	if result != expected {
		t.Errorf("GetValidUnitsString() = %s, want %s", result, expected)
	}
}

func TestConvertRate(t *testing.T) {
	tests := []struct {
		name     string
		bps      float64
		unit     string
		expected float64
	}{
		{"bps unchanged", 2048, BPS, 2048},
		{"kibps", 2048, KIBPS, 2},
		{"mibps", 3 * 1024 * 1024, MIBPS, 3},
		{"kbps", 2500, KBPS, 2.5},
		{"unknown falls back to bps", 10, "furlongs", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertRate(tt.bps, tt.unit)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("ConvertRate(%v, %s) = %v, want %v", tt.bps, tt.unit, result, tt.expected)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{22400, "21.9 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
	if got := FormatRate(1536); got != "1.5 KiB/s" {
		t.Errorf("FormatRate(1536) = %q", got)
	}
}

func TestIsTimezoneValid(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
		expected bool
	}{
		{"valid UTC", "UTC", true},
		{"valid Europe", "Europe/Berlin", true},
		{"invalid", "Invalid/Timezone", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := IsTimezoneValid(tt.timezone)
			if res != tt.expected {
				t.Errorf("IsTimezoneValid(%s) = %v, want %v", tt.timezone, res, tt.expected)
			}
		})
	}
}

func TestConvertTime(t *testing.T) {
	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	got, err := ConvertTime(ts, "UTC")
	if err != nil || !got.Equal(ts) {
		t.Fatalf("ConvertTime UTC = %v, %v", got, err)
	}

	got, err = ConvertTime(ts, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("ConvertTime: %v", err)
	}
	if !got.Equal(ts) || got.Hour() != 21 {
		t.Errorf("ConvertTime Asia/Tokyo = %v, want 21:00 local", got)
	}

	if _, err := ConvertTime(ts, "Nowhere/Special"); err == nil {
		t.Error("expected error for unknown timezone")
	}
}
