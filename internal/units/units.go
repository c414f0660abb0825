// Package units provides shared constants and validation for transfer rate
// units, and conversions from the bytes-per-second values the database
// stores.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	BPS   = "bps"
	KIBPS = "kibps"
	MIBPS = "mibps"
	KBPS  = "kbps"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{BPS, KIBPS, MIBPS, KBPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertRate converts a rate from bytes per second to the target units.
// Unknown units leave the value in bytes per second.
func ConvertRate(bytesPerSecond float64, targetUnits string) float64 {
	switch targetUnits {
	case KIBPS:
		return bytesPerSecond / 1024
	case MIBPS:
		return bytesPerSecond / (1024 * 1024)
	case KBPS:
		return bytesPerSecond / 1000
	default:
		return bytesPerSecond
	}
}

// FormatBytes renders n with a binary prefix, e.g. "1.5 KiB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}

// FormatRate renders a bytes-per-second value the way FormatBytes does.
func FormatRate(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}
