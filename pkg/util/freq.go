package util

import "fmt"

// ScaledLabel renders a rate or bandwidth with one decimal in Hz, KHz or MHz.
func ScaledLabel(hz float64) string {
	switch {
	case hz >= 1e6:
		return fmt.Sprintf("%.1fMHz", hz/1e6)
	case hz >= 1e3:
		return fmt.Sprintf("%.1fKHz", hz/1e3)
	default:
		return fmt.Sprintf("%.1fHz", hz)
	}
}

// MHzToString is used for log fields.
func MHzToString(hz uint64) string {
	return fmt.Sprintf("%0.4f MHz", float64(hz)/1e6)
}
