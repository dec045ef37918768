package domain

import "strings"

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
