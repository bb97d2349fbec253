package models

import "strings"

// Order is the page-order directive for a composition request.
type Order string

const (
	OrderNorm Order = "NORM"
	OrderRev  Order = "REV"
)

// ParseOrder normalizes a wire-format order string ("Norm"/"Rev", any case)
// to the canonical Order value. Unrecognized input defaults to OrderNorm.
func ParseOrder(raw string) Order {
	if Order(strings.ToUpper(raw)) == OrderRev {
		return OrderRev
	}
	return OrderNorm
}

// Fingerprint is the deterministic identity of an upload: filename, size,
// rotation, and page order. Two uploads with field-wise equal, normalized
// Fingerprints are treated as the same submission by the Reliability Registry.
type Fingerprint struct {
	FileName  string
	SizeBytes int64
	Rotation  int
	Order     Order
}

// NewFingerprint normalizes raw inputs and returns the canonical Fingerprint:
// the filename is trimmed, the order is upper-cased via ParseOrder.
func NewFingerprint(fileName string, sizeBytes int64, rotation int, order string) Fingerprint {
	return Fingerprint{
		FileName:  strings.TrimSpace(fileName),
		SizeBytes: sizeBytes,
		Rotation:  rotation,
		Order:     ParseOrder(order),
	}
}
