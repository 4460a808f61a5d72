package store

import (
	"time"
)

const lastScanKey = "last_scan"

// ScanSummary records the outcome of the most recent mod scan.
type ScanSummary struct {
	Time      time.Time `json:"time"`
	Scanned   int       `json:"scanned"`
	Additions int       `json:"additions"`
	Updates   int       `json:"updates"`
	Deletions int       `json:"deletions"`
	Skipped   []string  `json:"skipped,omitempty"`
}

// SetLastScan stores the most recent scan summary.
func (s *Store) SetLastScan(sum ScanSummary) error {
	return s.setMeta(lastScanKey, sum)
}

// LastScan returns the most recent scan summary, or ErrNotFound.
func (s *Store) LastScan() (ScanSummary, error) {
	var sum ScanSummary
	err := s.getMeta(lastScanKey, &sum)
	return sum, err
}
