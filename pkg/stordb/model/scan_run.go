package model

import "time"

// ScanRun records the last successful run time per periodic scan, used to
// throttle scans to at most once per interval across restarts.
type ScanRun struct {
	Name    string    `json:"name" gorm:"primaryKey"`
	LastRun time.Time `json:"last_run"`
}

func (ScanRun) TableName() string {
	return "storage_scan_runs"
}
