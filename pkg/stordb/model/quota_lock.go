package model

import "time"

// QuotaLock blocks further writes for an owner/category pair. A lock is
// either user-scoped or project-scoped, never both. Locks carry the id of
// the usage scan that created them; a completed scan deletes every lock row
// from earlier scans, which is how locks lift once funds are back.
type QuotaLock struct {
	ID       uint    `json:"id" gorm:"primaryKey"`
	ScanID   string  `json:"scan_id" gorm:"index"`
	Category string  `json:"category"`
	Username *string `json:"username"`
	Project  *string `json:"project"`

	CreatedAt time.Time `json:"created_at"`
}

func (QuotaLock) TableName() string {
	return "storage_quota_locks"
}
