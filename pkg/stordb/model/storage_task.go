package model

import "time"

// StorageTask is a durable unit of work. Rows survive process crashes: a row
// whose LastUpdate is older than the lease window is claimable by any
// processor, so handlers must be idempotent.
type StorageTask struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	RequestKind  string     `json:"request_kind"`
	Requirements *string    `json:"requirements"`
	Request      string     `json:"request"`
	Progress     *string    `json:"progress"`
	LastUpdate   *time.Time `json:"last_update"`
	ProcessorID  *string    `json:"processor_id"`
	Complete     bool       `json:"complete"`

	CreatedAt time.Time `json:"created_at"`
}

func (StorageTask) TableName() string {
	return "storage_tasks"
}
