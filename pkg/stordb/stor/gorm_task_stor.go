package stor

import (
	"time"

	"github.com/strandcloud/strand/pkg/stordb/model"
	"gorm.io/gorm"
)

type GormTaskStor struct {
	db *gorm.DB
}

func NewGormTaskStor(db *gorm.DB) *GormTaskStor {
	return &GormTaskStor{db: db}
}

func (s *GormTaskStor) CreateTask(task *model.StorageTask) (*model.StorageTask, error) {
	err := WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(task).Error
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

func (s *GormTaskStor) GetTaskByID(id string) (*model.StorageTask, error) {
	var task model.StorageTask
	if err := s.db.Where("id = ?", id).First(&task).Error; err != nil {
		return nil, err
	}

	return &task, nil
}

// FindClaimableTask returns an incomplete task whose lease has lapsed: its
// last_update is either unset or older than the lease window, and it is not
// already held by processorID.
func (s *GormTaskStor) FindClaimableTask(processorID string, leaseWindow time.Duration) (*model.StorageTask, error) {
	cutoff := time.Now().Add(-leaseWindow)

	var task model.StorageTask
	err := s.db.Where("complete = ?", false).
		Where("last_update IS NULL OR last_update < ?", cutoff).
		Where("processor_id IS NULL OR processor_id <> ?", processorID).
		Order("created_at asc").
		First(&task).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	return &task, nil
}

// ClaimTask attempts a compare-and-set on processor_id. It succeeds only if
// the task still belongs to previousOwner, so two schedulers racing for the
// same row see exactly one winner.
func (s *GormTaskStor) ClaimTask(id string, previousOwner *string, processorID string) (bool, error) {
	now := time.Now()

	q := s.db.Model(&model.StorageTask{}).
		Where("id = ?", id).
		Where("complete = ?", false)
	if previousOwner == nil {
		q = q.Where("processor_id IS NULL")
	} else {
		q = q.Where("processor_id = ?", *previousOwner)
	}

	result := q.Updates(map[string]interface{}{
		"processor_id": processorID,
		"last_update":  now,
	})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (s *GormTaskStor) SaveTaskRequirements(id string, requirements string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.StorageTask{}).
			Where("id = ?", id).
			Update("requirements", requirements).Error
	})
}

func (s *GormTaskStor) SaveTaskProgress(id string, progress string) error {
	now := time.Now()
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.StorageTask{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"progress":    progress,
				"last_update": now,
			}).Error
	})
}

func (s *GormTaskStor) MarkTaskComplete(id string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.StorageTask{}).
			Where("id = ?", id).
			Update("complete", true).Error
	})
}
