package stor

import (
	"github.com/strandcloud/strand/pkg/stordb/model"
	"gorm.io/gorm"
)

type GormQuotaLockStor struct {
	db *gorm.DB
}

func NewGormQuotaLockStor(db *gorm.DB) *GormQuotaLockStor {
	return &GormQuotaLockStor{db: db}
}

func (s *GormQuotaLockStor) AddLock(lock *model.QuotaLock) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(lock).Error
	})
}

func (s *GormQuotaLockStor) IsLocked(category string, username, project *string) (bool, error) {
	q := s.db.Model(&model.QuotaLock{}).Where("category = ?", category)
	if username == nil {
		q = q.Where("username IS NULL")
	} else {
		q = q.Where("username = ?", *username)
	}
	if project == nil {
		q = q.Where("project IS NULL")
	} else {
		q = q.Where("project = ?", *project)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}

func (s *GormQuotaLockStor) DeleteLocksFromOtherScans(keepScanID string) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Where("scan_id <> ?", keepScanID).Delete(&model.QuotaLock{}).Error
	})
}
