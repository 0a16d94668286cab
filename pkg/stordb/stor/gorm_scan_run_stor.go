package stor

import (
	"time"

	"github.com/strandcloud/strand/pkg/stordb/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormScanRunStor struct {
	db *gorm.DB
}

func NewGormScanRunStor(db *gorm.DB) *GormScanRunStor {
	return &GormScanRunStor{db: db}
}

func (s *GormScanRunStor) LastRun(name string) (time.Time, bool, error) {
	var run model.ScanRun
	err := s.db.Where("name = ?", name).First(&run).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	return run.LastRun, true, nil
}

func (s *GormScanRunStor) RecordRun(name string, at time.Time) error {
	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run"}),
		}).Create(&model.ScanRun{Name: name, LastRun: at}).Error
	})
}
