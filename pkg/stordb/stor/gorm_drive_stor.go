package stor

import (
	"fmt"

	"github.com/strandcloud/strand/pkg/stordb/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormDriveStor struct {
	db *gorm.DB
}

func NewGormDriveStor(db *gorm.DB) *GormDriveStor {
	return &GormDriveStor{db: db}
}

func (s *GormDriveStor) CreateDrive(drive *model.Drive) (*model.Drive, error) {
	err := WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"system"}),
		}).Create(drive).Error
	})

	if err != nil {
		return nil, err
	}

	return s.GetDriveByCollectionID(drive.CollectionID)
}

func (s *GormDriveStor) GetDriveByCollectionID(collectionID int64) (*model.Drive, error) {
	var drive model.Drive
	if err := s.db.Where("collection_id = ?", collectionID).First(&drive).Error; err != nil {
		return nil, err
	}

	return &drive, nil
}

func (s *GormDriveStor) FindDriveByProperties(driveType, localReference string, project *string) (*model.Drive, error) {
	var drives []model.Drive

	q := s.db.Where("type = ?", driveType).Where("local_reference = ?", localReference)
	if project == nil {
		q = q.Where("project IS NULL")
	} else {
		q = q.Where("project = ?", *project)
	}

	if err := q.Find(&drives).Error; err != nil {
		return nil, err
	}

	switch len(drives) {
	case 0:
		return nil, gorm.ErrRecordNotFound
	case 1:
		return &drives[0], nil
	default:
		// Two registry rows resolving the same physical root means the
		// registry itself is corrupt. Refuse to pick one.
		return nil, fmt.Errorf("registry integrity failure: %d drives match (%s, %s)",
			len(drives), driveType, localReference)
	}
}

func (s *GormDriveStor) FindSystemForProject(project string) (string, bool, error) {
	var drive model.Drive
	err := s.db.Where("project = ?", project).First(&drive).Error
	if err != nil {
		return "", false, err
	}

	return drive.System, drive.InMaintenanceMode, nil
}

func (s *GormDriveStor) ListDrivesForProject(project string) ([]model.Drive, error) {
	var drives []model.Drive
	err := s.db.Where("project = ?", project).Find(&drives).Error
	return drives, err
}

func (s *GormDriveStor) ListDrives(filterType string, afterCollectionID int64, limit int) ([]model.Drive, error) {
	var drives []model.Drive

	q := s.db.Where("collection_id > ?", afterCollectionID).
		Order("collection_id asc").
		Limit(limit)
	if filterType != "" {
		q = q.Where("type = ?", filterType)
	}

	err := q.Find(&drives).Error
	return drives, err
}

func (s *GormDriveStor) SetMaintenanceMode(collectionIDs []int64, maintenance bool) error {
	if len(collectionIDs) == 0 {
		return nil
	}

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.Drive{}).
			Where("collection_id IN ?", collectionIDs).
			Update("in_maintenance_mode", maintenance).Error
	})
}

func (s *GormDriveStor) SetSystem(collectionIDs []int64, system string) error {
	if len(collectionIDs) == 0 {
		return nil
	}

	return WithTxRetry(s.db, func(tx *gorm.DB) error {
		return tx.Model(&model.Drive{}).
			Where("collection_id IN ?", collectionIDs).
			Update("system", system).Error
	})
}
